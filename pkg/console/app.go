// Package console assembles the chat client from its settings: transport,
// persistent store, session cache and send controller. There is one App per
// process, passed explicitly to whatever needs it.
package console

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/persistence/kvstore"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/sendctl"
	"github.com/go-go-golems/chatsync/pkg/sessioncache"
	"github.com/go-go-golems/chatsync/pkg/transport"
)

const redisKeyPrefix = "chatsync"

type App struct {
	Settings   Settings
	Client     *transport.Client
	Store      kvstore.Store
	Cache      *sessioncache.Cache
	Controller *sendctl.Controller
}

// New builds an App. Listeners receive the controller's UI updates.
func New(ctx context.Context, s Settings, rs redisstream.Settings, listeners ...sendctl.Listener) (*App, error) {
	client, err := transport.NewClient(s.BaseURL)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(ctx, s, rs)
	if err != nil {
		return nil, err
	}

	cache := sessioncache.New(client, store,
		sessioncache.WithListTTL(millis(s.ListTTLMs, sessioncache.DefaultListTTL)),
		sessioncache.WithDetailTTL(millis(s.DetailTTLMs, sessioncache.DefaultDetailTTL)),
		sessioncache.WithStoreKey(s.StoreKey),
		sessioncache.WithFilter(s.UserID, s.Channel),
	)

	var listener sendctl.Listener = sendctl.ListenerFuncs{}
	switch len(listeners) {
	case 0:
	case 1:
		listener = listeners[0]
	default:
		listener = sendctl.MultiListener(listeners)
	}
	ctrl := sendctl.NewController(cache, client,
		sendctl.WithListener(listener),
		sendctl.WithPollInterval(millis(s.PollIntervalMs, sendctl.DefaultPollInterval)),
		sendctl.WithContext(sendctl.NewContext(s.UserID, s.Channel)),
	)

	log.Debug().Str("base_url", client.BaseURL()).Str("store", s.Store).Msg("console ready")
	return &App{Settings: s, Client: client, Store: store, Cache: cache, Controller: ctrl}, nil
}

func (a *App) Close() error {
	if a == nil || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

// OpenStore opens the store selected by s.Store.
func OpenStore(ctx context.Context, s Settings, rs redisstream.Settings) (kvstore.Store, error) {
	switch s.Store {
	case "", StoreMemory:
		return kvstore.NewMemoryStore(), nil
	case StoreSQLite:
		path, err := expandHome(s.StorePath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create store directory")
		}
		dsn, err := kvstore.SQLiteDSNForFile(path)
		if err != nil {
			return nil, err
		}
		return kvstore.NewSQLiteStore(dsn)
	case StoreRedis:
		store, err := kvstore.NewRedisStore(rs.Addr, redisKeyPrefix)
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.Errorf("unknown store %q", s.Store)
	}
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "resolve home directory")
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
