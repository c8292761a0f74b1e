package console

import (
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"

	"github.com/go-go-golems/chatsync/pkg/sendctl"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/sessioncache"
	"github.com/go-go-golems/chatsync/pkg/transport"
)

const SectionSlug = "console"

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Settings configures the chat service connection and the local session cache.
type Settings struct {
	BaseURL        string `glazed:"base-url"`
	UserID         string `glazed:"user-id"`
	Channel        string `glazed:"channel"`
	ListTTLMs      int    `glazed:"list-ttl-ms"`
	DetailTTLMs    int    `glazed:"detail-ttl-ms"`
	PollIntervalMs int    `glazed:"poll-interval-ms"`
	Store          string `glazed:"store"`
	StorePath      string `glazed:"store-path"`
	StoreKey       string `glazed:"store-key"`
}

func DefaultSettings() Settings {
	return Settings{
		BaseURL:        transport.DefaultBaseURL,
		UserID:         session.DefaultUserID,
		Channel:        session.DefaultChannel,
		ListTTLMs:      int(sessioncache.DefaultListTTL / time.Millisecond),
		DetailTTLMs:    int(sessioncache.DefaultDetailTTL / time.Millisecond),
		PollIntervalMs: int(sendctl.DefaultPollInterval / time.Millisecond),
		Store:          StoreSQLite,
		StorePath:      "~/.chatsync/sessions.db",
		StoreKey:       sessioncache.DefaultStoreKey,
	}
}

func NewSection() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(
		SectionSlug,
		"Chat service and session cache",
		schema.WithFields(
			fields.New("base-url", fields.TypeString, fields.WithDefault(d.BaseURL),
				fields.WithHelp("Base URL of the chat service")),
			fields.New("user-id", fields.TypeString, fields.WithDefault(d.UserID),
				fields.WithHelp("User the sessions belong to")),
			fields.New("channel", fields.TypeString, fields.WithDefault(d.Channel),
				fields.WithHelp("Channel the sessions belong to")),
			fields.New("list-ttl-ms", fields.TypeInteger, fields.WithDefault(d.ListTTLMs),
				fields.WithHelp("How long a fetched session list is served from memory")),
			fields.New("detail-ttl-ms", fields.TypeInteger, fields.WithDefault(d.DetailTTLMs),
				fields.WithHelp("How long a fetched session history is served from memory")),
			fields.New("poll-interval-ms", fields.TypeInteger, fields.WithDefault(d.PollIntervalMs),
				fields.WithHelp("History polling interval while waiting for a streamed reply")),
			fields.New("store", fields.TypeChoice, fields.WithDefault(d.Store),
				fields.WithChoices(StoreMemory, StoreSQLite, StoreRedis),
				fields.WithHelp("Where the session list is persisted")),
			fields.New("store-path", fields.TypeString, fields.WithDefault(d.StorePath),
				fields.WithHelp("SQLite file for --store sqlite")),
			fields.New("store-key", fields.TypeString, fields.WithDefault(d.StoreKey),
				fields.WithHelp("Key holding the persisted session list")),
		),
	)
}
