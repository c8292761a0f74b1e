// Package sessioncache keeps the client-side list of chat sessions and their
// histories consistent with the chat service.
//
// Reads are TTL bounded and coalesced per key, so concurrent callers share one
// network call. Reads never fail: on transport errors they degrade to the
// persisted list, the in-memory list or a synthesized empty session. Mutations
// write through to the persistent store.
package sessioncache

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/chatsync/pkg/persistence/kvstore"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/transport"
)

const (
	DefaultListTTL   = 5 * time.Second
	DefaultDetailTTL = 5 * time.Second
	DefaultStoreKey  = "chatsync.sessions"

	listKey = "list"
)

// ErrUnknownSession is returned by UpdateSession for ids the cache has never seen.
var ErrUnknownSession = errors.New("sessioncache: unknown session")

// Backend is the part of the chat service the cache talks to.
type Backend interface {
	ListChats(ctx context.Context, filter transport.ListFilter) ([]session.ChatSpec, error)
	GetChat(ctx context.Context, id string) (session.ChatHistory, error)
	UpdateChat(ctx context.Context, spec session.ChatSpec) (session.ChatSpec, error)
	DeleteChat(ctx context.Context, id string) error
}

var _ Backend = (*transport.Client)(nil)

type entry struct {
	value session.Session
	at    time.Time
}

// Cache is safe for concurrent use. Construct one per application and pass it
// to whatever needs it.
type Cache struct {
	backend   Backend
	store     kvstore.Store
	storeKey  string
	listTTL   time.Duration
	detailTTL time.Duration
	filter    transport.ListFilter
	now       func() time.Time
	ids       *session.IDGenerator

	group singleflight.Group

	// writeMu orders write-through snapshots.
	writeMu sync.Mutex

	mu         sync.Mutex
	list       []session.Session
	listAt     time.Time
	details    map[string]entry
	generation uint64
	// seq numbers fetches in start order across all keys.
	seq uint64
	// removed holds the seq at which a session was deleted; detail fetches
	// started before that do not repopulate it.
	removed map[string]uint64
}

// flight is the shared result of one coalesced fetch.
type flight struct {
	val any
	seq uint64
	gen uint64
}

type Option func(*Cache)

func WithListTTL(d time.Duration) Option {
	return func(c *Cache) { c.listTTL = d }
}

func WithDetailTTL(d time.Duration) Option {
	return func(c *Cache) { c.detailTTL = d }
}

func WithStoreKey(key string) Option {
	return func(c *Cache) {
		if key != "" {
			c.storeKey = key
		}
	}
}

// WithFilter restricts the list to one user and/or channel and provides the
// defaults for locally created sessions.
func WithFilter(userID, channel string) Option {
	return func(c *Cache) {
		c.filter = transport.ListFilter{UserID: userID, Channel: channel}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithIDGenerator(g *session.IDGenerator) Option {
	return func(c *Cache) {
		if g != nil {
			c.ids = g
		}
	}
}

// New builds a cache. A nil store keeps the persisted list in memory only.
func New(backend Backend, store kvstore.Store, opts ...Option) *Cache {
	c := &Cache{
		backend:   backend,
		store:     store,
		storeKey:  DefaultStoreKey,
		listTTL:   DefaultListTTL,
		detailTTL: DefaultDetailTTL,
		now:       time.Now,
		details:   map[string]entry{},
		removed:   map[string]uint64{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = kvstore.NewMemoryStore()
	}
	if c.ids == nil {
		c.ids = session.NewIDGenerator(c.now)
	}
	return c
}

// Filter returns the user/channel filter the cache was built with.
func (c *Cache) Filter() transport.ListFilter { return c.filter }

func (c *Cache) fresh(at time.Time, ttl time.Duration) bool {
	return !at.IsZero() && c.now().Sub(at) < ttl
}

// Reset drops all in-memory state. Fetches that are in flight when Reset is
// called no longer populate the cache, and their waiting callers are served by
// the next fetch instead. The persisted list is left alone.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = nil
	c.listAt = time.Time{}
	c.details = map[string]entry{}
	c.removed = map[string]uint64{}
	c.generation++
}

// SessionList returns the session list, newest first.
func (c *Cache) SessionList(ctx context.Context) []session.Session {
	c.mu.Lock()
	if len(c.list) > 0 && c.fresh(c.listAt, c.listTTL) {
		out := cloneList(c.list)
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()
	return c.fetchList(ctx, 0)
}

// RefreshSessionList bypasses the TTL. A fetch that is already running is
// awaited first; if it started before this call, one more fetch follows it.
func (c *Cache) RefreshSessionList(ctx context.Context) []session.Session {
	c.mu.Lock()
	c.listAt = time.Time{}
	after := c.seq
	c.mu.Unlock()
	return c.fetchList(ctx, after)
}

func (c *Cache) fetchList(ctx context.Context, after uint64) []session.Session {
	v, ok := c.do(ctx, listKey, after, func(ctx context.Context, f flight) any {
		return c.loadList(ctx, f.gen)
	})
	if !ok {
		log.Debug().Str("component", "sessioncache").Err(ctx.Err()).Msg("list read cancelled, serving fallback")
		return c.fallbackList(context.WithoutCancel(ctx))
	}
	return cloneList(v.([]session.Session))
}

// do joins or starts the fetch for key and returns its result once a fetch
// that started after sequence number after, within the current generation,
// has completed. At most one fetch per key runs at a time. It reports false
// when ctx is done first; the fetch itself keeps running.
func (c *Cache) do(ctx context.Context, key string, after uint64, load func(ctx context.Context, f flight) any) (any, bool) {
	detached := context.WithoutCancel(ctx)
	for {
		ch := c.group.DoChan(key, func() (any, error) {
			c.mu.Lock()
			c.seq++
			f := flight{seq: c.seq, gen: c.generation}
			c.mu.Unlock()
			f.val = load(detached, f)
			return f, nil
		})
		select {
		case res := <-ch:
			f := res.Val.(flight)
			c.mu.Lock()
			current := f.seq > after && f.gen == c.generation
			c.mu.Unlock()
			if current {
				return f.val, true
			}
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (c *Cache) loadList(ctx context.Context, gen uint64) []session.Session {
	specs, err := c.backend.ListChats(ctx, c.filter)
	if err != nil {
		log.Warn().Err(err).Str("component", "sessioncache").Msg("listing chats failed, serving stale list")
		return c.fallbackList(ctx)
	}

	remote := make([]session.Session, 0, len(specs))
	known := make(map[string]struct{}, len(specs))
	for i := len(specs) - 1; i >= 0; i-- {
		s := session.FromSpec(specs[i])
		remote = append(remote, s)
		if s.SessionID != "" {
			known[s.SessionID] = struct{}{}
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return remote
	}
	// local sessions the service has not seen yet stay on top
	var pending []session.Session
	for _, s := range c.list {
		if !s.IsLocal() {
			continue
		}
		if _, ok := known[s.SessionID]; ok {
			continue
		}
		pending = append(pending, s)
	}
	c.list = append(pending, remote...)
	c.listAt = c.now()
	snapshot := cloneList(c.list)
	c.mu.Unlock()

	if err := c.persist(ctx, snapshot); err != nil {
		log.Warn().Err(err).Str("component", "sessioncache").Str("key", c.storeKey).Msg("persisting session list failed")
	}
	return snapshot
}

func (c *Cache) fallbackList(ctx context.Context) []session.Session {
	persisted, ok := c.loadPersisted(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		if len(c.list) == 0 {
			c.list = cloneList(persisted)
		}
		return persisted
	}
	return cloneList(c.list)
}

func (c *Cache) loadPersisted(ctx context.Context) ([]session.Session, bool) {
	raw, found, err := c.store.Get(ctx, c.storeKey)
	if err != nil {
		log.Warn().Err(err).Str("component", "sessioncache").Str("key", c.storeKey).Msg("reading persisted sessions failed")
		return nil, false
	}
	if !found {
		return nil, false
	}
	var list []session.Session
	if err := json.Unmarshal(raw, &list); err != nil {
		log.Warn().Err(err).Str("component", "sessioncache").Str("key", c.storeKey).Msg("persisted sessions are not valid JSON")
		return nil, false
	}
	if list == nil {
		list = []session.Session{}
	}
	return list, true
}

func (c *Cache) persist(ctx context.Context, list []session.Session) error {
	if list == nil {
		list = []session.Session{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return errors.Wrap(err, "encode session list")
	}
	return errors.Wrapf(c.store.Put(ctx, c.storeKey, b), "persist %s", c.storeKey)
}

// Session returns one session with its history. Sentinel ids yield a temporary
// session that is not cached; local ids are resolved from memory only.
func (c *Cache) Session(ctx context.Context, id string) session.Session {
	if session.IsSentinelID(id) {
		return session.NewEmpty(c.ids.Next())
	}
	if session.IsLocalID(id) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if s, ok := c.findLocked(id); ok {
			return s.Clone()
		}
		return session.NewEmpty(id)
	}

	c.mu.Lock()
	if e, ok := c.details[id]; ok && c.fresh(e.at, c.detailTTL) {
		out := e.value.Clone()
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()
	return c.fetchSession(ctx, id, 0)
}

// RefreshSession bypasses the detail TTL for id.
func (c *Cache) RefreshSession(ctx context.Context, id string) session.Session {
	if session.IsSentinelID(id) || session.IsLocalID(id) {
		return c.Session(ctx, id)
	}
	c.mu.Lock()
	delete(c.details, id)
	after := c.seq
	c.mu.Unlock()
	return c.fetchSession(ctx, id, after)
}

func detailKey(id string) string { return "session:" + id }

func (c *Cache) fetchSession(ctx context.Context, id string, after uint64) session.Session {
	v, ok := c.do(ctx, detailKey(id), after, func(ctx context.Context, f flight) any {
		return c.loadSession(ctx, id, f)
	})
	if !ok {
		return c.fallbackSession(id)
	}
	return v.(session.Session).Clone()
}

func (c *Cache) loadSession(ctx context.Context, id string, f flight) session.Session {
	history, err := c.backend.GetChat(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("component", "sessioncache").Str("session_id", id).Msg("fetching chat history failed, serving cached session")
		return c.fallbackSession(id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	merged := session.NewEmpty(id)
	if local, ok := c.findLocked(id); ok {
		merged = local.Clone()
	} else if e, ok := c.details[id]; ok {
		merged = e.value.Clone()
	}
	merged.Messages = session.MessagesFromHistory(history)
	if f.gen == c.generation && f.seq > c.removed[id] {
		c.details[id] = entry{value: merged.Clone(), at: c.now()}
	}
	return merged
}

func (c *Cache) fallbackSession(id string) session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.findLocked(id); ok {
		if e, ok := c.details[id]; ok {
			s.Messages = e.value.Messages
		}
		return s.Clone()
	}
	if e, ok := c.details[id]; ok {
		return e.value.Clone()
	}
	return session.NewEmpty(id)
}

// FindBySessionID looks up a session in memory by its conversation key.
func (c *Cache) FindBySessionID(key string) (session.Session, bool) {
	if key == "" {
		return session.Session{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.list, func(s session.Session) bool { return s.SessionID == key })
	if i < 0 {
		return session.Session{}, false
	}
	return c.list[i].Clone(), true
}

func (c *Cache) findLocked(id string) (session.Session, bool) {
	i := slices.IndexFunc(c.list, func(s session.Session) bool { return s.ID == id })
	if i < 0 {
		return session.Session{}, false
	}
	return c.list[i], true
}

func cloneList(in []session.Session) []session.Session {
	out := make([]session.Session, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}
