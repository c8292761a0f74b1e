// Package sendctl drives one send operation: the optimistic user message, the
// polling fallback, the streamed reply and the final reconciliation with the
// chat service.
package sendctl

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/sessioncache"
	"github.com/go-go-golems/chatsync/pkg/stream"
	"github.com/go-go-golems/chatsync/pkg/transport"
)

const (
	DefaultPollInterval     = 1500 * time.Millisecond
	DefaultReconcileTimeout = 15 * time.Second
)

// Cache is what the controller needs from the session cache.
type Cache interface {
	SessionList(ctx context.Context) []session.Session
	Session(ctx context.Context, id string) session.Session
	RefreshSession(ctx context.Context, id string) session.Session
	RefreshSessionList(ctx context.Context) []session.Session
	FindBySessionID(key string) (session.Session, bool)
	CreateSession(ctx context.Context, s session.Session) (session.Session, error)
	UpdateSession(ctx context.Context, p sessioncache.Patch) (session.Session, error)
}

var _ Cache = (*sessioncache.Cache)(nil)

// Sender opens the streaming reply for one message.
type Sender interface {
	SendMessage(ctx context.Context, req transport.SendRequest) (io.ReadCloser, error)
}

var _ Sender = (*transport.Client)(nil)

type Controller struct {
	cache            Cache
	sender           Sender
	listener         Listener
	history          *History
	current          *Context
	pollInterval     time.Duration
	reconcileTimeout time.Duration
	assemblerOpts    []stream.Option
	newID            func() string

	// onPollerStop observes poller shutdowns in tests.
	onPollerStop func(reason string)

	sending atomic.Bool

	mu    sync.Mutex
	state State
}

type Option func(*Controller)

func WithListener(l Listener) Option {
	return func(c *Controller) {
		if l != nil {
			c.listener = l
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithReconcileTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.reconcileTimeout = d
		}
	}
}

func WithAssemblerOptions(opts ...stream.Option) Option {
	return func(c *Controller) { c.assemblerOpts = append(c.assemblerOpts, opts...) }
}

func WithContext(cur *Context) Option {
	return func(c *Controller) {
		if cur != nil {
			c.current = cur
		}
	}
}

func WithHistory(h *History) Option {
	return func(c *Controller) {
		if h != nil {
			c.history = h
		}
	}
}

func NewController(cache Cache, sender Sender, opts ...Option) *Controller {
	c := &Controller{
		cache:            cache,
		sender:           sender,
		listener:         ListenerFuncs{},
		history:          NewHistory(),
		current:          NewContext(session.DefaultUserID, session.DefaultChannel),
		pollInterval:     DefaultPollInterval,
		reconcileTimeout: DefaultReconcileTimeout,
		newID:            func() string { return uuid.NewString() },
		state:            StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Current() Current  { return c.current.Get() }
func (c *Controller) History() *History { return c.history }
func (c *Controller) Context() *Context { return c.current }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	log.Debug().Str("component", "sendctl").Str("state", s.String()).Msg("state change")
	c.listener.OnStateChange(s)
}

// Select makes id the current session and publishes its history. Sentinel ids
// start a new chat.
func (c *Controller) Select(ctx context.Context, id string) (session.Session, error) {
	if session.IsSentinelID(id) {
		return c.NewChat(ctx)
	}
	if !session.IsLocalID(id) {
		// the list carries the metadata merged into the detail
		c.cache.SessionList(ctx)
	}
	s := c.cache.Session(ctx, id)
	c.activate(s)
	return s, nil
}

// NewChat creates a local session and selects it. When the session was
// created in memory but could not be persisted, it is still selected and
// returned together with the error.
func (c *Controller) NewChat(ctx context.Context) (session.Session, error) {
	cur := c.current.Get()
	s, err := c.cache.CreateSession(ctx, session.Session{UserID: cur.UserID, Channel: cur.Channel})
	if s.ID != "" {
		c.activate(s)
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "sendctl").Str("session_id", s.ID).Msg("creating new chat failed")
		return s, errors.Wrap(err, "create chat")
	}
	return s, nil
}

func (c *Controller) activate(s session.Session) {
	prev := c.current.Get()
	next := Current{ID: s.ID, SessionID: s.SessionID, UserID: s.UserID, Channel: s.Channel}
	if next.UserID == "" {
		next.UserID = prev.UserID
	}
	if next.Channel == "" {
		next.Channel = prev.Channel
	}
	if next.SessionID == "" {
		next.SessionID = s.ID
	}
	c.current.set(next)
	c.history.Reset(s.ID, s.Messages)
	_, msgs := c.history.Snapshot()
	c.listener.OnHistory(s.ID, msgs)
}

// Send posts text to the selected session (a new local one when none is
// selected) and blocks until the reply has been reconciled. Cancelling ctx
// aborts the stream; reconciliation still runs on a detached context.
func (c *Controller) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if !c.sending.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.sending.Store(false)

	cur := c.current.Get()
	if session.IsSentinelID(cur.ID) {
		if created, err := c.NewChat(ctx); err != nil {
			serr := &SendError{SessionID: created.ID, Err: err}
			c.listener.OnError(serr)
			return serr
		}
		cur = c.current.Get()
	}
	_, before := c.history.Snapshot()
	baseline := countRole(before, session.RoleUser)

	c.setState(StateSending)
	userMsg := session.Message{ID: c.newID(), Role: session.RoleUser, Content: text}
	if c.history.Upsert(cur.ID, userMsg) {
		c.listener.OnMessage(cur.ID, userMsg)
	}
	c.autoName(ctx, cur, text)

	p := startPoller(ctx, c.pollInterval, func(pctx context.Context) {
		c.poll(pctx, cur, baseline, userMsg)
	})
	stopPoller := func(reason string) {
		if p.Stop() {
			log.Debug().Str("component", "sendctl").Str("session_id", cur.ID).Str("reason", reason).Msg("poller stopped")
			if c.onPollerStop != nil {
				c.onPollerStop(reason)
			}
		}
	}

	var (
		streamed     bool
		assistantMsg session.Message
	)
	sendErr := c.stream(ctx, cur, text, func(assembled string) {
		if !streamed {
			streamed = true
			stopPoller("first_delta")
			c.setState(StateStreaming)
			assistantMsg = session.Message{ID: c.newID(), Role: session.RoleAssistant}
		}
		assistantMsg.Content = assembled
		if c.history.Upsert(cur.ID, assistantMsg) {
			c.listener.OnMessage(cur.ID, assistantMsg)
		}
		c.listener.OnTextChunk(assembled)
	})

	if !streamed {
		c.setState(StatePollingOnly)
	}
	stopPoller("settled")
	p.Wait()

	c.setState(StateReconciling)
	pending := []session.Message{userMsg}
	if streamed {
		pending = append(pending, assistantMsg)
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.reconcileTimeout)
	c.reconcile(rctx, cur, baseline, pending)
	cancel()
	c.setState(StateIdle)

	if sendErr != nil {
		err := &SendError{SessionID: cur.ID, Err: sendErr}
		log.Warn().Err(sendErr).Str("component", "sendctl").Str("session_id", cur.ID).Msg("send failed")
		c.listener.OnError(err)
		return err
	}
	return nil
}

func (c *Controller) stream(ctx context.Context, cur Current, text string, onText func(string)) error {
	body, err := c.sender.SendMessage(ctx, transport.SendRequest{
		Text:      text,
		SessionID: cur.SessionID,
		UserID:    cur.UserID,
		Channel:   cur.Channel,
	})
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()
	// unblocks a pending read when ctx is cancelled
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	_, err = stream.NewAssembler(c.assemblerOpts...).Consume(ctx, body, onText)
	return err
}

func (c *Controller) autoName(ctx context.Context, cur Current, text string) {
	if !session.IsLocalID(cur.ID) {
		return
	}
	s := c.cache.Session(ctx, cur.ID)
	if s.Name != session.DefaultName {
		return
	}
	name := session.NameFromText(text)
	if _, err := c.cache.UpdateSession(ctx, sessioncache.Patch{ID: cur.ID, Name: &name}); err != nil {
		log.Debug().Err(err).Str("component", "sendctl").Str("session_id", cur.ID).Msg("naming local session failed")
	}
}

// serverID resolves the id the chat service knows the session under. Local
// sessions are looked up by their conversation key after a list refresh.
func (c *Controller) serverID(ctx context.Context, cur Current, refresh bool) (string, bool) {
	if !session.IsLocalID(cur.ID) {
		return cur.ID, true
	}
	if s, ok := c.cache.FindBySessionID(cur.SessionID); ok && !s.IsLocal() {
		return s.ID, true
	}
	if !refresh {
		return "", false
	}
	c.cache.RefreshSessionList(ctx)
	if s, ok := c.cache.FindBySessionID(cur.SessionID); ok && !s.IsLocal() {
		return s.ID, true
	}
	return "", false
}

func (c *Controller) poll(ctx context.Context, cur Current, baseline int, userMsg session.Message) {
	id, ok := c.serverID(ctx, cur, true)
	if !ok || ctx.Err() != nil {
		return
	}
	s := c.cache.RefreshSession(ctx, id)
	if ctx.Err() != nil || len(s.Messages) == 0 {
		return
	}
	msgs := withPending(s.Messages, baseline, userMsg)
	if c.history.Replace(cur.ID, msgs) {
		c.listener.OnHistory(cur.ID, msgs)
	}
}

func (c *Controller) reconcile(ctx context.Context, cur Current, baseline int, pending []session.Message) {
	c.cache.RefreshSessionList(ctx)

	id, ok := c.serverID(ctx, cur, false)
	if !ok {
		// the service has not recorded the chat; keep what is visible and
		// store it with the local session
		_, msgs := c.history.Snapshot()
		if _, err := c.cache.UpdateSession(ctx, sessioncache.Patch{ID: cur.ID, Messages: msgs}); err != nil {
			log.Debug().Err(err).Str("component", "sendctl").Str("session_id", cur.ID).Msg("storing local history failed")
		}
		return
	}
	if id != cur.ID {
		if c.current.adopt(cur.ID, id) {
			log.Info().Str("component", "sendctl").Str("local_id", cur.ID).Str("session_id", id).Msg("adopted server session id")
		}
		c.history.Rebind(cur.ID, id)
	}

	s := c.cache.RefreshSession(ctx, id)
	msgs := withPending(s.Messages, baseline, pending...)
	if c.history.Replace(id, msgs) {
		c.listener.OnHistory(id, msgs)
	}
}

// withPending returns the server history, followed by the pending messages when
// the server has not recorded the new user message yet.
func withPending(server []session.Message, baseline int, pending ...session.Message) []session.Message {
	if countRole(server, session.RoleUser) > baseline {
		return server
	}
	out := make([]session.Message, 0, len(server)+len(pending))
	out = append(out, server...)
	return append(out, pending...)
}

func countRole(msgs []session.Message, role string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}
