package sessioncache

import (
	"context"
	"maps"
	"slices"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/session"
)

// Patch describes a partial update. Nil fields are left unchanged; Meta keys are
// merged into the existing meta.
type Patch struct {
	ID       string
	Name     *string
	Meta     map[string]any
	Messages []session.Message
}

// UpdateSession applies p. Server-side sessions are updated remotely first and a
// remote failure leaves local state untouched.
func (c *Cache) UpdateSession(ctx context.Context, p Patch) (session.Session, error) {
	if session.IsSentinelID(p.ID) {
		return session.Session{}, errors.Wrapf(ErrUnknownSession, "update %q", p.ID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	current, ok := c.findLocked(p.ID)
	if !ok {
		if e, found := c.details[p.ID]; found {
			current, ok = e.value, true
		}
	}
	c.mu.Unlock()
	if !ok {
		return session.Session{}, errors.Wrapf(ErrUnknownSession, "update %q", p.ID)
	}

	updated := current.Clone()
	if p.Name != nil {
		updated.Name = *p.Name
	}
	if p.Meta != nil {
		if updated.Meta == nil {
			updated.Meta = map[string]any{}
		}
		maps.Copy(updated.Meta, p.Meta)
	}
	if p.Messages != nil {
		updated.Messages = slices.Clone(p.Messages)
	}
	updated.UpdatedAt = c.now()

	if !updated.IsLocal() {
		spec, err := c.backend.UpdateChat(ctx, session.ToSpec(updated))
		if err != nil {
			return session.Session{}, errors.Wrapf(err, "update chat %s", updated.ID)
		}
		remote := session.FromSpec(spec)
		remote.Messages = updated.Messages
		if remote.ID == "" {
			remote.ID = updated.ID
		}
		updated = remote
	}

	c.mu.Lock()
	if i := slices.IndexFunc(c.list, func(s session.Session) bool { return s.ID == p.ID }); i >= 0 {
		c.list[i] = updated.Clone()
	} else {
		c.list = append([]session.Session{updated.Clone()}, c.list...)
	}
	if _, found := c.details[p.ID]; found {
		c.details[p.ID] = entry{value: updated.Clone(), at: c.now()}
	}
	c.listAt = c.now()
	snapshot := cloneList(c.list)
	c.mu.Unlock()

	if err := c.persist(ctx, snapshot); err != nil {
		return updated, err
	}
	return updated, nil
}

// CreateSession adds a local session with a fresh numeric id at the top of the
// list. The chat service learns about it with the first message sent to it.
func (c *Cache) CreateSession(ctx context.Context, s session.Session) (session.Session, error) {
	created := s.Clone()
	created.ID = c.ids.Next()
	if created.Name == "" {
		created.Name = session.DefaultName
	}
	if created.UserID == "" {
		created.UserID = c.filter.UserID
	}
	if created.UserID == "" {
		created.UserID = session.DefaultUserID
	}
	if created.Channel == "" {
		created.Channel = c.filter.Channel
	}
	if created.Channel == "" {
		created.Channel = session.DefaultChannel
	}
	if created.SessionID == "" {
		created.SessionID = created.ID
	}
	if created.Messages == nil {
		created.Messages = []session.Message{}
	}
	if created.Meta == nil {
		created.Meta = map[string]any{}
	}
	now := c.now()
	created.CreatedAt = now
	created.UpdatedAt = now

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.list = append([]session.Session{created.Clone()}, c.list...)
	c.listAt = now
	snapshot := cloneList(c.list)
	c.mu.Unlock()

	log.Debug().Str("component", "sessioncache").Str("session_id", created.ID).Msg("created local session")
	if err := c.persist(ctx, snapshot); err != nil {
		return created, err
	}
	return created, nil
}

// RemoveSession deletes s on the chat service and drops it locally. The local
// removal happens even when the remote delete fails; that failure is only
// logged. The returned error reports persistence failures.
func (c *Cache) RemoveSession(ctx context.Context, s session.Session) error {
	if !session.IsSentinelID(s.ID) && !s.IsLocal() {
		if err := c.backend.DeleteChat(ctx, s.ID); err != nil {
			log.Warn().Err(err).Str("component", "sessioncache").Str("session_id", s.ID).Msg("remote delete failed, removing locally anyway")
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.list = slices.DeleteFunc(c.list, func(x session.Session) bool { return x.ID == s.ID })
	delete(c.details, s.ID)
	c.removed[s.ID] = c.seq
	c.listAt = c.now()
	snapshot := cloneList(c.list)
	c.mu.Unlock()

	return c.persist(ctx, snapshot)
}
