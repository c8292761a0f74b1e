// Package session defines the chat session model shared by the cache, the transport
// and the send controller, together with the id conventions of the console.
//
// A session id is either an opaque string assigned by the chat service or a
// purely numeric string synthesized locally before the service knows about the
// session. Numeric ids never leave the process.
package session

import (
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	DefaultName    = "New Chat"
	DefaultChannel = "console"
	DefaultUserID  = "default"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"

	autoNameRunes = 10
)

// Message is one entry of a session's visible history.
type Message struct {
	ID      string `json:"id" yaml:"id"`
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Session is the client-side view of a chat.
type Session struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	SessionID string         `json:"sessionId" yaml:"session_id"`
	UserID    string         `json:"userId" yaml:"user_id"`
	Channel   string         `json:"channel" yaml:"channel"`
	Messages  []Message      `json:"messages" yaml:"messages"`
	Meta      map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt,omitzero" yaml:"updated_at,omitempty"`
}

// Clone returns a copy that shares no slices or maps with s.
func (s Session) Clone() Session {
	out := s
	if s.Messages != nil {
		out.Messages = append([]Message(nil), s.Messages...)
	}
	if s.Meta != nil {
		out.Meta = make(map[string]any, len(s.Meta))
		for k, v := range s.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// IsLocal reports whether the session only exists on this client.
func (s Session) IsLocal() bool {
	return IsLocalID(s.ID)
}

// IsSentinelID reports ids that stand for "no session selected".
func IsSentinelID(id string) bool {
	switch id {
	case "", "undefined", "null":
		return true
	}
	return false
}

// IsLocalID reports whether id is a client-synthesized numeric id.
func IsLocalID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// NewEmpty synthesizes an empty session for id.
func NewEmpty(id string) Session {
	return Session{
		ID:       id,
		Name:     DefaultName,
		Channel:  DefaultChannel,
		Messages: []Message{},
		Meta:     map[string]any{},
	}
}

// NameFromText derives a chat name from the first user message the way the chat
// service does when it creates a chat on first contact.
func NameFromText(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return DefaultName
	}
	if utf8.RuneCountInString(text) <= autoNameRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:autoNameRunes])
}

// IDGenerator hands out numeric ids based on wall-clock milliseconds. Ids are
// strictly increasing even when two are requested within the same millisecond.
type IDGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewIDGenerator(now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{now: now}
}

func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.now().UnixMilli()
	if next <= g.last {
		next = g.last + 1
	}
	g.last = next
	return strconv.FormatInt(next, 10)
}
