package session

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ChatSpec is the chat service's representation of a chat in /chats payloads.
type ChatSpec struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Channel   string         `json:"channel"`
	Meta      map[string]any `json:"meta"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

// ChatHistory is the body of GET /chats/{id}.
type ChatHistory struct {
	Messages []WireMessage `json:"messages"`
}

// WireMessage is a history entry as sent by the chat service. Content is either a
// plain string or a list of typed blocks.
type WireMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Name    string          `json:"name,omitempty"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text flattens the message content. Only text blocks contribute.
func (m WireMessage) Text() string {
	raw := strings.TrimSpace(string(m.Content))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type != "" && b.Type != "text" {
				continue
			}
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	var single contentBlock
	if err := json.Unmarshal(m.Content, &single); err == nil {
		return single.Text
	}
	return ""
}

// FromSpec maps a wire chat onto a Session without messages.
func FromSpec(spec ChatSpec) Session {
	s := Session{
		ID:        spec.ID,
		Name:      spec.Name,
		SessionID: spec.SessionID,
		UserID:    spec.UserID,
		Channel:   spec.Channel,
		Messages:  []Message{},
		Meta:      spec.Meta,
	}
	if s.Name == "" {
		s.Name = DefaultName
	}
	if s.Channel == "" {
		s.Channel = DefaultChannel
	}
	if s.Meta == nil {
		s.Meta = map[string]any{}
	}
	if spec.CreatedAt != nil {
		s.CreatedAt = *spec.CreatedAt
	}
	if spec.UpdatedAt != nil {
		s.UpdatedAt = *spec.UpdatedAt
	}
	return s
}

// ToSpec is the inverse of FromSpec; messages are not part of a chat spec.
func ToSpec(s Session) ChatSpec {
	spec := ChatSpec{
		ID:        s.ID,
		Name:      s.Name,
		SessionID: s.SessionID,
		UserID:    s.UserID,
		Channel:   s.Channel,
		Meta:      s.Meta,
	}
	if spec.Meta == nil {
		spec.Meta = map[string]any{}
	}
	if !s.CreatedAt.IsZero() {
		t := s.CreatedAt
		spec.CreatedAt = &t
	}
	if !s.UpdatedAt.IsZero() {
		t := s.UpdatedAt
		spec.UpdatedAt = &t
	}
	return spec
}

// MessagesFromHistory converts wire history into visible messages. Entries without
// an id get a positional one so replace-by-id stays well defined.
func MessagesFromHistory(h ChatHistory) []Message {
	out := make([]Message, 0, len(h.Messages))
	for i, m := range h.Messages {
		id := m.ID
		if id == "" {
			id = "msg-" + strconv.Itoa(i)
		}
		role := m.Role
		if role == "" {
			role = RoleAssistant
		}
		out = append(out, Message{ID: id, Role: role, Content: m.Text()})
	}
	return out
}
