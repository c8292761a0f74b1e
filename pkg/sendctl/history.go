package sendctl

import (
	"slices"
	"sync"

	"github.com/go-go-golems/chatsync/pkg/session"
)

// History is the visible message list of the selected session. Writes are full
// overwrites or replace-by-id, so concurrent poll and stream writes resolve as
// last-write-wins. Writes addressed to another session than the bound one are
// ignored.
type History struct {
	mu        sync.Mutex
	sessionID string
	messages  []session.Message
}

func NewHistory() *History {
	return &History{messages: []session.Message{}}
}

// Reset binds the history to sessionID and replaces its messages.
func (h *History) Reset(sessionID string, messages []session.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = sessionID
	h.messages = cloneMessages(messages)
}

// Replace overwrites the messages if the history is bound to sessionID.
func (h *History) Replace(sessionID string, messages []session.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionID != sessionID {
		return false
	}
	h.messages = cloneMessages(messages)
	return true
}

// Upsert replaces the message with the same id or appends it.
func (h *History) Upsert(sessionID string, m session.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionID != sessionID {
		return false
	}
	if i := slices.IndexFunc(h.messages, func(x session.Message) bool { return x.ID == m.ID }); i >= 0 {
		h.messages[i] = m
		return true
	}
	h.messages = append(h.messages, m)
	return true
}

// Rebind moves the history from oldID to newID, keeping the messages.
func (h *History) Rebind(oldID, newID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionID != oldID {
		return false
	}
	h.sessionID = newID
	return true
}

func (h *History) Snapshot() (string, []session.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID, cloneMessages(h.messages)
}

func cloneMessages(in []session.Message) []session.Message {
	if in == nil {
		return []session.Message{}
	}
	return slices.Clone(in)
}
