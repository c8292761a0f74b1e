package sendctl

import "sync"

// Current identifies the selected session.
type Current struct {
	ID        string
	SessionID string
	UserID    string
	Channel   string
}

// Context holds the selected session. Only the Controller changes it; other
// parts of the UI read it.
type Context struct {
	mu  sync.RWMutex
	cur Current
}

func NewContext(userID, channel string) *Context {
	return &Context{cur: Current{UserID: userID, Channel: channel}}
}

func (c *Context) Get() Current {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

func (c *Context) set(cur Current) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = cur
}

// adopt swaps a local id for the server id if oldID is still selected.
func (c *Context) adopt(oldID, newID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur.ID != oldID {
		return false
	}
	c.cur.ID = newID
	return true
}
