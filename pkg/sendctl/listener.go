package sendctl

import "github.com/go-go-golems/chatsync/pkg/session"

// Listener receives UI updates. Calls are made from the goroutine running the
// operation and from the poller goroutine, so implementations must be safe for
// concurrent use.
type Listener interface {
	OnStateChange(state State)
	// OnHistory replaces the whole visible history of sessionID.
	OnHistory(sessionID string, messages []session.Message)
	// OnMessage adds or replaces one message by id.
	OnMessage(sessionID string, message session.Message)
	// OnTextChunk receives the cumulative reply text, not a diff.
	OnTextChunk(text string)
	OnError(err error)
}

// ListenerFuncs adapts optional callbacks to Listener.
type ListenerFuncs struct {
	StateChange func(State)
	History     func(string, []session.Message)
	Message     func(string, session.Message)
	TextChunk   func(string)
	Error       func(error)
}

var _ Listener = ListenerFuncs{}

func (l ListenerFuncs) OnStateChange(s State) {
	if l.StateChange != nil {
		l.StateChange(s)
	}
}

func (l ListenerFuncs) OnHistory(id string, msgs []session.Message) {
	if l.History != nil {
		l.History(id, msgs)
	}
}

func (l ListenerFuncs) OnMessage(id string, m session.Message) {
	if l.Message != nil {
		l.Message(id, m)
	}
}

func (l ListenerFuncs) OnTextChunk(text string) {
	if l.TextChunk != nil {
		l.TextChunk(text)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

// MultiListener fans out to several listeners in order.
type MultiListener []Listener

var _ Listener = MultiListener{}

func (m MultiListener) OnStateChange(s State) {
	for _, l := range m {
		l.OnStateChange(s)
	}
}

func (m MultiListener) OnHistory(id string, msgs []session.Message) {
	for _, l := range m {
		l.OnHistory(id, msgs)
	}
}

func (m MultiListener) OnMessage(id string, msg session.Message) {
	for _, l := range m {
		l.OnMessage(id, msg)
	}
}

func (m MultiListener) OnTextChunk(text string) {
	for _, l := range m {
		l.OnTextChunk(text)
	}
}

func (m MultiListener) OnError(err error) {
	for _, l := range m {
		l.OnError(err)
	}
}
