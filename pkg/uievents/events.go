// Package uievents publishes send-controller updates as JSON events on a
// Watermill topic, so UIs in other goroutines or processes can follow a chat.
package uievents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/sendctl"
	"github.com/go-go-golems/chatsync/pkg/session"
)

const Topic = "chatsync.ui"

type Type string

const (
	TypeState   Type = "state"
	TypeHistory Type = "history"
	TypeMessage Type = "message"
	TypeText    Type = "text"
	TypeError   Type = "error"
	// TypeHello is sent by the websocket bridge when a client connects.
	TypeHello Type = "hello"
)

// Event is the wire envelope of a UI update.
type Event struct {
	Type      Type              `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	State     string            `json:"state,omitempty"`
	Messages  []session.Message `json:"messages,omitempty"`
	Message   *session.Message  `json:"message,omitempty"`
	Text      string            `json:"text,omitempty"`
	Error     string            `json:"error,omitempty"`
	TsMs      int64             `json:"ts_ms"`
}

func Decode(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, errors.Wrap(err, "decode ui event")
	}
	return ev, nil
}

// Publisher is a sendctl.Listener that publishes every callback as an Event.
type Publisher struct {
	pub     message.Publisher
	topic   string
	now     func() time.Time
	current func() string
}

var _ sendctl.Listener = (*Publisher)(nil)

type PublisherOption func(*Publisher)

func WithTopic(topic string) PublisherOption {
	return func(p *Publisher) {
		if topic != "" {
			p.topic = topic
		}
	}
}

func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

// WithCurrentSession tags state, text and error events with the selected
// session.
func WithCurrentSession(fn func() string) PublisherOption {
	return func(p *Publisher) { p.current = fn }
}

func NewPublisher(pub message.Publisher, opts ...PublisherOption) *Publisher {
	p := &Publisher{pub: pub, topic: Topic, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Publish(ev Event) error {
	if ev.TsMs == 0 {
		ev.TsMs = p.now().UnixMilli()
	}
	if ev.SessionID == "" && p.current != nil {
		ev.SessionID = p.current()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode ui event")
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("type", string(ev.Type))
	return errors.Wrapf(p.pub.Publish(p.topic, msg), "publish %s event", ev.Type)
}

func (p *Publisher) publish(ev Event) {
	if err := p.Publish(ev); err != nil {
		log.Warn().Err(err).Str("component", "uievents").Str("type", string(ev.Type)).Msg("dropping ui event")
	}
}

func (p *Publisher) OnStateChange(s sendctl.State) {
	p.publish(Event{Type: TypeState, State: s.String()})
}

func (p *Publisher) OnHistory(sessionID string, msgs []session.Message) {
	p.publish(Event{Type: TypeHistory, SessionID: sessionID, Messages: msgs})
}

func (p *Publisher) OnMessage(sessionID string, m session.Message) {
	p.publish(Event{Type: TypeMessage, SessionID: sessionID, Message: &m})
}

func (p *Publisher) OnTextChunk(text string) {
	p.publish(Event{Type: TypeText, Text: text})
}

func (p *Publisher) OnError(err error) {
	p.publish(Event{Type: TypeError, Error: err.Error()})
}

// Forward subscribes to topic and hands every payload to fn until ctx is done.
// Messages are acked after fn returns; payloads that are not events are acked
// and skipped.
func Forward(ctx context.Context, sub message.Subscriber, topic string, fn func(Event, []byte)) error {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", topic)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			ev, err := Decode(msg.Payload)
			if err != nil {
				log.Debug().Err(err).Str("component", "uievents").Msg("skipping malformed event")
				msg.Ack()
				continue
			}
			fn(ev, msg.Payload)
			msg.Ack()
		}
	}
}
