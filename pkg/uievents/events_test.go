package uievents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/sendctl"
	"github.com/go-go-golems/chatsync/pkg/session"
)

func TestPublisherForward(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	defer func() { _ = ch.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		got  []Event
		done = make(chan error, 1)
	)
	subscribed := make(chan struct{})
	go func() {
		msgs, err := ch.Subscribe(ctx, Topic)
		if err != nil {
			done <- err
			return
		}
		close(subscribed)
		for msg := range msgs {
			ev, err := Decode(msg.Payload)
			if err == nil {
				mu.Lock()
				got = append(got, ev)
				mu.Unlock()
			}
			msg.Ack()
		}
		done <- nil
	}()
	<-subscribed

	fixed := time.UnixMilli(42)
	p := NewPublisher(ch, WithClock(func() time.Time { return fixed }), WithCurrentSession(func() string { return "s1" }))
	var l sendctl.Listener = p
	l.OnStateChange(sendctl.StateStreaming)
	l.OnMessage("s1", session.Message{ID: "m", Role: session.RoleAssistant, Content: "Hel"})
	l.OnTextChunk("Hel")
	l.OnHistory("s2", []session.Message{{ID: "a"}})
	l.OnError(errors.New("boom"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, Event{Type: TypeState, SessionID: "s1", State: "streaming", TsMs: 42}, got[0])
	require.Equal(t, "Hel", got[1].Message.Content)
	require.Equal(t, "Hel", got[2].Text)
	require.Equal(t, "s2", got[3].SessionID)
	require.Equal(t, "boom", got[4].Error)
}

func TestForward_SkipsMalformed(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	defer func() { _ = ch.Close() }()
	ctx, cancel := context.WithCancel(context.Background())

	events := make(chan Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- Forward(ctx, ch, Topic, func(ev Event, _ []byte) {
			select {
			case events <- ev:
			default:
			}
		})
	}()

	// Subscribe happens inside Forward; publish until the first event arrives.
	p := NewPublisher(ch)
	require.Eventually(t, func() bool {
		if err := ch.Publish(Topic, message.NewMessage(watermill.NewUUID(), []byte("not json"))); err != nil {
			return false
		}
		if err := p.Publish(Event{Type: TypeText, Text: "x"}); err != nil {
			return false
		}
		select {
		case ev := <-events:
			return ev.Text == "x"
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
