package sendctl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/session"
)

func TestHistory_IgnoresOtherSessions(t *testing.T) {
	h := NewHistory()
	h.Reset("a", []session.Message{{ID: "1", Content: "one"}})

	require.False(t, h.Upsert("b", session.Message{ID: "2"}))
	require.False(t, h.Replace("b", nil))

	require.True(t, h.Upsert("a", session.Message{ID: "2", Content: "two"}))
	require.True(t, h.Upsert("a", session.Message{ID: "2", Content: "two!"}))
	_, msgs := h.Snapshot()
	require.Len(t, msgs, 2)
	require.Equal(t, "two!", msgs[1].Content)

	require.True(t, h.Rebind("a", "srv"))
	require.False(t, h.Rebind("a", "other"))
	id, _ := h.Snapshot()
	require.Equal(t, "srv", id)
}

func TestWithPending(t *testing.T) {
	server := []session.Message{{ID: "1", Role: session.RoleUser}, {ID: "2", Role: session.RoleAssistant}}
	pending := session.Message{ID: "p", Role: session.RoleUser}

	require.Len(t, withPending(server, 1, pending), 3)
	require.Len(t, withPending(server, 0, pending), 2)
}

func TestMultiListener(t *testing.T) {
	var a, b []State
	m := MultiListener{
		ListenerFuncs{StateChange: func(s State) { a = append(a, s) }},
		ListenerFuncs{StateChange: func(s State) { b = append(b, s) }},
	}
	m.OnStateChange(StateSending)
	m.OnError(errors.New("ignored"))
	require.Equal(t, []State{StateSending}, a)
	require.Equal(t, a, b)
}

func TestSendError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &SendError{SessionID: "s", Err: cause}
	require.ErrorIs(t, err, cause)
	require.Equal(t, "send to session s: boom", err.Error())
}
