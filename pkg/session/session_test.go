package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIDHelpers(t *testing.T) {
	for _, id := range []string{"", "undefined", "null"} {
		require.True(t, IsSentinelID(id), id)
	}
	require.False(t, IsSentinelID("0"))

	require.True(t, IsLocalID("1712345678901"))
	require.False(t, IsLocalID(""))
	require.False(t, IsLocalID("823845fe-dd13"))
	require.False(t, IsLocalID("-12"))
}

func TestIDGenerator_StrictlyIncreasing(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	g := NewIDGenerator(func() time.Time { return fixed })

	a := g.Next()
	b := g.Next()
	c := g.Next()
	require.Equal(t, "1700000000000", a)
	require.Equal(t, "1700000000001", b)
	require.Equal(t, "1700000000002", c)
	require.True(t, IsLocalID(c))
}

func TestNameFromText(t *testing.T) {
	require.Equal(t, DefaultName, NameFromText("   "))
	require.Equal(t, "hello", NameFromText("hello"))
	require.Equal(t, "0123456789", NameFromText("0123456789abc"))
	require.Equal(t, "你好世界你好世界你好", NameFromText("你好世界你好世界你好世界"))
}

func TestWireMessageText(t *testing.T) {
	var h ChatHistory
	err := json.Unmarshal([]byte(`{"messages":[
		{"id":"a","role":"user","content":"plain"},
		{"id":"b","role":"assistant","content":[{"type":"text","text":"one"},{"type":"image","url":"x"},{"type":"text","text":"two"}]},
		{"role":"assistant","content":null}
	]}`), &h)
	require.NoError(t, err)

	msgs := MessagesFromHistory(h)
	require.Len(t, msgs, 3)
	require.Equal(t, Message{ID: "a", Role: RoleUser, Content: "plain"}, msgs[0])
	require.Equal(t, "one\ntwo", msgs[1].Content)
	require.Equal(t, "msg-2", msgs[2].ID)
	require.Equal(t, "", msgs[2].Content)
}

func TestSpecRoundTripDefaults(t *testing.T) {
	s := FromSpec(ChatSpec{ID: "x", SessionID: "console:alice", UserID: "alice"})
	require.Equal(t, DefaultName, s.Name)
	require.Equal(t, DefaultChannel, s.Channel)
	require.NotNil(t, s.Meta)
	require.NotNil(t, s.Messages)

	spec := ToSpec(s)
	require.Equal(t, "x", spec.ID)
	require.Nil(t, spec.CreatedAt)
}

func TestClone_DoesNotShare(t *testing.T) {
	s := Session{ID: "1", Messages: []Message{{ID: "m"}}, Meta: map[string]any{"k": "v"}}
	c := s.Clone()
	c.Messages[0].Content = "changed"
	c.Meta["k"] = "other"
	require.Equal(t, "", s.Messages[0].Content)
	require.Equal(t, "v", s.Meta["k"])
}
