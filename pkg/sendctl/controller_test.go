package sendctl

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/persistence/kvstore"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/sessioncache"
	"github.com/go-go-golems/chatsync/pkg/transport"
)

type fakeBackend struct {
	mu        sync.Mutex
	chats     []session.ChatSpec
	histories map[string][]session.WireMessage

	listCalls atomic.Int32
	getCalls  atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{histories: map[string][]session.WireMessage{}}
}

func (f *fakeBackend) addChat(spec session.ChatSpec, msgs ...session.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, spec)
	f.setHistoryLocked(spec.ID, msgs)
}

func (f *fakeBackend) setHistory(id string, msgs ...session.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setHistoryLocked(id, msgs)
}

func (f *fakeBackend) setHistoryLocked(id string, msgs []session.Message) {
	wire := make([]session.WireMessage, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := json.Marshal(m.Content)
		wire = append(wire, session.WireMessage{ID: m.ID, Role: m.Role, Content: raw})
	}
	f.histories[id] = wire
}

func (f *fakeBackend) ListChats(context.Context, transport.ListFilter) ([]session.ChatSpec, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.ChatSpec(nil), f.chats...), nil
}

func (f *fakeBackend) GetChat(_ context.Context, id string) (session.ChatHistory, error) {
	f.getCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.ChatHistory{Messages: append([]session.WireMessage(nil), f.histories[id]...)}, nil
}

func (f *fakeBackend) UpdateChat(_ context.Context, spec session.ChatSpec) (session.ChatSpec, error) {
	return spec, nil
}

func (f *fakeBackend) DeleteChat(context.Context, string) error { return nil }

type senderFunc func(ctx context.Context, req transport.SendRequest) (io.ReadCloser, error)

func (f senderFunc) SendMessage(ctx context.Context, req transport.SendRequest) (io.ReadCloser, error) {
	return f(ctx, req)
}

func bodyOf(s string) senderFunc {
	return func(context.Context, transport.SendRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

type recorder struct {
	mu     sync.Mutex
	states []State
	chunks []string
	errs   []error
	stops  []string
}

func (r *recorder) listener() Listener {
	return ListenerFuncs{
		StateChange: func(s State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		TextChunk: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.chunks = append(r.chunks, text)
		},
		Error: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) stopped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, reason)
}

func (r *recorder) snapshot() (states []State, chunks []string, stops []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...), append([]string(nil), r.chunks...), append([]string(nil), r.stops...)
}

type fixture struct {
	backend *fakeBackend
	cache   *sessioncache.Cache
	ctrl    *Controller
	rec     *recorder
}

func newFixture(t *testing.T, sender Sender) *fixture {
	t.Helper()
	backend := newFakeBackend()
	backend.addChat(session.ChatSpec{ID: "srv", Name: "chat", SessionID: "console:alice", UserID: "alice", Channel: "console"},
		session.Message{ID: "s1", Role: session.RoleUser, Content: "earlier"},
		session.Message{ID: "s2", Role: session.RoleAssistant, Content: "reply"},
	)
	cache := sessioncache.New(backend, nil)
	rec := &recorder{}
	ctrl := NewController(cache, sender,
		WithListener(rec.listener()),
		WithPollInterval(5*time.Millisecond),
		WithContext(NewContext("alice", "console")),
	)
	ctrl.onPollerStop = rec.stopped
	return &fixture{backend: backend, cache: cache, ctrl: ctrl, rec: rec}
}

func (f *fixture) selectServerChat(t *testing.T) {
	t.Helper()
	_, err := f.ctrl.Select(context.Background(), "srv")
	require.NoError(t, err)
}

func TestSend_PollerStoppedOnFirstDelta(t *testing.T) {
	pr, pw := io.Pipe()
	f := newFixture(t, senderFunc(func(context.Context, transport.SendRequest) (io.ReadCloser, error) {
		return pr, nil
	}))
	f.selectServerChat(t)
	baseGets := f.backend.getCalls.Load()

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Send(context.Background(), "hello") }()

	// the poller runs while nothing streams
	require.Eventually(t, func() bool { return f.backend.getCalls.Load() >= baseGets+2 }, 2*time.Second, time.Millisecond)

	_, err := io.WriteString(pw, "data: {\"delta\":\"Hel\"}\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, _, stops := f.rec.snapshot()
		return len(stops) == 1
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.ctrl.State() == StateStreaming }, time.Second, time.Millisecond)

	_, err = io.WriteString(pw, "data: {\"delta\":\"lo\"}\ndata: [DONE]\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	states, chunks, stops := f.rec.snapshot()
	require.Equal(t, []string{"first_delta"}, stops)
	require.Equal(t, []string{"Hel", "Hello"}, chunks)
	require.Equal(t, []State{StateSending, StateStreaming, StateReconciling, StateIdle}, states,
		"a streamed reply never passes through polling_only")
	require.Equal(t, StateIdle, f.ctrl.State())
}

func TestSend_PollerStoppedAtSettlementWithoutDeltas(t *testing.T) {
	f := newFixture(t, bodyOf("event: ping\ndata: [DONE]\n"))
	f.selectServerChat(t)

	require.NoError(t, f.ctrl.Send(context.Background(), "hello"))

	states, chunks, stops := f.rec.snapshot()
	require.Equal(t, []string{"settled"}, stops)
	require.Empty(t, chunks)
	require.Equal(t, []State{StateSending, StatePollingOnly, StateReconciling, StateIdle}, states)
}

func TestSend_ReconcilesAfterSuccessAndFailure(t *testing.T) {
	for name, sender := range map[string]Sender{
		"success": bodyOf("data: {\"delta\":\"ok\"}\n"),
		"rejected": senderFunc(func(context.Context, transport.SendRequest) (io.ReadCloser, error) {
			return nil, &transport.TransportError{Op: "send message", Status: 502}
		}),
		"broken stream": senderFunc(func(context.Context, transport.SendRequest) (io.ReadCloser, error) {
			return io.NopCloser(io.MultiReader(strings.NewReader("data: {\"delta\":\"par\"}\n"), errReader{})), nil
		}),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, sender)
			f.selectServerChat(t)
			gets, lists := f.backend.getCalls.Load(), f.backend.listCalls.Load()

			err := f.ctrl.Send(context.Background(), "hello")
			if name == "success" {
				require.NoError(t, err)
			} else {
				var se *SendError
				require.ErrorAs(t, err, &se)
				require.Equal(t, "srv", se.SessionID)
			}

			require.Greater(t, f.backend.getCalls.Load(), gets)
			require.Greater(t, f.backend.listCalls.Load(), lists)
			states, _, _ := f.rec.snapshot()
			require.Equal(t, StateIdle, states[len(states)-1])
			require.Equal(t, StateReconciling, states[len(states)-2])
		})
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestSend_ServerHistoryReplacesOptimisticState(t *testing.T) {
	f := newFixture(t, senderFunc(func(context.Context, transport.SendRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("data: {\"delta\":\"partial\"}\n")), nil
	}))
	f.selectServerChat(t)
	// the service records the full exchange
	f.backend.setHistory("srv",
		session.Message{ID: "s1", Role: session.RoleUser, Content: "earlier"},
		session.Message{ID: "s2", Role: session.RoleAssistant, Content: "reply"},
		session.Message{ID: "s3", Role: session.RoleUser, Content: "hello"},
		session.Message{ID: "s4", Role: session.RoleAssistant, Content: "partial and more"},
	)

	require.NoError(t, f.ctrl.Send(context.Background(), "hello"))

	_, got := f.ctrl.History().Snapshot()
	want := []session.Message{
		{ID: "s1", Role: session.RoleUser, Content: "earlier"},
		{ID: "s2", Role: session.RoleAssistant, Content: "reply"},
		{ID: "s3", Role: session.RoleUser, Content: "hello"},
		{ID: "s4", Role: session.RoleAssistant, Content: "partial and more"},
	}
	require.Empty(t, cmp.Diff(want, got))
}

func TestSend_FailureKeepsOptimisticMessage(t *testing.T) {
	f := newFixture(t, senderFunc(func(context.Context, transport.SendRequest) (io.ReadCloser, error) {
		return nil, errors.New("connection refused")
	}))
	f.selectServerChat(t)

	err := f.ctrl.Send(context.Background(), "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")

	_, got := f.ctrl.History().Snapshot()
	require.Len(t, got, 3)
	require.Equal(t, session.RoleUser, got[2].Role)
	require.Equal(t, "hello", got[2].Content)
	require.Len(t, f.rec.errs, 1)
}

func TestSend_AdoptsServerIDForLocalChat(t *testing.T) {
	var f *fixture
	f = newFixture(t, senderFunc(func(_ context.Context, req transport.SendRequest) (io.ReadCloser, error) {
		f.backend.addChat(session.ChatSpec{ID: "srv-new", Name: "hi there", SessionID: req.SessionID, UserID: req.UserID, Channel: req.Channel},
			session.Message{ID: "n1", Role: session.RoleUser, Content: req.Text},
			session.Message{ID: "n2", Role: session.RoleAssistant, Content: "welcome"},
		)
		return io.NopCloser(strings.NewReader("data: {\"delta\":\"welcome\"}\n")), nil
	}))

	local, err := f.ctrl.NewChat(context.Background())
	require.NoError(t, err)
	require.True(t, local.IsLocal())

	require.NoError(t, f.ctrl.Send(context.Background(), "hi there"))

	cur := f.ctrl.Current()
	require.Equal(t, "srv-new", cur.ID)
	require.Equal(t, local.SessionID, cur.SessionID)
	id, got := f.ctrl.History().Snapshot()
	require.Equal(t, "srv-new", id)
	require.Equal(t, []string{"n1", "n2"}, []string{got[0].ID, got[1].ID})
}

func TestSend_WithoutSelectionStartsLocalChat(t *testing.T) {
	var seen transport.SendRequest
	f := newFixture(t, senderFunc(func(_ context.Context, req transport.SendRequest) (io.ReadCloser, error) {
		seen = req
		return io.NopCloser(strings.NewReader("")), nil
	}))

	require.NoError(t, f.ctrl.Send(context.Background(), "what is the weather like"))

	cur := f.ctrl.Current()
	require.True(t, session.IsLocalID(cur.ID))
	require.Equal(t, cur.SessionID, seen.SessionID)
	require.Equal(t, "alice", seen.UserID)

	s := f.cache.Session(context.Background(), cur.ID)
	require.Equal(t, "what is th", s.Name)
	require.Len(t, s.Messages, 1, "local history is kept with the session")
}

func TestSend_BusyAndEmpty(t *testing.T) {
	pr, pw := io.Pipe()
	f := newFixture(t, senderFunc(func(context.Context, transport.SendRequest) (io.ReadCloser, error) {
		return pr, nil
	}))
	f.selectServerChat(t)

	require.ErrorIs(t, f.ctrl.Send(context.Background(), "   "), ErrEmptyMessage)

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Send(context.Background(), "first") }()
	require.Eventually(t, func() bool { return f.ctrl.State() != StateIdle }, time.Second, time.Millisecond)
	require.ErrorIs(t, f.ctrl.Send(context.Background(), "second"), ErrBusy)

	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
}

func TestSend_CancelAbortsStreamButReconciles(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	f := newFixture(t, senderFunc(func(context.Context, transport.SendRequest) (io.ReadCloser, error) {
		return pr, nil
	}))
	f.selectServerChat(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ctrl.Send(ctx, "hello") }()

	_, err := io.WriteString(pw, "data: {\"delta\":\"par\"}\n")
	require.NoError(t, err)
	gets := f.backend.getCalls.Load()
	cancel()

	err = <-done
	require.ErrorIs(t, err, context.Canceled)
	require.Greater(t, f.backend.getCalls.Load(), gets)
	require.Equal(t, StateIdle, f.ctrl.State())
}

func TestSelect_PublishesHistory(t *testing.T) {
	var got []session.Message
	backend := newFakeBackend()
	backend.addChat(session.ChatSpec{ID: "srv", SessionID: "k"}, session.Message{ID: "a", Role: session.RoleUser, Content: "x"})
	ctrl := NewController(sessioncache.New(backend, nil), bodyOf(""), WithListener(ListenerFuncs{
		History: func(_ string, msgs []session.Message) { got = msgs },
	}))

	s, err := ctrl.Select(context.Background(), "srv")
	require.NoError(t, err)
	require.Equal(t, "srv", s.ID)
	require.Equal(t, "k", ctrl.Current().SessionID)
	require.Len(t, got, 1)

	s, err = ctrl.Select(context.Background(), "")
	require.NoError(t, err)
	require.True(t, s.IsLocal())
	require.Equal(t, s.ID, ctrl.Current().ID)
	require.Empty(t, got)
}

type fullDiskStore struct {
	*kvstore.MemoryStore
}

func (fullDiskStore) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestNewChat_ReportsPersistFailure(t *testing.T) {
	var sends atomic.Int32
	cache := sessioncache.New(newFakeBackend(), fullDiskStore{MemoryStore: kvstore.NewMemoryStore()})
	rec := &recorder{}
	ctrl := NewController(cache, senderFunc(func(context.Context, transport.SendRequest) (io.ReadCloser, error) {
		sends.Add(1)
		return io.NopCloser(strings.NewReader("")), nil
	}), WithListener(rec.listener()))

	s, err := ctrl.NewChat(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.True(t, s.IsLocal(), "the in-memory session is still returned")
	require.Equal(t, s.ID, ctrl.Current().ID)

	// a send that has to start a chat first reports the same failure
	ctrl = NewController(cache, senderFunc(func(context.Context, transport.SendRequest) (io.ReadCloser, error) {
		sends.Add(1)
		return io.NopCloser(strings.NewReader("")), nil
	}), WithListener(rec.listener()))
	err = ctrl.Send(context.Background(), "hello")
	var se *SendError
	require.ErrorAs(t, err, &se)
	require.NotEmpty(t, se.SessionID)
	require.Contains(t, err.Error(), "disk full")
	require.Zero(t, sends.Load())
	require.Len(t, rec.errs, 1)
	require.Equal(t, StateIdle, ctrl.State())
}
