package webbridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu       sync.Mutex
	writes   [][]byte
	blockCh  chan struct{}
	closedCh chan struct{}
}

func newStubConn(blockWrites bool) *stubConn {
	blockCh := make(chan struct{})
	if !blockWrites {
		close(blockCh)
	}
	return &stubConn{blockCh: blockCh, closedCh: make(chan struct{})}
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closedCh:
		return errors.New("closed")
	case <-s.blockCh:
	}
	s.mu.Lock()
	s.writes = append(s.writes, data)
	s.mu.Unlock()
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
	default:
		close(s.closedCh)
	}
	return nil
}

func (s *stubConn) SetWriteDeadline(_ time.Time) error {
	return nil
}

func (s *stubConn) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.writes))
	for _, w := range s.writes {
		out = append(out, string(w))
	}
	return out
}

func (s *stubConn) closed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func TestConnectionPoolDropsOnFullBuffer(t *testing.T) {
	pool := NewConnectionPool("test")
	pool.sendBuffer = 1
	pool.writeTimeout = 0

	slow := newStubConn(true)
	fast := newStubConn(false)
	pool.Add(slow)
	pool.Add(fast)

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))
	pool.Broadcast([]byte("three"))

	require.Eventually(t, func() bool { return pool.Count() == 1 }, time.Second, 10*time.Millisecond)
	require.True(t, slow.closed())
	require.Eventually(t, func() bool { return len(fast.written()) == 3 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"one", "two", "three"}, fast.written())

	pool.CloseAll()
	require.True(t, fast.closed())
	require.Equal(t, 0, pool.Count())
}

func TestConnectionPoolSendToOneAndRemove(t *testing.T) {
	pool := NewConnectionPool("test")
	a, b := newStubConn(false), newStubConn(false)
	idA, idB := pool.Add(a), pool.Add(b)
	require.NotEmpty(t, idA)
	require.NotEqual(t, idA, idB)
	require.Empty(t, pool.Add(nil))

	pool.SendToOne(a, []byte("hello"))
	require.Eventually(t, func() bool { return len(a.written()) == 1 }, time.Second, 10*time.Millisecond)
	require.Empty(t, b.written())

	pool.Remove(a)
	require.True(t, a.closed())
	require.Equal(t, 1, pool.Count())

	pool.SendToOne(a, []byte("ignored"))
	pool.Broadcast(nil)
	pool.CloseAll()
	require.Equal(t, []string{"hello"}, a.written())
}
