package kvstore

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore keeps values in process memory. It is the default store for tests and
// for one-shot CLI invocations.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string][]byte{}}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, errors.New("memory kv store: nil store")
	}
	if strings.TrimSpace(key) == "" {
		return nil, false, errors.New("memory kv store: key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	if s == nil {
		return errors.New("memory kv store: nil store")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("memory kv store: key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if s == nil {
		return errors.New("memory kv store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
