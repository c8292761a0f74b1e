package kvstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps values under a key prefix in Redis.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	ownClient bool
}

var _ Store = &RedisStore{}

// NewRedisStore connects to addr. The returned store owns the client.
func NewRedisStore(addr, prefix string) (*RedisStore, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("redis kv store: empty addr")
	}
	s := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}), prefix)
	s.ownClient = true
	return s, nil
}

// NewRedisStoreWithClient uses an existing client; Close leaves it open.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("redis kv store: client is nil")
	}
	return errors.Wrap(s.client.Ping(ctx).Err(), "redis kv store: ping")
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, errors.New("redis kv store: client is nil")
	}
	if strings.TrimSpace(key) == "" {
		return nil, false, errors.New("redis kv store: key is empty")
	}
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis kv store: get %q", key)
	}
	return v, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if s == nil || s.client == nil {
		return errors.New("redis kv store: client is nil")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("redis kv store: key is empty")
	}
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return errors.Wrapf(err, "redis kv store: put %q", key)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return errors.New("redis kv store: client is nil")
	}
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.Wrapf(err, "redis kv store: delete %q", key)
	}
	return nil
}
