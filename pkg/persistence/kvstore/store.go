// Package kvstore provides the durable key-value surface the session cache writes
// through to. Values are opaque bytes; the cache stores one JSON document per key.
package kvstore

import (
	"context"
)

// Store is a small synchronous key-value store.
//
// Get reports found=false with a nil error for missing keys.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
