// Package cache memoizes computation results under patient-scoped and
// population-scoped keys and owns their invalidation.
package cache

import (
	"context"
	"time"
)

// Backend is the key-value capability the cache is built on. Production
// wires Redis; tests wire the in-memory backend. Counter keys back the
// versioned namespaces that stand in for wildcard deletion.
type Backend interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with a TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes keys.
	Del(ctx context.Context, keys ...string) error

	// Incr atomically increments a counter key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Counter reads a counter key, returning 0 when absent.
	Counter(ctx context.Context, key string) (int64, error)

	// Ping checks backend liveness.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}
