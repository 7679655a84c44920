package cache

import (
	"context"
	"time"
)

// Backend is a key/value store with per-entry TTL. Two implementations
// exist: an in-process LRU (LocalBackend) and Redis (RedisBackend). The
// backend is the only state shared across requests.
type Backend interface {
	// Get returns the value for key and whether it was present and fresh.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key for ttl. A non-positive ttl means the
	// backend default.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Clear removes every entry whose key starts with prefix.
	Clear(ctx context.Context, prefix string) error
}
