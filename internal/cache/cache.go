// Package cache implements the router's response cache: content-addressed
// keying, TTL + LRU eviction, and at-most-one-concurrent-upstream-call
// coalescing for callers sharing a key while the first is still in flight.
package cache

import (
	"context"
	"time"

	"github.com/axiom-router/modelrouter/pkg/types"
)

// Entry is what the cache stores: the response plus the hashed key it was
// stored under. The canonical form the hash was computed from is not
// stored, so a SHA-256 collision between two requests is not detected.
type Entry struct {
	Response     types.Response
	CanonicalKey string
}

// Stats mirrors the cache statistics surface of spec section 4.5.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Evictions int64
	Size      int
	HitRate   float64
}

// Store is the storage-layer capability a cache backend provides. Handler
// layers coalescing and key generation on top of any Store.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Stats() Stats
	Close() error
}
