package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/axiom-router/modelrouter/pkg/types"
)

// Handler is the high-level caching facade the router calls into: it owns
// key generation and layers coalescing on top of a Store so that at most
// one upstream call is ever in flight per cache key (spec section 4.5).
type Handler struct {
	store      Store
	defaultTTL time.Duration
	group      singleflight.Group
}

// NewHandler wraps store with key generation, TTL defaults, and
// coalescing. defaultTTL is used whenever a caller does not override it.
func NewHandler(store Store, defaultTTL time.Duration) *Handler {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &Handler{store: store, defaultTTL: defaultTTL}
}

// Lookup checks the cache for model/messages/opts. A miss returns
// ok=false and the caller proceeds to dispatch normally. Lookup never
// coalesces by itself — coalescing happens in Coalesce, which wraps the
// full miss-then-dispatch-then-store path.
func (h *Handler) Lookup(ctx context.Context, model string, messages []types.Message, opts types.Options) (*types.Response, bool, error) {
	key := GenerateKey(model, messages, opts)
	entry, ok, err := h.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	// A stored entry's key must match the lookup key, or it is treated as
	// a miss. Both are the same SHA-256 hash, so two inputs whose hashes
	// collide are not told apart here.
	if entry.CanonicalKey != key {
		return nil, false, nil
	}
	resp := entry.Response
	resp.Cached = true
	return &resp, true, nil
}

// Store records resp under model/messages/opts's cache key with ttl (or
// the handler's default when ttl <= 0).
func (h *Handler) Store(ctx context.Context, model string, messages []types.Message, opts types.Options, resp types.Response, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = h.defaultTTL
	}
	key := GenerateKey(model, messages, opts)
	resp.Cached = false
	return h.store.Set(ctx, key, Entry{Response: resp, CanonicalKey: key}, ttl)
}

// Coalesce ensures at most one concurrent call to fetch (the router's
// dispatch path) runs per cache key. Every other caller sharing the key
// while fetch is in flight waits for that single call's result instead of
// dispatching its own upstream request; a failing fetch is not cached and
// every waiter observes the same error. The returned bool reports whether
// this caller was the singleflight leader (the one that actually ran
// fetch) so the caller can avoid double-recording cost/token metrics for
// the waiters sharing its result.
func (h *Handler) Coalesce(ctx context.Context, model string, messages []types.Message, opts types.Options, fetch func(context.Context) (types.Response, error)) (types.Response, bool, error) {
	key := GenerateKey(model, messages, opts)

	// Do runs the closure only in the leader's goroutine, so only the
	// leader ever sees this set; singleflight's shared flag cannot tell the
	// leader apart because it is true for every caller once one joined.
	leader := false
	v, err, shared := h.group.Do(key, func() (any, error) {
		leader = true
		resp, err := fetch(ctx)
		if err != nil {
			return types.Response{}, err
		}
		return resp, nil
	})
	if err != nil {
		return types.Response{}, leader, err
	}

	resp := v.(types.Response)
	if shared {
		// A waiter that joined an in-flight call did not dispatch itself;
		// its response is fresh from that call, not a cache hit.
		resp.Cached = false
	}
	return resp, leader, nil
}

// Stats proxies to the underlying store.
func (h *Handler) Stats() Stats { return h.store.Stats() }

// Close releases the underlying store's resources.
func (h *Handler) Close() error { return h.store.Close() }
