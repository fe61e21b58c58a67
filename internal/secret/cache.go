package secret

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedProvider avoids repeating a Vault- or env-backed lookup on every
// adapter construction by keeping resolved values around for defaultTTL.
type CachedProvider struct {
	inner Provider
	cache *gocache.Cache
}

func NewCachedProvider(inner Provider, defaultTTL time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: gocache.New(defaultTTL, defaultTTL*2),
	}
}

func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if val, found := p.cache.Get(path); found {
		if s, ok := val.(string); ok {
			return s, nil
		}
	}

	val, err := p.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	p.cache.SetDefault(path, val)
	return val, nil
}

// Close closes the inner provider.
func (p *CachedProvider) Close() error { return p.inner.Close() }
