package secret

import (
	"context"
	"strings"
	"sync"

	"github.com/axiom-router/modelrouter/pkg/errs"
)

// Manager routes a scheme-prefixed secret path to the Provider registered
// for that scheme. A path with no "scheme://" prefix is returned as-is,
// so a bare API key in config works without a provider.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewManager constructs an empty Manager; call Register to wire schemes.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// Register associates scheme (e.g. "vault", "env") with provider.
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Get resolves path to a secret value.
func (m *Manager) Get(ctx context.Context, path string) (string, error) {
	parts := strings.SplitN(path, "://", 2)
	if len(parts) != 2 {
		return path, nil
	}

	scheme, secretPath := parts[0], parts[1]

	m.mu.RLock()
	provider, ok := m.providers[scheme]
	m.mu.RUnlock()
	if !ok {
		return "", errs.Newf(errs.Config, "no secret provider registered for scheme %q", scheme)
	}
	return provider.Get(ctx, secretPath)
}

// ResolveProviderAPIKeys resolves every value of keys (provider name ->
// secret path) through Get, returning provider name -> resolved value.
func (m *Manager) ResolveProviderAPIKeys(ctx context.Context, keys map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(keys))
	for provider, path := range keys {
		val, err := m.Get(ctx, path)
		if err != nil {
			return nil, errs.Wrap(errs.Config, err, "resolving API key for provider "+provider)
		}
		resolved[provider] = val
	}
	return resolved, nil
}

// Close closes every registered provider, collecting errors.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failures []string
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			failures = append(failures, scheme+": "+err.Error())
		}
	}
	if len(failures) > 0 {
		return errs.New(errs.Internal, "closing secret providers: "+strings.Join(failures, "; "))
	}
	return nil
}
