package provider

import (
	"sync"

	"github.com/axiom-router/modelrouter/pkg/errs"
)

// Registry is a lookup from provider name to adapter instance. Registration
// is one-shot at boot (or once per hot-swap); the registry never creates
// adapters itself — callers inject already-constructed adapters, keeping
// the router's ownership graph acyclic (adapters never reference the
// registry or the router back).
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds (or replaces) an adapter instance under the given name.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get performs an O(1) lookup by provider name. Unknown names yield a
// CONFIG error, per spec section 4.2.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, errs.Newf(errs.Config, "unknown provider %q", name)
	}
	return p, nil
}

// Names returns all registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
