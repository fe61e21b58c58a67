// Package secret resolves provider API keys from the scheme-prefixed
// values held in Config.ProviderAPIKeys: "vault://path#key",
// "env://VAR_NAME", or a bare static value, per spec section 4.10's note
// that providerApiKeys are "consumed by adapters, not the router core".
package secret

import (
	"context"
)

// Provider retrieves secret values for one URI scheme.
type Provider interface {
	Get(ctx context.Context, path string) (string, error)
	Close() error
}
