// Package env implements secret.Provider by reading environment variables.
package env

import (
	"context"
	"os"

	"github.com/axiom-router/modelrouter/pkg/errs"
)

// Provider reads secrets from the process environment.
type Provider struct{}

// New constructs an env Provider.
func New() *Provider { return &Provider{} }

// Get returns the value of the environment variable named path.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", errs.Newf(errs.Config, "environment variable %q not set", path)
	}
	return val, nil
}

// Close is a no-op.
func (p *Provider) Close() error { return nil }
