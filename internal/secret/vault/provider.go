// Package vault implements secret.Provider against HashiCorp Vault, for
// deployments that keep provider API keys in a KV mount rather than
// process environment variables.
package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/axiom-router/modelrouter/pkg/errs"
)

// Provider reads secrets from Vault and keeps its login token alive via a
// background renewer for the lifetime of the process.
type Provider struct {
	client *vaultapi.Client
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures Vault connectivity and AppRole authentication.
type Config struct {
	Address  string
	RoleID   string
	SecretID string
	CACert   string
}

// New authenticates to Vault via AppRole and starts the token renewer.
func New(cfg Config) (*Provider, error) {
	vConfig := vaultapi.DefaultConfig()
	vConfig.Address = cfg.Address
	if cfg.CACert != "" {
		if err := vConfig.ConfigureTLS(&vaultapi.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, errs.Wrap(errs.Config, err, "configuring vault TLS")
		}
	}

	client, err := vaultapi.NewClient(vConfig)
	if err != nil {
		return nil, errs.Wrap(errs.Config, err, "creating vault client")
	}

	secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   cfg.RoleID,
		"secret_id": cfg.SecretID,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Auth, err, "vault approle login")
	}
	if secret == nil || secret.Auth == nil {
		return nil, errs.New(errs.Auth, "vault login returned no auth info")
	}
	client.SetToken(secret.Auth.ClientToken)

	p := &Provider{client: client, stopCh: make(chan struct{})}
	p.wg.Add(1)
	go p.renewToken(secret.Auth)
	return p, nil
}

// Get reads a secret at "path#key" (key defaults to "value"), unwrapping
// the KV v2 "data" envelope when present.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath, key := path, "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath, key = path[:idx], path[idx+1:]
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", errs.Wrap(errs.Config, err, fmt.Sprintf("reading vault secret %q", secretPath))
	}
	if secret == nil || secret.Data == nil {
		return "", errs.Newf(errs.Config, "vault secret %q not found", secretPath)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	val, ok := data[key]
	if !ok {
		return "", errs.Newf(errs.Config, "key %q not found in vault secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close stops the token renewer.
func (p *Provider) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

func (p *Provider) renewToken(auth *vaultapi.SecretAuth) {
	defer p.wg.Done()
	if !auth.Renewable {
		return
	}

	watcher, err := p.client.NewLifetimeWatcher(&vaultapi.LifetimeWatcherInput{
		Secret: &vaultapi.Secret{Auth: auth},
	})
	if err != nil {
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-watcher.DoneCh():
			return
		case <-watcher.RenewCh():
		}
	}
}
