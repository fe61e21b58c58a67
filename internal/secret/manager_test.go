package secret

import (
	"context"
	"testing"

	"github.com/axiom-router/modelrouter/pkg/errs"
)

type stubProvider struct {
	values map[string]string
	closed bool
}

func (s *stubProvider) Get(ctx context.Context, path string) (string, error) {
	if v, ok := s.values[path]; ok {
		return v, nil
	}
	return "", errs.Newf(errs.Config, "no such key %q", path)
}

func (s *stubProvider) Close() error {
	s.closed = true
	return nil
}

func TestGet_NoSchemeReturnsValueAsIs(t *testing.T) {
	m := NewManager()
	val, err := m.Get(context.Background(), "sk-literal-key")
	if err != nil || val != "sk-literal-key" {
		t.Errorf("Get(bare) = (%q, %v)", val, err)
	}
}

func TestGet_RoutesToRegisteredScheme(t *testing.T) {
	m := NewManager()
	m.Register("env", &stubProvider{values: map[string]string{"OPENAI_KEY": "sk-abc"}})

	val, err := m.Get(context.Background(), "env://OPENAI_KEY")
	if err != nil || val != "sk-abc" {
		t.Errorf("Get(env://OPENAI_KEY) = (%q, %v)", val, err)
	}
}

func TestGet_UnregisteredSchemeErrors(t *testing.T) {
	m := NewManager()
	_, err := m.Get(context.Background(), "vault://secret/openai")
	if err == nil {
		t.Fatal("Get() with unregistered scheme should error")
	}
	re, ok := errs.As(err)
	if !ok || re.Kind != errs.Config {
		t.Errorf("error kind = %v, want CONFIG", err)
	}
}

func TestResolveProviderAPIKeys_ResolvesEachEntry(t *testing.T) {
	m := NewManager()
	m.Register("env", &stubProvider{values: map[string]string{"A": "1", "B": "2"}})

	resolved, err := m.ResolveProviderAPIKeys(context.Background(), map[string]string{
		"openai":    "env://A",
		"anthropic": "env://B",
		"bedrock":   "static-key",
	})
	if err != nil {
		t.Fatalf("ResolveProviderAPIKeys() error = %v", err)
	}
	if resolved["openai"] != "1" || resolved["anthropic"] != "2" || resolved["bedrock"] != "static-key" {
		t.Errorf("resolved = %+v", resolved)
	}
}

func TestClose_ClosesAllRegisteredProviders(t *testing.T) {
	m := NewManager()
	p := &stubProvider{values: map[string]string{}}
	m.Register("env", p)

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !p.closed {
		t.Error("Close() did not close the registered provider")
	}
}
