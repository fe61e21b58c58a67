package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/axiom-router/modelrouter/pkg/errs"
	"github.com/axiom-router/modelrouter/pkg/types"
)

const sampleYAML = `
templateDir: /tmp/templates
cacheTTLms: 60000
queueMaxSize: 100
rateLimits:
  openai:
    maxConcurrent: 5
    minTimeMs: 100
pricing:
  openai:
    gpt-4o:
      input: 2.5
      output: 10
roleMappings:
  chat:
    primary:
      provider: openai
      model: gpt-4o
    fallbacks:
      - provider: anthropic
        model: claude-3-5-sonnet-20241022
featureFlags:
  streaming: true
providerApiKeys:
  openai: sk-test
`

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadFromFile_ParsesAllSections(t *testing.T) {
	path := writeConfigFile(t, sampleYAML)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.TemplateDir != "/tmp/templates" || cfg.QueueMaxSize != 100 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.CacheTTL().Milliseconds() != 60000 {
		t.Errorf("CacheTTL() = %v, want 60s", cfg.CacheTTL())
	}

	spec := cfg.RateLimitSpec("openai")
	if spec.MaxConcurrent != 5 || spec.MinTime.Milliseconds() != 100 {
		t.Errorf("RateLimitSpec(openai) = %+v", spec)
	}

	rate, ok := cfg.Pricing.Rate("openai", "gpt-4o")
	if !ok || rate.Input != 2.5 || rate.Output != 10 {
		t.Errorf("Pricing.Rate(openai, gpt-4o) = %+v, ok=%v", rate, ok)
	}

	rm, err := cfg.ResolveRole("chat")
	if err != nil {
		t.Fatalf("ResolveRole(chat) error = %v", err)
	}
	if rm.Primary != (types.Candidate{Provider: "openai", Model: "gpt-4o"}) {
		t.Errorf("ResolveRole(chat).Primary = %+v", rm.Primary)
	}
	if len(rm.Fallbacks) != 1 || rm.Fallbacks[0].Provider != "anthropic" {
		t.Errorf("ResolveRole(chat).Fallbacks = %+v", rm.Fallbacks)
	}

	if !cfg.FeatureEnabled("streaming") {
		t.Error("FeatureEnabled(streaming) = false, want true")
	}
}

func TestResolveRole_UnknownRoleIsConfigError(t *testing.T) {
	path := writeConfigFile(t, sampleYAML)
	cfg, _ := LoadFromFile(path)

	_, err := cfg.ResolveRole("nonexistent")
	if err == nil {
		t.Fatal("ResolveRole(nonexistent) should error")
	}
	re, ok := errs.As(err)
	if !ok || re.Kind != errs.Config {
		t.Errorf("ResolveRole error kind = %v, want CONFIG", err)
	}
}

func TestLoadFromFile_MissingFileErrors(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("LoadFromFile(missing) should error")
	}
}

func TestPricing_MissingEntryReturnsZeroCost(t *testing.T) {
	p := Pricing{}
	_, ok := p.Rate("openai", "gpt-4o")
	if ok {
		t.Error("Rate() on empty Pricing should report !ok")
	}
}
