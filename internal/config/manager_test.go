package config

import (
	"os"
	"testing"
	"time"

	"github.com/axiom-router/modelrouter/pkg/types"
)

func TestManager_UpdatePricing_NotifiesListenersWithoutMutatingOldSnapshot(t *testing.T) {
	path := writeConfigFile(t, sampleYAML)
	m, err := NewManager(path, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	old := m.Get()
	notified := make(chan *Config, 1)
	m.OnChange(func(cfg *Config) { notified <- cfg })

	m.UpdatePricing("anthropic", "claude-3-5-sonnet-20241022", ModelRate{Input: 3, Output: 15})

	select {
	case cfg := <-notified:
		rate, ok := cfg.Pricing.Rate("anthropic", "claude-3-5-sonnet-20241022")
		if !ok || rate.Input != 3 {
			t.Errorf("notified config pricing = %+v, ok=%v", rate, ok)
		}
	case <-time.After(time.Second):
		t.Fatal("OnChange callback was not invoked")
	}

	if _, ok := old.Pricing.Rate("anthropic", "claude-3-5-sonnet-20241022"); ok {
		t.Error("UpdatePricing must not mutate the previously returned snapshot")
	}
}

func TestManager_SetFeatureFlag_ReflectsImmediately(t *testing.T) {
	path := writeConfigFile(t, sampleYAML)
	m, _ := NewManager(path, nil)

	m.SetFeatureFlag("newFeature", true)
	if !m.Get().FeatureEnabled("newFeature") {
		t.Error("SetFeatureFlag(newFeature, true) did not take effect")
	}
}

func TestManager_SetRoleMapping_ReplacesMapping(t *testing.T) {
	path := writeConfigFile(t, sampleYAML)
	m, _ := NewManager(path, nil)

	m.SetRoleMapping("chat", RoleMapping{
		Primary: types.Candidate{Provider: "bedrock", Model: "anthropic.claude-3-sonnet"},
	})

	rm, err := m.Get().ResolveRole("chat")
	if err != nil {
		t.Fatalf("ResolveRole(chat) error = %v", err)
	}
	if rm.Primary.Provider != "bedrock" {
		t.Errorf("ResolveRole(chat).Primary = %+v, want provider=bedrock", rm.Primary)
	}
}

func TestManager_Reload_PicksUpFileChanges(t *testing.T) {
	path := writeConfigFile(t, sampleYAML)
	m, _ := NewManager(path, nil)

	updated := sampleYAML + "\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	m.SetFeatureFlag("beforeReload", true)

	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if m.Get().FeatureEnabled("beforeReload") {
		t.Error("Reload() should replace in-memory mutations with the file's contents")
	}
}

func TestManager_Reload_KeepsPreviousConfigOnParseError(t *testing.T) {
	path := writeConfigFile(t, sampleYAML)
	m, _ := NewManager(path, nil)

	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := m.Reload(); err == nil {
		t.Fatal("Reload() with invalid YAML should error")
	}
	if m.Get().TemplateDir != "/tmp/templates" {
		t.Error("Reload() failure should leave the previous config in place")
	}
}
