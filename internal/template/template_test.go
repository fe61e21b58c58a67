package template

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/axiom-router/modelrouter/pkg/errs"
)

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestNew_LoadsValidTemplates(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "greeting.txt", "Hello {{name}}!")

	m, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, ok := m.Get("greeting"); !ok {
		t.Error("expected \"greeting\" template to be loaded")
	}
}

func TestNew_RejectsInvalidFileButLoadsOthers(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "good.txt", "Hello {{name}}")
	writeTemplate(t, dir, "bad.txt", "Hello {{}}")

	m, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, ok := m.Get("good"); !ok {
		t.Error("valid template should still load")
	}
	if _, ok := m.Get("bad"); ok {
		t.Error("invalid template should be rejected, not cached")
	}
}

func TestRender_SubstitutesVariables(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "greeting.txt", "Hello {{user.name}}, you have {{count}} messages")

	m, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := m.Render("greeting", map[string]any{
		"user":  map[string]any{"name": "Ada"},
		"count": 3,
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := "Hello Ada, you have 3 messages"
	if out != want {
		t.Errorf("Render() = %q, want %q", out, want)
	}
}

func TestRender_MissingVariableFails(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "greeting.txt", "Hello {{name}}")

	m, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = m.Render("greeting", map[string]any{})
	if err == nil {
		t.Fatal("Render() with missing variable should error")
	}
	re, ok := errs.As(err)
	if !ok || re.Kind != errs.TemplateMissingVars {
		t.Errorf("Render() error kind = %v, want TEMPLATE_MISSING_VARS", err)
	}
}

func TestRender_NonStringValueIsPrettyJSON(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "data.txt", "Payload: {{payload}}")

	m, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := m.Render("data", map[string]any{
		"payload": map[string]any{"a": 1},
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := "Payload: {\n  \"a\": 1\n}"
	if out != want {
		t.Errorf("Render() = %q, want %q", out, want)
	}
}

func TestValidateBraces_RejectsNestedAndUnmatched(t *testing.T) {
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"balanced", "Hello {{name}}", true},
		{"empty", "Hello {{}}", false},
		{"nested", "Hello {{ {{name}} }}", false},
		{"unmatched open", "Hello {{name", false},
		{"no placeholders", "Hello world", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateBraces(tc.body)
			if tc.ok && err != nil {
				t.Errorf("validateBraces(%q) error = %v, want nil", tc.body, err)
			}
			if !tc.ok && err == nil {
				t.Errorf("validateBraces(%q) error = nil, want error", tc.body)
			}
		})
	}
}

func TestWatch_HotReloadsOnChangeWithDebounce(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "greeting.txt", "v1 {{name}}")

	m, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer m.Close()

	if err := m.Watch(); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	reloaded := make(chan struct{}, 1)
	m.OnChange(func() {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})

	writeTemplate(t, dir, "greeting.txt", "v2 {{name}}")

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("expected hot reload to fire after file change")
	}

	tmpl, ok := m.Get("greeting")
	if !ok {
		t.Fatal("expected greeting template to still be loaded")
	}
	if tmpl.Body != "v2 {{name}}" {
		t.Errorf("Body = %q, want %q", tmpl.Body, "v2 {{name}}")
	}
}
