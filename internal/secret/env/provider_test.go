package env

import (
	"context"
	"os"
	"testing"
)

func TestGet_ReturnsSetVariable(t *testing.T) {
	os.Setenv("MODELROUTER_TEST_SECRET", "sk-env-value")
	defer os.Unsetenv("MODELROUTER_TEST_SECRET")

	p := New()
	val, err := p.Get(context.Background(), "MODELROUTER_TEST_SECRET")
	if err != nil || val != "sk-env-value" {
		t.Errorf("Get() = (%q, %v)", val, err)
	}
}

func TestGet_UnsetVariableErrors(t *testing.T) {
	p := New()
	_, err := p.Get(context.Background(), "MODELROUTER_DOES_NOT_EXIST")
	if err == nil {
		t.Fatal("Get() on unset variable should error")
	}
}
