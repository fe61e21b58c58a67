package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/axiom-router/modelrouter/pkg/types"
)

func TestGenerateKey_Deterministic(t *testing.T) {
	messages := []types.Message{{Role: types.RoleUser, Content: "hi"}}
	opts := types.Options{
		MaxTokens:         100,
		TemplateVariables: map[string]any{"b": 2, "a": 1},
	}

	k1 := GenerateKey("gpt-4o", messages, opts)
	k2 := GenerateKey("gpt-4o", messages, opts)
	assert.Equal(t, k1, k2, "identical inputs must hash to the same key regardless of map iteration order")
}

func TestGenerateKey_IgnoresNonSalientFields(t *testing.T) {
	messages := []types.Message{{Role: types.RoleUser, Content: "hi"}}

	a := types.Options{CorrelationID: "req-1", UserID: "u1"}
	b := types.Options{CorrelationID: "req-2", UserID: "u2"}

	assert.Equal(t, GenerateKey("gpt-4o", messages, a), GenerateKey("gpt-4o", messages, b))
}

func TestGenerateKey_SalientFieldsChangeKey(t *testing.T) {
	messages := []types.Message{{Role: types.RoleUser, Content: "hi"}}

	a := types.Options{MaxTokens: 100}
	b := types.Options{MaxTokens: 200}

	assert.NotEqual(t, GenerateKey("gpt-4o", messages, a), GenerateKey("gpt-4o", messages, b))
}

func TestGenerateKey_DifferentMessagesDifferentKey(t *testing.T) {
	a := []types.Message{{Role: types.RoleUser, Content: "hi"}}
	b := []types.Message{{Role: types.RoleUser, Content: "bye"}}

	assert.NotEqual(t, GenerateKey("gpt-4o", a, types.Options{}), GenerateKey("gpt-4o", b, types.Options{}))
}
