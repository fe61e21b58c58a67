package provider

import (
	"github.com/axiom-router/modelrouter/pkg/errs"
	"github.com/axiom-router/modelrouter/pkg/types"
)

// ValidateMessages checks the non-empty/recognized-role/non-empty-content
// invariants every adapter enforces before dispatch, per spec section 4.1.
func ValidateMessages(messages []types.Message) error {
	if len(messages) == 0 {
		return errs.New(errs.Validation, "messages must not be empty")
	}
	for i, m := range messages {
		switch m.Role {
		case types.RoleSystem, types.RoleUser, types.RoleAssistant:
		default:
			return errs.Newf(errs.Validation, "message %d has unrecognized role %q", i, m.Role)
		}
		if m.Content == "" {
			return errs.Newf(errs.Validation, "message %d has empty content", i)
		}
	}
	return nil
}

// EstimateOutputTokens estimates output token count from content length
// when a provider response omits usage data, per spec section 4.1:
// ceil(len(content)/4).
func EstimateOutputTokens(content string) int {
	n := len(content)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
