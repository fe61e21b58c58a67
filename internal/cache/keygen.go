package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/axiom-router/modelrouter/pkg/types"
)

// salientOptions lists the Options fields that participate in the cache
// key, per spec section 4.5. CorrelationID, UserID, ProjectID, Priority,
// UseCache, and Stream are explicitly non-salient and excluded.
type salientOptions struct {
	MaxTokens         int
	Temperature       *float64
	TopP              *float64
	TaskType          string
	TemplateName      string
	TemplateVariables map[string]any
}

// GenerateKey derives the content-addressed cache key: a stable
// serialization of model, messages, and salient options, hashed with
// SHA-256. Two logically identical calls always produce the same key
// regardless of map iteration order.
func GenerateKey(model string, messages []types.Message, opts types.Options) string {
	var sb strings.Builder
	sb.WriteString("model:")
	sb.WriteString(model)

	for i, m := range messages {
		fmt.Fprintf(&sb, "|m%d.role:%s|m%d.content:%s", i, m.Role, i, m.Content)
	}

	sal := salientOptions{
		MaxTokens:         opts.MaxTokens,
		Temperature:       opts.Temperature,
		TopP:              opts.TopP,
		TaskType:          opts.TaskType,
		TemplateName:      opts.TemplateName,
		TemplateVariables: opts.TemplateVariables,
	}
	if sal.MaxTokens > 0 {
		fmt.Fprintf(&sb, "|maxTokens:%d", sal.MaxTokens)
	}
	if sal.Temperature != nil {
		fmt.Fprintf(&sb, "|temperature:%.4f", *sal.Temperature)
	}
	if sal.TopP != nil {
		fmt.Fprintf(&sb, "|topP:%.4f", *sal.TopP)
	}
	if sal.TaskType != "" {
		fmt.Fprintf(&sb, "|taskType:%s", sal.TaskType)
	}
	if sal.TemplateName != "" {
		fmt.Fprintf(&sb, "|templateName:%s", sal.TemplateName)
	}
	if len(sal.TemplateVariables) > 0 {
		keys := make([]string, 0, len(sal.TemplateVariables))
		for k := range sal.TemplateVariables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "|tvar.%s:%v", k, sal.TemplateVariables[k])
		}
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
