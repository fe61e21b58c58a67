// Package provider defines the capability interface every LLM provider
// adapter implements, the Registry that holds constructed adapters, and the
// message validation and token estimation helpers the adapters share.
package provider

import (
	"context"

	"github.com/axiom-router/modelrouter/pkg/types"
)

// Provider is the capability set an adapter must provide, per the router's
// provider adapter contract. Implementations must be safe for concurrent
// use: the registry hands out a single shared instance per provider name.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Chat performs a single synchronous chat completion call.
	Chat(ctx context.Context, model string, messages []types.Message, opts types.Options) (*types.Response, error)

	// Stream performs a streaming chat completion call, returning an
	// iterator of chunks. The final chunk has Done=true and carries the
	// aggregated usage in its Metadata.
	Stream(ctx context.Context, model string, messages []types.Message, opts types.Options) (StreamIterator, error)

	// CalculateCost returns the USD cost for the given token counts on
	// the given model.
	CalculateCost(inputTokens, outputTokens int, model string) float64

	// IsRetryableError classifies whether err should be retried against
	// the same candidate.
	IsRetryableError(err error) bool
}

// StreamIterator yields successive chunks of a streaming response.
type StreamIterator interface {
	// Next returns the next chunk. The final chunk (Done=true) is returned
	// together with io.EOF; io.EOF alone marks a stream already exhausted.
	Next() (*types.Chunk, error)
	// Close releases any resources (e.g. the underlying HTTP body).
	Close() error
}

// Factory constructs a Provider instance from configuration. Adapters never
// construct themselves; the process entrypoint calls each Factory at boot
// and registers the resulting Provider in the Registry.
type Factory func(cfg Config) (Provider, error)

// Config is the configuration handed to a provider factory.
type Config struct {
	Name       string
	APIKey     string
	BaseURL    string
	Models     []string
	TimeoutSec int
	Region     string // used by cloud-SDK-backed adapters such as bedrock
}
