package router

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/axiom-router/modelrouter/internal/provider"
	"github.com/axiom-router/modelrouter/internal/ratelimit"
	"github.com/axiom-router/modelrouter/pkg/types"
)

// Stream implements the streaming algorithm of spec section 4.11: steps
// 1-5 are identical to Call except cache lookup is skipped (only whole
// responses are cacheable); fallback does not occur mid-stream, so only
// the role's primary candidate is tried.
func (r *Router) Stream(ctx context.Context, role string, messages []types.Message, opts types.Options) (provider.StreamIterator, error) {
	if err := provider.ValidateMessages(messages); err != nil {
		return nil, err
	}

	cfg := r.cfg.Get()
	rm, err := cfg.ResolveRole(role)
	if err != nil {
		return nil, err
	}

	ctx, span := r.startSpan(ctx, "router.Stream", rm.Primary)
	defer span.End()

	messages, err = r.applyTemplate(messages, opts)
	if err != nil {
		return nil, err
	}

	id := newRequestID()
	start := time.Now()
	if err := r.gate.await(ctx, id, opts.Priority, r.opts.QueueWaitTimeout); err != nil {
		return nil, err
	}
	r.metrics.RecordQueueWait(rm.Primary.Provider, role, float64(time.Since(start).Milliseconds()))

	adapter, err := r.registry.Get(rm.Primary.Provider)
	if err != nil {
		r.q.MarkFailed(id)
		return nil, err
	}

	release, err := r.limiter.Schedule(ctx, rm.Primary.Provider)
	if err != nil {
		r.q.MarkFailed(id)
		return nil, wrapContextErr(err, "rate limiter wait cancelled")
	}

	inner, err := adapter.Stream(ctx, rm.Primary.Model, messages, opts)
	if err != nil {
		release()
		r.q.MarkFailed(id)
		return nil, err
	}

	r.q.MarkCompleted(id)
	return &chunkIterator{
		router:        r,
		inner:         inner,
		role:          role,
		correlationID: opts.CorrelationID,
		providerName:  rm.Primary.Provider,
		model:         rm.Primary.Model,
		projectID:     opts.ProjectID,
		release:       release,
	}, nil
}

// chunkIterator decorates an adapter's raw stream with the router-level
// fields the adapter has no way to know (role, correlationId), releases
// the rate-limiter slot on Close, and records cost/token/metrics once the
// final chunk arrives.
type chunkIterator struct {
	router        *Router
	inner         provider.StreamIterator
	role          string
	correlationID string
	providerName  string
	model         string
	projectID     string
	release       ratelimit.Release
	recorded      bool
	content       strings.Builder
}

// Next implements provider.StreamIterator.
func (c *chunkIterator) Next() (*types.Chunk, error) {
	chunk, err := c.inner.Next()
	if chunk != nil {
		chunk.Role = c.role
		if chunk.Content != "" {
			c.content.WriteString(chunk.Content)
		}
		if chunk.Done {
			c.recordFinal(chunk)
		}
	}
	if err != nil && err != io.EOF {
		c.recordPartialFailure(err)
	}
	return chunk, err
}

// recordPartialFailure handles a mid-stream error: the cost/token trackers
// still record the tokens observed so far (estimated from the content
// accumulated before the failure), per spec section 8's boundary behavior.
func (c *chunkIterator) recordPartialFailure(err error) {
	if c.recorded {
		return
	}
	c.recorded = true

	output := provider.EstimateOutputTokens(c.content.String())
	tokens := types.Tokens{Output: output, Total: output}

	c.router.recordOutcome(c.role, c.providerName, c.model, types.Response{
		Tokens:   tokens,
		Provider: c.providerName,
		Model:    c.model,
	}, types.Options{ProjectID: c.projectID}, err)
	c.router.metrics.RecordCall(c.providerName, c.role, false)
}

func (c *chunkIterator) recordFinal(chunk *types.Chunk) {
	if c.recorded {
		return
	}
	c.recorded = true

	if chunk.Metadata == nil {
		chunk.Metadata = make(map[string]any)
	}
	chunk.Metadata["correlationId"] = c.correlationID

	tokens, _ := chunk.Metadata["tokens"].(types.Tokens)
	cost, _ := chunk.Metadata["cost"].(float64)
	latency, _ := chunk.Metadata["latency"].(time.Duration)

	c.router.recordOutcome(c.role, c.providerName, c.model, types.Response{
		Content:  "",
		Tokens:   tokens,
		Cost:     cost,
		Provider: c.providerName,
		Model:    c.model,
		Latency:  latency,
	}, types.Options{ProjectID: c.projectID}, nil)
	c.router.metrics.RecordCall(c.providerName, c.role, true)
}

// Close releases the rate-limiter slot and the underlying transport.
func (c *chunkIterator) Close() error {
	c.release()
	return c.inner.Close()
}
