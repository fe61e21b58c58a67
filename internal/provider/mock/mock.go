// Package mock implements a fully deterministic provider adapter used by
// the router's own test suite (spec section 8, Testable Property 8 requires
// a deterministic stub provider since real providers are nondeterministic
// above temperature zero) and usable by integrators who want to exercise
// the router without live credentials.
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiom-router/modelrouter/internal/provider"
	"github.com/axiom-router/modelrouter/pkg/errs"
	"github.com/axiom-router/modelrouter/pkg/types"
)

// ProviderName is the identifier for this adapter.
const ProviderName = "mock"

// Behavior lets tests script a scripted sequence of outcomes per model,
// simulating transient failures followed by success (used to exercise
// the retry/fallback state machine deterministically).
type Behavior struct {
	// FailTimes is the number of upcoming Chat/Stream calls for this model
	// that fail with Err before a real response is produced.
	FailTimes int
	// Err is the error returned while FailTimes > 0. Defaults to a
	// SERVER_ERROR RouterError if nil.
	Err error
	// Latency, if set, is slept before responding (for latency tests).
	Latency time.Duration
	// ChunkSize controls how Stream splits content, in runes. Default 4.
	ChunkSize int
}

// Provider is a deterministic stand-in for a real LLM backend. Given the
// same messages and model it always produces the same content, satisfying
// the streaming-consistency invariant (Testable Property 8) trivially.
type Provider struct {
	mu        sync.Mutex
	behaviors map[string]*Behavior
	calls     atomic.Int64
}

// New constructs a mock provider. It matches provider.Factory so it can be
// registered through the same injection path as real adapters.
func New(_ provider.Config) (provider.Provider, error) {
	return &Provider{behaviors: make(map[string]*Behavior)}, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return ProviderName }

// SetBehavior scripts the given model's next calls, for tests.
func (p *Provider) SetBehavior(model string, b Behavior) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := b
	p.behaviors[model] = &cp
}

// CallCount returns the number of Chat+Stream invocations so far, for
// asserting retry/fallback call counts in tests.
func (p *Provider) CallCount() int64 { return p.calls.Load() }

func (p *Provider) consumeFailure(model string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.behaviors[model]
	if !ok || b.FailTimes <= 0 {
		return nil
	}
	b.FailTimes--
	if b.Err != nil {
		return b.Err
	}
	return errs.New(errs.ServerError, "mock: scripted failure")
}

func (p *Provider) latency(model string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.behaviors[model]; ok {
		return b.Latency
	}
	return 0
}

func (p *Provider) chunkSize(model string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.behaviors[model]; ok && b.ChunkSize > 0 {
		return b.ChunkSize
	}
	return 4
}

// deterministicContent builds content purely from inputs so repeated
// identical calls are byte-identical, and distinct inputs are not.
func deterministicContent(model string, messages []types.Message) string {
	var last string
	for _, m := range messages {
		if m.Role == types.RoleUser {
			last = m.Content
		}
	}
	return fmt.Sprintf("[%s] echo: %s", model, last)
}

// Chat implements provider.Provider.
func (p *Provider) Chat(ctx context.Context, model string, messages []types.Message, opts types.Options) (*types.Response, error) {
	if err := provider.ValidateMessages(messages); err != nil {
		return nil, err
	}
	p.calls.Add(1)

	if err := p.consumeFailure(model); err != nil {
		return nil, err
	}
	if d := p.latency(model); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, errs.New(errs.Cancelled, ctx.Err().Error())
		}
	}

	content := deterministicContent(model, messages)
	inputTokens := 0
	for _, m := range messages {
		inputTokens += provider.EstimateOutputTokens(m.Content)
	}
	outputTokens := provider.EstimateOutputTokens(content)

	return &types.Response{
		Content:  content,
		Tokens:   types.Tokens{Input: inputTokens, Output: outputTokens, Total: inputTokens + outputTokens},
		Cost:     p.CalculateCost(inputTokens, outputTokens, model),
		Provider: ProviderName,
		Model:    model,
		Metadata: map[string]any{"estimated": true},
	}, nil
}

// Stream implements provider.Provider.
func (p *Provider) Stream(ctx context.Context, model string, messages []types.Message, opts types.Options) (provider.StreamIterator, error) {
	if err := provider.ValidateMessages(messages); err != nil {
		return nil, err
	}
	p.calls.Add(1)
	if err := p.consumeFailure(model); err != nil {
		return nil, err
	}

	content := deterministicContent(model, messages)
	size := p.chunkSize(model)
	var pieces []string
	runes := []rune(content)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[i:end]))
	}

	inputTokens := 0
	for _, m := range messages {
		inputTokens += provider.EstimateOutputTokens(m.Content)
	}

	return &streamIterator{
		ctx:          ctx,
		pieces:       pieces,
		model:        model,
		inputTokens:  inputTokens,
		outputTokens: provider.EstimateOutputTokens(content),
		cost:         p.CalculateCost(inputTokens, provider.EstimateOutputTokens(content), model),
	}, nil
}

type streamIterator struct {
	ctx          context.Context
	pieces       []string
	idx          int
	model        string
	inputTokens  int
	outputTokens int
	cost         float64
	closed       bool
	start        time.Time
}

func (s *streamIterator) Next() (*types.Chunk, error) {
	if s.start.IsZero() {
		s.start = time.Now()
	}
	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	default:
	}

	if s.idx >= len(s.pieces) {
		return &types.Chunk{
			Done:       true,
			Provider:   ProviderName,
			Model:      s.model,
			ChunkIndex: s.idx,
			Metadata: map[string]any{
				"tokens":     types.Tokens{Input: s.inputTokens, Output: s.outputTokens, Total: s.inputTokens + s.outputTokens},
				"cost":       s.cost,
				"latency":    time.Since(s.start),
				"chunkCount": s.idx,
			},
		}, io.EOF
	}

	chunk := &types.Chunk{
		Content:    s.pieces[s.idx],
		Done:       false,
		Provider:   ProviderName,
		Model:      s.model,
		ChunkIndex: s.idx,
	}
	s.idx++
	return chunk, nil
}

func (s *streamIterator) Close() error {
	s.closed = true
	return nil
}

// CalculateCost implements provider.Provider with a fixed, deterministic
// nominal rate so cost-aggregation tests have predictable numbers.
func (p *Provider) CalculateCost(inputTokens, outputTokens int, model string) float64 {
	const inputRatePerM = 1.0
	const outputRatePerM = 2.0
	return (float64(inputTokens)*inputRatePerM + float64(outputTokens)*outputRatePerM) / 1_000_000
}

// IsRetryableError implements provider.Provider.
func (p *Provider) IsRetryableError(err error) bool {
	if re, ok := errs.As(err); ok {
		return re.Kind.Retryable()
	}
	return false
}
