// Package anthropic implements the Anthropic Claude Messages API provider
// adapter, translating the router's normalized chat shape to and from
// Anthropic's wire format (a separate "system" field, max_tokens required).
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/axiom-router/modelrouter/internal/provider"
	"github.com/axiom-router/modelrouter/pkg/errs"
	"github.com/axiom-router/modelrouter/pkg/types"
)

const (
	// ProviderName is the identifier for this adapter.
	ProviderName = "anthropic"
	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"
	// DefaultAPIVersion is the Anthropic API version header value.
	DefaultAPIVersion = "2023-06-01"
	// DefaultMaxTokens is used when the caller does not cap output tokens.
	DefaultMaxTokens = 4096
)

// Provider implements the Anthropic Messages API.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	client     *http.Client
}

// New constructs an Anthropic adapter. It matches provider.Factory.
func New(cfg provider.Config) (provider.Provider, error) {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		apiVersion: DefaultAPIVersion,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return ProviderName }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      wireUsage      `json:"usage"`
}

// splitSystem pulls out a leading system message, mirroring Anthropic's
// separate "system" field.
func splitSystem(messages []types.Message) (system string, rest []wireMessage) {
	rest = make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == types.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return system, rest
}

func buildRequest(model string, messages []types.Message, opts types.Options, stream bool) wireRequest {
	system, rest := splitSystem(messages)
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return wireRequest{
		Model:       model,
		Messages:    rest,
		MaxTokens:   maxTokens,
		System:      system,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Stream:      stream,
	}
}

func (p *Provider) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)
	return req, nil
}

// Chat implements provider.Provider.
func (p *Provider) Chat(ctx context.Context, model string, messages []types.Message, opts types.Options) (*types.Response, error) {
	if err := provider.ValidateMessages(messages); err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildRequest(model, messages, opts, false))
	if err != nil {
		return nil, errs.Newf(errs.Internal, "marshal request: %v", err)
	}

	httpReq, err := p.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, errs.Newf(errs.Internal, "%v", err)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errs.Newf(errs.TimeoutTransport, "transport error: %v", err).WithProvider(ProviderName, model)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Newf(errs.Internal, "read response: %v", err).WithProvider(ProviderName, model)
	}

	if resp.StatusCode >= 400 {
		return nil, mapStatusError(resp.StatusCode, raw, model)
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, errs.Newf(errs.Internal, "unmarshal response: %v", err).WithProvider(ProviderName, model)
	}

	var content strings.Builder
	for _, block := range wr.Content {
		if block.Type == "text" || block.Type == "" {
			content.WriteString(block.Text)
		}
	}

	input, output := wr.Usage.InputTokens, wr.Usage.OutputTokens
	estimated := false
	if input == 0 && output == 0 {
		output = provider.EstimateOutputTokens(content.String())
		estimated = true
	}

	return &types.Response{
		Content:  content.String(),
		Tokens:   types.Tokens{Input: input, Output: output, Total: input + output},
		Cost:     p.CalculateCost(input, output, model),
		Provider: ProviderName,
		Model:    model,
		Latency:  time.Since(start),
		Metadata: map[string]any{"finishReason": wr.StopReason, "requestId": wr.ID, "estimated": estimated},
	}, nil
}

// Stream implements provider.Provider, parsing Anthropic's SSE event
// stream (content_block_delta / message_delta / message_stop events).
func (p *Provider) Stream(ctx context.Context, model string, messages []types.Message, opts types.Options) (provider.StreamIterator, error) {
	if err := provider.ValidateMessages(messages); err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildRequest(model, messages, opts, true))
	if err != nil {
		return nil, errs.Newf(errs.Internal, "marshal request: %v", err)
	}

	httpReq, err := p.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, errs.Newf(errs.Internal, "%v", err)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errs.Newf(errs.TimeoutTransport, "transport error: %v", err).WithProvider(ProviderName, model)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, mapStatusError(resp.StatusCode, raw, model)
	}

	return &sseIterator{model: model, p: p, scanner: bufio.NewScanner(resp.Body), body: resp.Body, start: start}, nil
}

type sseEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage wireUsage `json:"usage"`
}

type sseIterator struct {
	model        string
	p            *Provider
	scanner      *bufio.Scanner
	body         io.ReadCloser
	start        time.Time
	idx          int
	inputTokens  int
	outputTokens int
	content      strings.Builder
	finished     bool
}

func (s *sseIterator) Next() (*types.Chunk, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		payload := bytes.TrimPrefix(line, []byte("data: "))

		var ev sseEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text == "" {
				continue
			}
			s.content.WriteString(ev.Delta.Text)
			out := &types.Chunk{Content: ev.Delta.Text, Provider: ProviderName, Model: s.model, ChunkIndex: s.idx}
			s.idx++
			return out, nil
		case "message_delta":
			if ev.Usage.OutputTokens > 0 {
				s.outputTokens = ev.Usage.OutputTokens
			}
		case "message_start":
			// Anthropic reports input tokens at stream start under "message".
		case "message_stop":
			return s.finalChunk(), io.EOF
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, errs.Newf(errs.TimeoutTransport, "stream read: %v", err).WithProvider(ProviderName, s.model)
	}
	return s.finalChunk(), io.EOF
}

func (s *sseIterator) finalChunk() *types.Chunk {
	if s.finished {
		return &types.Chunk{Done: true, Provider: ProviderName, Model: s.model, ChunkIndex: s.idx}
	}
	s.finished = true
	if s.outputTokens == 0 {
		s.outputTokens = provider.EstimateOutputTokens(s.content.String())
	}
	var cost float64
	if s.p != nil {
		cost = s.p.CalculateCost(s.inputTokens, s.outputTokens, s.model)
	}
	return &types.Chunk{
		Done:       true,
		Provider:   ProviderName,
		Model:      s.model,
		ChunkIndex: s.idx,
		Metadata: map[string]any{
			"tokens":     types.Tokens{Input: s.inputTokens, Output: s.outputTokens, Total: s.inputTokens + s.outputTokens},
			"cost":       cost,
			"latency":    time.Since(s.start),
			"chunkCount": s.idx,
		},
	}
}

func (s *sseIterator) Close() error { return s.body.Close() }

// CalculateCost implements provider.Provider using per-1M-token USD rates.
func (p *Provider) CalculateCost(inputTokens, outputTokens int, model string) float64 {
	rate, ok := claudeRates[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)*rate.input + float64(outputTokens)*rate.output) / 1_000_000
}

type rate struct{ input, output float64 }

var claudeRates = map[string]rate{
	"claude-3-5-sonnet-20241022": {input: 3.0, output: 15.0},
	"claude-3-opus-20240229":     {input: 15.0, output: 75.0},
	"claude-3-haiku-20240307":    {input: 0.25, output: 1.25},
}

// IsRetryableError implements provider.Provider.
func (p *Provider) IsRetryableError(err error) bool {
	if re, ok := errs.As(err); ok {
		return re.Kind.Retryable()
	}
	return false
}

func mapStatusError(statusCode int, body []byte, model string) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	message := "unknown error"
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.New(errs.Auth, message).WithProvider(ProviderName, model)
	case http.StatusTooManyRequests:
		return errs.New(errs.RateLimited, message).WithProvider(ProviderName, model)
	case http.StatusBadRequest:
		if parsed.Error.Type == "content_policy_violation" || strings.Contains(message, "content") {
			return errs.New(errs.ContentPolicy, message).WithProvider(ProviderName, model)
		}
		return errs.New(errs.Validation, message).WithProvider(ProviderName, model)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errs.New(errs.TimeoutTransport, message).WithProvider(ProviderName, model)
	default:
		if statusCode >= 500 {
			return errs.New(errs.ServerError, message).WithProvider(ProviderName, model)
		}
		return errs.New(errs.Internal, message).WithProvider(ProviderName, model)
	}
}
