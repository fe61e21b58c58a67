// Package openai implements the OpenAI chat-completions provider adapter.
// It serves as the reference implementation other HTTP-backed adapters in
// this module follow.
package openai

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
	ProviderName = "openai"
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Provider implements the OpenAI chat completions API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New constructs an OpenAI adapter. It matches provider.Factory.
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
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
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
	Stream      bool          `json:"stream,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	User        string        `json:"user,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

type wireStreamDelta struct {
	Content string `json:"content"`
}

type wireStreamChoice struct {
	Index        int             `json:"index"`
	Delta        wireStreamDelta `json:"delta"`
	FinishReason string          `json:"finish_reason"`
}

type wireStreamChunk struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []wireStreamChoice `json:"choices"`
	Usage   *wireUsage         `json:"usage"`
}

func buildRequest(model string, messages []types.Message, opts types.Options, stream bool) wireRequest {
	wm := make([]wireMessage, len(messages))
	for i, m := range messages {
		wm[i] = wireMessage{Role: string(m.Role), Content: m.Content}
	}
	return wireRequest{
		Model:       model,
		Messages:    wm,
		Stream:      stream,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		User:        opts.UserID,
	}
}

func (p *Provider) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
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
		return nil, mapTransportError(err, model)
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

	var content string
	var finishReason string
	if len(wr.Choices) > 0 {
		content = wr.Choices[0].Message.Content
		finishReason = wr.Choices[0].FinishReason
	}

	input, output, estimated := wr.Usage.PromptTokens, wr.Usage.CompletionTokens, false
	if input == 0 && output == 0 {
		output = provider.EstimateOutputTokens(content)
		estimated = true
	}
	total := wr.Usage.TotalTokens
	if total == 0 {
		total = input + output
	}

	return &types.Response{
		Content:  content,
		Tokens:   types.Tokens{Input: input, Output: output, Total: total},
		Cost:     p.CalculateCost(input, output, model),
		Provider: ProviderName,
		Model:    model,
		Latency:  time.Since(start),
		Metadata: map[string]any{"finishReason": finishReason, "requestId": wr.ID, "estimated": estimated},
	}, nil
}

// Stream implements provider.Provider.
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
		return nil, mapTransportError(err, model)
	}

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, mapStatusError(resp.StatusCode, raw, model)
	}

	return &sseIterator{
		model:   model,
		scanner: bufio.NewScanner(resp.Body),
		body:    resp.Body,
		start:   start,
		calc:    p,
	}, nil
}

type costCalculator interface {
	CalculateCost(input, output int, model string) float64
}

type sseIterator struct {
	model        string
	scanner      *bufio.Scanner
	body         io.ReadCloser
	start        time.Time
	idx          int
	inputTokens  int
	outputTokens int
	content      strings.Builder
	calc         costCalculator
	finished     bool
}

// Next implements provider.StreamIterator.
func (s *sseIterator) Next() (*types.Chunk, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		payload := bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(payload, []byte("[DONE]")) {
			return s.finalChunk(), io.EOF
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			return nil, errs.Newf(errs.Internal, "unmarshal stream chunk: %v", err).WithProvider(ProviderName, s.model)
		}
		if chunk.Usage != nil {
			s.inputTokens = chunk.Usage.PromptTokens
			s.outputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		s.content.WriteString(delta)
		out := &types.Chunk{
			Content:    delta,
			Provider:   ProviderName,
			Model:      s.model,
			ChunkIndex: s.idx,
		}
		s.idx++
		return out, nil
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
	cost := 0.0
	if s.calc != nil {
		cost = s.calc.CalculateCost(s.inputTokens, s.outputTokens, s.model)
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

// Close implements provider.StreamIterator.
func (s *sseIterator) Close() error { return s.body.Close() }

// CalculateCost implements provider.Provider using per-1M-token USD rates.
func (p *Provider) CalculateCost(inputTokens, outputTokens int, model string) float64 {
	rate, ok := openAIRates[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)*rate.input + float64(outputTokens)*rate.output) / 1_000_000
}

type rate struct{ input, output float64 }

var openAIRates = map[string]rate{
	"gpt-4o":      {input: 5.0, output: 15.0},
	"gpt-4o-mini": {input: 0.15, output: 0.6},
	"gpt-4-turbo": {input: 10.0, output: 30.0},
	"gpt-3.5-turbo": {input: 0.5, output: 1.5},
}

// IsRetryableError implements provider.Provider.
func (p *Provider) IsRetryableError(err error) bool {
	if re, ok := errs.As(err); ok {
		return re.Kind.Retryable()
	}
	return false
}

func mapTransportError(err error, model string) error {
	return errs.Newf(errs.TimeoutTransport, "transport error: %v", err).WithProvider(ProviderName, model)
}

func mapStatusError(statusCode int, body []byte, model string) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
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
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
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
