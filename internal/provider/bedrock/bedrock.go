// Package bedrock implements the AWS Bedrock Converse API provider adapter,
// authenticating requests with SigV4 via aws-sdk-go-v2 rather than a bearer
// API key.
package bedrock

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4signer "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/goccy/go-json"

	"github.com/axiom-router/modelrouter/internal/provider"
	"github.com/axiom-router/modelrouter/pkg/errs"
	"github.com/axiom-router/modelrouter/pkg/types"
)

func sha256Hex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

const (
	// ProviderName is the identifier for this adapter.
	ProviderName = "bedrock"
	// DefaultRegion is used when Config.Region is empty.
	DefaultRegion = "us-east-1"

	serviceName = "bedrock"
)

// DefaultModels lists commonly available Bedrock model IDs, for operators
// populating config without memorizing the catalog.
var DefaultModels = []string{
	"anthropic.claude-3-5-sonnet-20241022-v2:0",
	"anthropic.claude-3-opus-20240229-v1:0",
	"anthropic.claude-3-haiku-20240307-v1:0",
	"meta.llama3-1-70b-instruct-v1:0",
	"amazon.titan-text-express-v1",
}

// Provider implements the AWS Bedrock Converse API.
type Provider struct {
	region  string
	baseURL string
	creds   aws.CredentialsProvider
	signer  *v4signer.Signer
	client  *http.Client
}

// New constructs a Bedrock adapter. It matches provider.Factory. The region
// comes from cfg.Region when set, otherwise DefaultRegion; static
// credentials come from cfg.APIKey formatted as "accessKey:secretKey", and
// fall back to the default AWS credential chain (env vars, shared config,
// instance profile) when cfg.APIKey is empty.
func New(cfg provider.Config) (provider.Provider, error) {
	region := DefaultRegion
	if cfg.Region != "" {
		region = cfg.Region
	}

	var creds aws.CredentialsProvider
	if cfg.APIKey != "" {
		parts := strings.SplitN(cfg.APIKey, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bedrock: APIKey must be \"accessKey:secretKey\"")
		}
		creds = credentials.NewStaticCredentialsProvider(parts[0], parts[1], "")
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("bedrock: load default AWS config: %w", err)
		}
		creds = awsCfg.Credentials
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Provider{
		region:  region,
		baseURL: baseURL,
		creds:   creds,
		signer:  v4signer.NewSigner(),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return ProviderName }

type contentBlock struct {
	Text string `json:"text,omitempty"`
}

type bedrockMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type inferenceConfig struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
}

type converseRequest struct {
	Messages        []bedrockMessage `json:"messages"`
	System          []contentBlock   `json:"system,omitempty"`
	InferenceConfig *inferenceConfig `json:"inferenceConfig,omitempty"`
}

type converseUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

type converseResponse struct {
	Output struct {
		Message bedrockMessage `json:"message"`
	} `json:"output"`
	StopReason string        `json:"stopReason"`
	Usage      converseUsage `json:"usage"`
}

func buildRequest(messages []types.Message, opts types.Options) converseRequest {
	var system []contentBlock
	var rest []bedrockMessage
	for _, m := range messages {
		if m.Role == types.RoleSystem {
			system = append(system, contentBlock{Text: m.Content})
			continue
		}
		rest = append(rest, bedrockMessage{Role: string(m.Role), Content: []contentBlock{{Text: m.Content}}})
	}
	return converseRequest{
		Messages: rest,
		System:   system,
		InferenceConfig: &inferenceConfig{
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
		},
	}
}

func (p *Provider) newSignedRequest(ctx context.Context, model string, body []byte, streamPath bool) (*http.Request, error) {
	op := "converse"
	if streamPath {
		op = "converse-stream"
	}
	url := fmt.Sprintf("%s/model/%s/%s", p.baseURL, model, op)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	creds, err := p.creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve credentials: %w", err)
	}

	payloadHash := sha256Hex(body)
	if err := p.signer.SignHTTP(ctx, creds, req, payloadHash, serviceName, p.region, time.Now()); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return req, nil
}

// Chat implements provider.Provider.
func (p *Provider) Chat(ctx context.Context, model string, messages []types.Message, opts types.Options) (*types.Response, error) {
	if err := provider.ValidateMessages(messages); err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildRequest(messages, opts))
	if err != nil {
		return nil, errs.Newf(errs.Internal, "marshal request: %v", err)
	}

	httpReq, err := p.newSignedRequest(ctx, model, body, false)
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

	var cr converseResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, errs.Newf(errs.Internal, "unmarshal response: %v", err).WithProvider(ProviderName, model)
	}

	var content strings.Builder
	for _, block := range cr.Output.Message.Content {
		content.WriteString(block.Text)
	}

	input, output := cr.Usage.InputTokens, cr.Usage.OutputTokens
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
		Metadata: map[string]any{"finishReason": cr.StopReason, "estimated": estimated},
	}, nil
}

// Stream implements provider.Provider, parsing Bedrock's AWS-event-stream
// framing. The Converse streaming API multiplexes binary event frames over
// the body; this adapter parses the simplified newline-delimited JSON
// envelope used by the HTTPS converse-stream endpoint's chunked transfer.
func (p *Provider) Stream(ctx context.Context, model string, messages []types.Message, opts types.Options) (provider.StreamIterator, error) {
	if err := provider.ValidateMessages(messages); err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildRequest(messages, opts))
	if err != nil {
		return nil, errs.Newf(errs.Internal, "marshal request: %v", err)
	}

	httpReq, err := p.newSignedRequest(ctx, model, body, true)
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

	return &eventIterator{model: model, p: p, scanner: bufio.NewScanner(resp.Body), body: resp.Body, start: start}, nil
}

type streamEvent struct {
	ContentBlockDelta *struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"contentBlockDelta,omitempty"`
	MetadataEvent *struct {
		Usage converseUsage `json:"usage"`
	} `json:"metadata,omitempty"`
}

type eventIterator struct {
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

func (s *eventIterator) Next() (*types.Chunk, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}

		if ev.ContentBlockDelta != nil && ev.ContentBlockDelta.Delta.Text != "" {
			text := ev.ContentBlockDelta.Delta.Text
			s.content.WriteString(text)
			out := &types.Chunk{Content: text, Provider: ProviderName, Model: s.model, ChunkIndex: s.idx}
			s.idx++
			return out, nil
		}
		if ev.MetadataEvent != nil {
			s.inputTokens = ev.MetadataEvent.Usage.InputTokens
			s.outputTokens = ev.MetadataEvent.Usage.OutputTokens
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, errs.Newf(errs.TimeoutTransport, "stream read: %v", err).WithProvider(ProviderName, s.model)
	}
	return s.finalChunk(), io.EOF
}

func (s *eventIterator) finalChunk() *types.Chunk {
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

func (s *eventIterator) Close() error { return s.body.Close() }

type rate struct{ input, output float64 }

// bedrockRates keys costs by model ID since Bedrock prices vary per
// foundation model vendor, not per provider.
var bedrockRates = map[string]rate{
	"anthropic.claude-3-5-sonnet-20241022-v2:0": {input: 3.0, output: 15.0},
	"anthropic.claude-3-opus-20240229-v1:0":     {input: 15.0, output: 75.0},
	"anthropic.claude-3-haiku-20240307-v1:0":    {input: 0.25, output: 1.25},
	"amazon.titan-text-express-v1":              {input: 0.2, output: 0.6},
}

// CalculateCost implements provider.Provider.
func (p *Provider) CalculateCost(inputTokens, outputTokens int, model string) float64 {
	r, ok := bedrockRates[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)*r.input + float64(outputTokens)*r.output) / 1_000_000
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
		Message string `json:"message"`
	}
	message := "unknown error"
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		message = parsed.Message
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
