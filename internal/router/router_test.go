package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/axiom-router/modelrouter/internal/cache"
	"github.com/axiom-router/modelrouter/internal/config"
	costtrack "github.com/axiom-router/modelrouter/internal/cost"
	"github.com/axiom-router/modelrouter/internal/metrics"
	"github.com/axiom-router/modelrouter/internal/provider"
	"github.com/axiom-router/modelrouter/internal/provider/mock"
	"github.com/axiom-router/modelrouter/internal/queue"
	"github.com/axiom-router/modelrouter/internal/ratelimit"
	"github.com/axiom-router/modelrouter/internal/template"
	tokentrack "github.com/axiom-router/modelrouter/internal/tokens"
	"github.com/axiom-router/modelrouter/pkg/errs"
	"github.com/axiom-router/modelrouter/pkg/types"
)

const testYAML = `
templateDir: %s
cacheTTLms: 60000
queueMaxSize: 100
rateLimits:
  mock:
    maxConcurrent: 4
pricing:
  mock:
    primary-model: {input: 1, output: 2}
roleMappings:
  chat:
    primary:
      provider: mock
      model: primary-model
    fallbacks:
      - provider: mock
        model: fallback-model
featureFlags: {}
providerApiKeys: {}
`

type harness struct {
	router   *Router
	provider *mock.Provider
	metrics  *metrics.Collector
	costs    *costtrack.Tracker
	tokens   *tokentrack.Tracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	tmplDir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(fmt.Sprintf(testYAML, tmplDir))
	if err := os.WriteFile(cfgPath, body, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfgMgr, err := config.NewManager(cfgPath, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { cfgMgr.Close() })

	tmplMgr, err := template.New(tmplDir, nil)
	if err != nil {
		t.Fatalf("template.New() error = %v", err)
	}

	reg := provider.NewRegistry()
	mp, err := mock.New(provider.Config{})
	if err != nil {
		t.Fatalf("mock.New() error = %v", err)
	}
	mockProvider := mp.(*mock.Provider)
	reg.Register(mock.ProviderName, mockProvider)

	q := queue.New(100)
	limiter := ratelimit.New()
	limiter.Configure(mock.ProviderName, ratelimit.Spec{MaxConcurrent: 4})

	store := cache.NewMemoryStore(cache.MemoryStoreConfig{})
	cacheHandler := cache.NewHandler(store, time.Minute)

	m := metrics.New()
	costs := costtrack.New()
	tokens := tokentrack.New()

	r := New(Params{
		Config:    cfgMgr,
		Registry:  reg,
		Queue:     q,
		Limiter:   limiter,
		Cache:     cacheHandler,
		Templates: tmplMgr,
		Costs:     costs,
		Tokens:    tokens,
		Metrics:   m,
		Options: Options{
			MaxAttempts:      3,
			BaseBackoff:      5 * time.Millisecond,
			QueueWaitTimeout: time.Second,
		},
	})
	t.Cleanup(func() { r.Shutdown() })

	return &harness{router: r, provider: mockProvider, metrics: m, costs: costs, tokens: tokens}
}

func userMsg(content string) []types.Message {
	return []types.Message{{Role: types.RoleUser, Content: content}}
}

func TestCallByRole_CacheHitShortCircuitsDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp1, err := h.router.CallByRole(ctx, "chat", userMsg("hello"), types.Options{})
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	callsAfterFirst := h.provider.CallCount()

	resp2, err := h.router.CallByRole(ctx, "chat", userMsg("hello"), types.Options{})
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if h.provider.CallCount() != callsAfterFirst {
		t.Errorf("expected cache hit to skip dispatch, calls went from %d to %d", callsAfterFirst, h.provider.CallCount())
	}
	if resp2.Content != resp1.Content {
		t.Errorf("cached response content mismatch: %q vs %q", resp2.Content, resp1.Content)
	}

	snap := h.metrics.CacheSnapshot()
	if snap.Hits != 1 || snap.Misses != 1 {
		t.Errorf("CacheSnapshot() = %+v, want 1 hit and 1 miss", snap)
	}
}

func TestCallByRole_FallsBackToSecondCandidateOnPrimaryFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.SetBehavior("primary-model", mock.Behavior{
		FailTimes: 10,
		Err:       errs.New(errs.ServerError, "primary down"),
	})

	resp, err := h.router.CallByRole(ctx, "chat", userMsg("hi"), types.Options{UseCache: boolPtr(false)})
	if err != nil {
		t.Fatalf("CallByRole() error = %v", err)
	}
	if resp.Model != "fallback-model" {
		t.Errorf("resp.Model = %q, want fallback-model", resp.Model)
	}
}

func TestCallByRole_RetriesThenSucceedsWithinOneCandidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.SetBehavior("primary-model", mock.Behavior{
		FailTimes: 2,
		Err:       errs.New(errs.ServerError, "transient"),
	})

	resp, err := h.router.CallByRole(ctx, "chat", userMsg("retry me"), types.Options{UseCache: boolPtr(false)})
	if err != nil {
		t.Fatalf("CallByRole() error = %v", err)
	}
	if resp.Model != "primary-model" {
		t.Errorf("resp.Model = %q, want primary-model after retries succeed", resp.Model)
	}
	if h.provider.CallCount() != 3 {
		t.Errorf("CallCount() = %d, want 3 (2 failures + 1 success)", h.provider.CallCount())
	}
}

func TestCallByRole_RetryExhaustionFallsBackToNextCandidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.SetBehavior("primary-model", mock.Behavior{
		FailTimes: 100,
		Err:       errs.New(errs.ServerError, "always down"),
	})

	resp, err := h.router.CallByRole(ctx, "chat", userMsg("hi"), types.Options{UseCache: boolPtr(false)})
	if err != nil {
		t.Fatalf("CallByRole() error = %v", err)
	}
	if resp.Model != "fallback-model" {
		t.Errorf("resp.Model = %q, want fallback-model", resp.Model)
	}
}

func TestCallByRole_NonFallbackEligibleErrorStopsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.SetBehavior("primary-model", mock.Behavior{
		FailTimes: 100,
		Err:       errs.New(errs.Validation, "bad request"),
	})

	_, err := h.router.CallByRole(ctx, "chat", userMsg("hi"), types.Options{UseCache: boolPtr(false)})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if h.provider.CallCount() != 1 {
		t.Errorf("CallCount() = %d, want 1 (no retry, no fallback for validation error)", h.provider.CallCount())
	}
}

func TestCallByRole_ContextCancelledDuringCallReturnsCancelledKind(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.router.CallByRole(ctx, "chat", userMsg("hi"), types.Options{UseCache: boolPtr(false)})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	re, ok := errs.As(err)
	if !ok || re.Kind != errs.Cancelled {
		t.Errorf("error = %v, want kind CANCELLED", err)
	}
}

func TestCallByRole_UnknownRoleIsConfigError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.router.CallByRole(ctx, "does-not-exist", userMsg("hi"), types.Options{})
	re, ok := errs.As(err)
	if !ok || re.Kind != errs.Config {
		t.Errorf("err = %v, want Config kind", err)
	}
}

func TestStream_EmitsChunksAndTerminalMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	it, err := h.router.Stream(ctx, "chat", userMsg("stream me"), types.Options{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer it.Close()

	var chunks []*types.Chunk
	for {
		chunk, err := it.Next()
		if chunk != nil {
			chunks = append(chunks, chunk)
		}
		if err != nil {
			break
		}
	}

	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	last := chunks[len(chunks)-1]
	if !last.Done {
		t.Fatal("expected final chunk to have Done = true")
	}
	if last.Role != "chat" {
		t.Errorf("last.Role = %q, want chat", last.Role)
	}
	if _, ok := last.Metadata["correlationId"]; !ok {
		t.Error("expected final chunk metadata to carry correlationId")
	}
}

func TestQueueControls_PauseBlocksAdmissionUntilResumed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.router.PauseQueue()

	done := make(chan error, 1)
	go func() {
		_, err := h.router.CallByRole(ctx, "chat", userMsg("hi"), types.Options{UseCache: boolPtr(false)})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("call completed while queue paused")
	case <-time.After(50 * time.Millisecond):
	}

	h.router.ResumeQueue()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("CallByRole() error after resume = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("call did not complete after resuming queue")
	}
}

func boolPtr(b bool) *bool { return &b }
