// Package router implements the Model Router core of spec section 4.11:
// role resolution, cache lookup with coalescing, prompt templating,
// priority queueing, per-provider rate limiting, and the retry/fallback
// dispatch loop, with cost/token/metrics recording on every outcome.
package router

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/axiom-router/modelrouter/internal/cache"
	"github.com/axiom-router/modelrouter/internal/config"
	costtrack "github.com/axiom-router/modelrouter/internal/cost"
	"github.com/axiom-router/modelrouter/internal/metrics"
	"github.com/axiom-router/modelrouter/internal/provider"
	"github.com/axiom-router/modelrouter/internal/queue"
	"github.com/axiom-router/modelrouter/internal/ratelimit"
	"github.com/axiom-router/modelrouter/internal/template"
	tokentrack "github.com/axiom-router/modelrouter/internal/tokens"
	"github.com/axiom-router/modelrouter/pkg/errs"
	"github.com/axiom-router/modelrouter/pkg/types"
)

// Options tunes behavior spec.md leaves as implementation-defined
// constants: retry attempts within one candidate, backoff base, and the
// maximum time a call may wait queued before TIMEOUT_QUEUE.
type Options struct {
	MaxAttempts      int
	BaseBackoff      time.Duration
	QueueWaitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 200 * time.Millisecond
	}
	if o.QueueWaitTimeout <= 0 {
		o.QueueWaitTimeout = 30 * time.Second
	}
	return o
}

// Params are the constructor-injected collaborators of spec section
// 5's ownership model: the Router is the sole owner of each, none of
// them hold a back-reference to the Router or to each other.
type Params struct {
	Config    *config.Manager
	Registry  *provider.Registry
	Queue     *queue.Queue
	Limiter   *ratelimit.Limiter
	Cache     *cache.Handler
	Templates *template.Manager
	Costs     *costtrack.Tracker
	Tokens    *tokentrack.Tracker
	Metrics   *metrics.Collector
	Logger    *slog.Logger
	Tracer    trace.Tracer // optional; nil disables spans
	Options   Options
}

// Router is the Model Router. All fields are constructor-injected; Router
// performs no construction of its own collaborators.
type Router struct {
	cfg       *config.Manager
	registry  *provider.Registry
	q         *queue.Queue
	limiter   *ratelimit.Limiter
	cache     *cache.Handler
	templates *template.Manager
	costs     *costtrack.Tracker
	tokens    *tokentrack.Tracker
	metrics   *metrics.Collector
	logger    *slog.Logger
	tracer    trace.Tracer
	opts      Options

	gate *gate
}

// New constructs a Router from already-built collaborators.
func New(p Params) *Router {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	r := &Router{
		cfg:       p.Config,
		registry:  p.Registry,
		q:         p.Queue,
		limiter:   p.Limiter,
		cache:     p.Cache,
		templates: p.Templates,
		costs:     p.Costs,
		tokens:    p.Tokens,
		metrics:   p.Metrics,
		logger:    p.Logger,
		tracer:    p.Tracer,
		opts:      p.Options.withDefaults(),
	}
	r.gate = newGate(p.Queue, p.Logger)
	return r
}

// RegisterProvider adds (or replaces) a provider adapter under name.
func (r *Router) RegisterProvider(name string, p provider.Provider) {
	r.registry.Register(name, p)
}

// UpdatePricing updates the $/1M-token rate for (provider, model).
func (r *Router) UpdatePricing(providerName, model string, rate config.ModelRate) {
	r.cfg.UpdatePricing(providerName, model, rate)
}

// SetFeatureFlag sets a named feature flag.
func (r *Router) SetFeatureFlag(name string, enabled bool) {
	r.cfg.SetFeatureFlag(name, enabled)
}

// GetMetrics returns the current metrics snapshot.
func (r *Router) GetMetrics() []metrics.Snapshot {
	return r.metrics.Snapshot()
}

// PauseQueue stops admitting newly dequeued entries to dispatch; entries
// already running continue.
func (r *Router) PauseQueue() { r.gate.pause() }

// ResumeQueue re-enables queue admission.
func (r *Router) ResumeQueue() { r.gate.resume() }

// ClearQueue discards every queued entry and fails any caller currently
// waiting on one.
func (r *Router) ClearQueue() { r.gate.clear() }

// QueueMetrics returns the underlying queue's observable metrics.
func (r *Router) QueueMetrics() queue.Metrics { return r.q.Metrics() }

// Templates exposes the template manager for admin introspection
// (listing names, forcing a reload).
func (r *Router) Templates() *template.Manager { return r.templates }

// Costs exposes the cost tracker for admin summaries.
func (r *Router) Costs() *costtrack.Tracker { return r.costs }

// Shutdown stops the router's background goroutines (queue gate,
// template watcher) and closes its cache.
func (r *Router) Shutdown() error {
	r.gate.close()
	if err := r.templates.Close(); err != nil {
		r.logger.Warn("template manager close failed", "error", err)
	}
	return r.cache.Close()
}

// Call dispatches a role-based request and returns its response.
func (r *Router) Call(ctx context.Context, role string, messages []types.Message, opts types.Options) (types.Response, error) {
	return r.CallByRole(ctx, role, messages, opts)
}

// CallByRole implements the non-streaming algorithm of spec section
// 4.11: validate, resolve role, render template, cache lookup, queue,
// dispatch with retry/fallback, then record cost/tokens and cache the
// result.
func (r *Router) CallByRole(ctx context.Context, role string, messages []types.Message, opts types.Options) (types.Response, error) {
	if err := provider.ValidateMessages(messages); err != nil {
		return types.Response{}, err
	}

	cfg := r.cfg.Get()
	rm, err := cfg.ResolveRole(role)
	if err != nil {
		return types.Response{}, err
	}

	ctx, span := r.startSpan(ctx, "router.Call", rm.Primary)
	defer span.End()

	messages, err = r.applyTemplate(messages, opts)
	if err != nil {
		span.RecordError(err)
		return types.Response{}, err
	}

	candidates := append([]types.Candidate{rm.Primary}, rm.Fallbacks...)
	wantsCache := opts.WantsCache() && !opts.Stream

	if wantsCache {
		if resp, hit, lookupErr := r.cache.Lookup(ctx, rm.Primary.Model, messages, opts); lookupErr == nil && hit {
			r.metrics.RecordCacheHit()
			return *resp, nil
		}
		r.metrics.RecordCacheMiss()
	}

	fetch := func(ctx context.Context) (types.Response, error) {
		return r.dispatch(ctx, role, candidates, messages, opts)
	}

	// leader reports whether this caller actually ran fetch, as opposed to
	// sharing an in-flight coalesced call's result; only the leader
	// records cost/token metrics, so N concurrent identical callers never
	// inflate the aggregates for one upstream dispatch.
	leader := true
	work := fetch
	if wantsCache {
		work = func(ctx context.Context) (types.Response, error) {
			resp, isLeader, err := r.cache.Coalesce(ctx, rm.Primary.Model, messages, opts, func(ctx context.Context) (types.Response, error) {
				out, dispatchErr := fetch(ctx)
				if dispatchErr != nil {
					return types.Response{}, dispatchErr
				}
				if storeErr := r.cache.Store(ctx, rm.Primary.Model, messages, opts, out, cfg.CacheTTL()); storeErr != nil {
					r.logger.Warn("cache store failed", "error", storeErr)
				}
				return out, nil
			})
			leader = isLeader
			return resp, err
		}
	}

	resp, err := r.withQueue(ctx, rm.Primary.Provider, role, opts.Priority, work)
	if leader {
		r.recordOutcome(role, rm.Primary.Provider, rm.Primary.Model, resp, opts, err)
	}
	if err != nil {
		span.RecordError(err)
		return types.Response{}, err
	}
	return resp, nil
}

func (r *Router) recordOutcome(role, fallbackProvider, fallbackModel string, resp types.Response, opts types.Options, callErr error) {
	providerName, model := resp.Provider, resp.Model
	if providerName == "" {
		providerName = fallbackProvider
	}
	if model == "" {
		model = fallbackModel
	}
	status := "success"
	if callErr != nil {
		status = "failure"
	}

	if err := r.costs.Record(costtrack.Record{
		Provider:  providerName,
		Model:     model,
		Role:      role,
		ProjectID: opts.ProjectID,
		Input:     resp.Tokens.Input,
		Output:    resp.Tokens.Output,
		Cost:      resp.Cost,
		Latency:   resp.Latency,
		Status:    status,
		Timestamp: time.Now(),
	}); err != nil {
		r.logger.Warn("cost record failed", "error", err)
	}

	r.tokens.Record(tokentrack.Event{
		Provider:  providerName,
		Model:     model,
		Role:      role,
		ProjectID: opts.ProjectID,
		Input:     resp.Tokens.Input,
		Output:    resp.Tokens.Output,
	})
}

func (r *Router) startSpan(ctx context.Context, name string, cand types.Candidate) (context.Context, trace.Span) {
	if r.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("gen_ai.system", cand.Provider),
		attribute.String("gen_ai.request.model", cand.Model),
	))
}

// applyTemplate renders opts.TemplateName (if set) and replaces the last
// user message's content, per spec section 4.11 step 4; if no user
// message exists, the rendered text is appended as a new one.
func (r *Router) applyTemplate(messages []types.Message, opts types.Options) ([]types.Message, error) {
	if opts.TemplateName == "" {
		return messages, nil
	}
	rendered, err := r.templates.Render(opts.TemplateName, opts.TemplateVariables)
	if err != nil {
		return nil, err
	}

	out := make([]types.Message, len(messages))
	copy(out, messages)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == types.RoleUser {
			out[i].Content = rendered
			return out, nil
		}
	}
	return append(out, types.Message{Role: types.RoleUser, Content: rendered}), nil
}

// withQueue enqueues id at priority, waits for its turn (or
// TIMEOUT_QUEUE/CANCELLED), runs fn, and marks the queue entry completed
// or failed accordingly.
func (r *Router) withQueue(ctx context.Context, providerName, role string, priority types.Priority, fn func(context.Context) (types.Response, error)) (types.Response, error) {
	id := newRequestID()
	start := time.Now()
	if err := r.gate.await(ctx, id, priority, r.opts.QueueWaitTimeout); err != nil {
		return types.Response{}, err
	}
	r.metrics.RecordQueueWait(providerName, role, float64(time.Since(start).Milliseconds()))

	resp, err := fn(ctx)
	if err != nil {
		r.q.MarkFailed(id)
		return types.Response{}, err
	}
	r.q.MarkCompleted(id)
	return resp, nil
}

// wrapContextErr normalizes a context cancellation/deadline error from a
// collaborator (rate limiter, adapter transport) into the router's error
// taxonomy.
func wrapContextErr(err error, message string) error {
	if err == context.Canceled {
		return errs.Wrap(errs.Cancelled, err, message)
	}
	if err == context.DeadlineExceeded {
		return errs.Wrap(errs.TimeoutTransport, err, message)
	}
	return err
}
