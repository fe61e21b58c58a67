package router

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/axiom-router/modelrouter/internal/provider"
	"github.com/axiom-router/modelrouter/pkg/errs"
	"github.com/axiom-router/modelrouter/pkg/types"
)

// dispatch walks candidates in order, retrying within one candidate and
// falling back to the next on a terminal-but-fallback-eligible error, per
// spec section 4.11 step 6.
func (r *Router) dispatch(ctx context.Context, role string, candidates []types.Candidate, messages []types.Message, opts types.Options) (types.Response, error) {
	var lastErr *errs.RouterError

	for i, cand := range candidates {
		resp, err := r.attemptCandidate(ctx, role, cand, messages, opts)
		if err == nil {
			return resp, nil
		}

		re, ok := errs.As(err)
		if !ok {
			re = errs.Wrap(errs.Internal, err, "unexpected adapter error")
		}
		re = re.WithProvider(cand.Provider, cand.Model)
		if lastErr != nil {
			re = re.Chain(lastErr)
		}
		lastErr = re

		if re.Kind == errs.Cancelled {
			break
		}
		if i < len(candidates)-1 && re.Kind.TriggersFallback() {
			r.metrics.RecordFallback(cand.Provider, role)
			continue
		}
		break
	}

	return types.Response{}, lastErr
}

// attemptCandidate runs up to Options.MaxAttempts chat calls against one
// (provider, model), sleeping with exponential backoff between retryable
// failures, per spec section 4.11.
func (r *Router) attemptCandidate(ctx context.Context, role string, cand types.Candidate, messages []types.Message, opts types.Options) (types.Response, error) {
	adapter, err := r.registry.Get(cand.Provider)
	if err != nil {
		return types.Response{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.BaseBackoff
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt < r.opts.MaxAttempts; attempt++ {
		resp, err := r.dispatchOnce(ctx, role, cand, adapter, messages, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		re, ok := errs.As(err)
		retryable := ok && re.Kind != errs.Cancelled && adapter.IsRetryableError(err)
		if !retryable || attempt == r.opts.MaxAttempts-1 {
			break
		}

		r.metrics.RecordRetry(cand.Provider, role)
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return types.Response{}, errs.Wrap(errs.Cancelled, ctx.Err(), "cancelled during retry backoff")
		}
	}
	return types.Response{}, lastErr
}

// dispatchOnce schedules a single rate-limited call against candidate
// and classifies the result.
func (r *Router) dispatchOnce(ctx context.Context, role string, cand types.Candidate, adapter provider.Provider, messages []types.Message, opts types.Options) (types.Response, error) {
	release, err := r.limiter.Schedule(ctx, cand.Provider)
	if err != nil {
		return types.Response{}, wrapContextErr(err, "rate limiter wait cancelled")
	}

	start := time.Now()
	resp, callErr := adapter.Chat(ctx, cand.Model, messages, opts)
	latency := time.Since(start)
	release()

	r.metrics.RecordDispatchLatency(cand.Provider, role, float64(latency.Milliseconds()))

	if callErr != nil {
		r.metrics.RecordCall(cand.Provider, role, false)
		if _, ok := errs.As(callErr); !ok {
			callErr = errs.Wrap(classifyTransportErr(callErr), callErr, "adapter transport error")
		}
		return types.Response{}, callErr
	}

	resp.Latency = latency
	if resp.Model == "" {
		resp.Model = cand.Model
	}
	if resp.Provider == "" {
		resp.Provider = cand.Provider
	}
	if resp.Cost == 0 {
		resp.Cost = adapter.CalculateCost(resp.Tokens.Input, resp.Tokens.Output, cand.Model)
	}
	r.metrics.RecordCall(cand.Provider, role, true)
	return *resp, nil
}

func classifyTransportErr(err error) errs.Kind {
	if err == context.Canceled {
		return errs.Cancelled
	}
	if err == context.DeadlineExceeded {
		return errs.TimeoutTransport
	}
	return errs.ServerError
}
