// Package ratelimit enforces per-provider concurrency caps, minimum
// inter-request spacing, and an optional token-bucket reservoir, matching
// the scheduling contract every dispatch attempt must pass through before
// a provider call is allowed to start.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Spec configures a single provider's limiter.
type Spec struct {
	// MaxConcurrent caps simultaneously in-flight calls. Zero means
	// unlimited concurrency.
	MaxConcurrent int
	// MinTime is the minimum elapsed time between dispatch starts.
	MinTime time.Duration
	// Reservoir, when > 0 and Interval > 0, enables a token-bucket cap:
	// Reservoir tokens, refilled by RefillPerInterval every Interval (the
	// full Reservoir when RefillPerInterval <= 0).
	Reservoir          int
	RefillPerInterval  int
	Interval           time.Duration
}

// semaphore is a FIFO-waiter counting semaphore; a cancelled waiter is
// removed from the queue and releases no slot, so cancellation never
// counts toward minTime or concurrency.
type semaphore struct {
	mu       sync.Mutex
	capacity int
	current  int
	waiters  []chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	return &semaphore{capacity: capacity}
}

func (s *semaphore) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity <= 0 || s.current < s.capacity {
		s.current++
		return true
	}
	return false
}

func (s *semaphore) acquire(ctx context.Context) error {
	if s.tryAcquire() {
		return nil
	}

	s.mu.Lock()
	waiter := make(chan struct{})
	s.waiters = append(s.waiters, waiter)
	s.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == waiter {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *semaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(w)
		return
	}
	if s.current > 0 {
		s.current--
	}
}

// providerState holds the per-provider scheduling state: a concurrency
// semaphore, the minTime gate, and an optional reservoir.
type providerState struct {
	spec      Spec
	sem       *semaphore
	mu        sync.Mutex
	lastStart time.Time
	reservoir *rate.Limiter
}

func newProviderState(spec Spec) *providerState {
	ps := &providerState{spec: spec, sem: newSemaphore(spec.MaxConcurrent)}
	if spec.Reservoir > 0 && spec.Interval > 0 {
		interval := spec.Interval
		refill := spec.RefillPerInterval
		if refill <= 0 {
			refill = spec.Reservoir
		}
		perSecond := rate.Limit(float64(refill) / interval.Seconds())
		ps.reservoir = rate.NewLimiter(perSecond, spec.Reservoir)
	}
	return ps
}

// Release is returned by Schedule; the caller must invoke it exactly once
// after the provider call completes (success or failure) to free the
// concurrency slot for the next waiter.
type Release func()

// Limiter tracks one providerState per provider and implements the
// three-step acquisition in spec order: concurrency slot, minTime
// spacing, reservoir token.
type Limiter struct {
	mu        sync.RWMutex
	providers map[string]*providerState
}

// New constructs an empty Limiter. Call Configure per provider before
// Schedule is first called for it; an unconfigured provider has no caps.
func New() *Limiter {
	return &Limiter{providers: make(map[string]*providerState)}
}

// Configure installs (or replaces) the Spec for a provider. Safe to call
// while Schedule calls for the same provider are outstanding; in-flight
// acquisitions keep referencing the providerState they started with.
func (l *Limiter) Configure(provider string, spec Spec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.providers[provider] = newProviderState(spec)
}

func (l *Limiter) state(provider string) *providerState {
	l.mu.RLock()
	ps, ok := l.providers[provider]
	l.mu.RUnlock()
	if ok {
		return ps
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ps, ok = l.providers[provider]; ok {
		return ps
	}
	ps = newProviderState(Spec{})
	l.providers[provider] = ps
	return ps
}

// Schedule blocks until provider is clear to start a dispatch attempt:
// it acquires a concurrency slot, then waits out any remaining minTime
// since the provider's previous dispatch start, then (if a reservoir is
// configured) waits for a token. It returns a Release to call when the
// call completes, or an error if ctx is cancelled while waiting.
func (l *Limiter) Schedule(ctx context.Context, provider string) (Release, error) {
	ps := l.state(provider)

	if err := ps.sem.acquire(ctx); err != nil {
		return nil, err
	}

	if ps.spec.MinTime > 0 {
		ps.mu.Lock()
		wait := time.Until(ps.lastStart.Add(ps.spec.MinTime))
		ps.mu.Unlock()
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				ps.sem.release()
				return nil, ctx.Err()
			}
		}
	}

	if ps.reservoir != nil {
		if err := ps.reservoir.Wait(ctx); err != nil {
			ps.sem.release()
			return nil, err
		}
	}

	ps.mu.Lock()
	ps.lastStart = time.Now()
	ps.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(ps.sem.release)
	}, nil
}

// InFlight returns the provider's current in-flight call count, for
// metrics and admin introspection.
func (l *Limiter) InFlight(provider string) int {
	ps := l.state(provider)
	ps.sem.mu.Lock()
	defer ps.sem.mu.Unlock()
	return ps.sem.current
}
