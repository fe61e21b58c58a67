// Package metrics implements the router's in-memory Prometheus collector.
// Unlike a package of promauto globals, Collector is a constructor-built
// value: each router instance owns its own prometheus.Registry, so tests
// and multi-tenant callers can construct many independent routers without
// metric name collisions or cross-instance leakage.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "modelrouter"

// latencyBuckets covers sub-millisecond dispatch through multi-minute
// queue waits under backpressure.
var latencyBuckets = []float64{
	5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000,
}

// Collector is the per-(provider, role) counters and latency histograms
// of spec section 4.9.
type Collector struct {
	registry *prometheus.Registry

	callsTotal          *prometheus.CounterVec
	callsSuccess        *prometheus.CounterVec
	callsFailed         *prometheus.CounterVec
	retriesTotal        *prometheus.CounterVec
	fallbackActivations *prometheus.CounterVec
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter
	queueWaitMs         *prometheus.HistogramVec
	dispatchLatencyMs   *prometheus.HistogramVec

	mu   sync.RWMutex
	seen map[[2]string]struct{}
}

// New constructs a Collector with its own registry. Pass the returned
// Registry to an HTTP handler (promhttp.HandlerFor) to expose /metrics,
// or call Snapshot for an in-process view.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		seen:     make(map[[2]string]struct{}),

		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_total", Help: "Total dispatch attempts.",
		}, []string{"provider", "role"}),
		callsSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_success_total", Help: "Successful dispatch attempts.",
		}, []string{"provider", "role"}),
		callsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_failed_total", Help: "Failed dispatch attempts.",
		}, []string{"provider", "role"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total", Help: "Retry attempts against the same candidate.",
		}, []string{"provider", "role"}),
		fallbackActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fallback_activations_total", Help: "Times dispatch advanced to the next fallback candidate.",
		}, []string{"provider", "role"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total", Help: "Response cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total", Help: "Response cache misses.",
		}),
		queueWaitMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "queue_wait_ms", Help: "Time spent queued before dispatch, in milliseconds.",
			Buckets: latencyBuckets,
		}, []string{"provider", "role"}),
		dispatchLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dispatch_latency_ms", Help: "Upstream dispatch latency, in milliseconds.",
			Buckets: latencyBuckets,
		}, []string{"provider", "role"}),
	}

	reg.MustRegister(
		c.callsTotal, c.callsSuccess, c.callsFailed, c.retriesTotal, c.fallbackActivations,
		c.cacheHits, c.cacheMisses, c.queueWaitMs, c.dispatchLatencyMs,
	)
	return c
}

// Registry exposes the underlying prometheus.Registry for wiring into an
// HTTP /metrics endpoint.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) track(provider, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[[2]string{provider, role}] = struct{}{}
}

// RecordCall increments callsTotal and either callsSuccess or
// callsFailed for (provider, role).
func (c *Collector) RecordCall(provider, role string, success bool) {
	c.track(provider, role)
	c.callsTotal.WithLabelValues(provider, role).Inc()
	if success {
		c.callsSuccess.WithLabelValues(provider, role).Inc()
	} else {
		c.callsFailed.WithLabelValues(provider, role).Inc()
	}
}

// RecordRetry increments retriesTotal for (provider, role).
func (c *Collector) RecordRetry(provider, role string) {
	c.track(provider, role)
	c.retriesTotal.WithLabelValues(provider, role).Inc()
}

// RecordFallback increments fallbackActivations for (provider, role) —
// the candidate being abandoned, not the one about to be tried.
func (c *Collector) RecordFallback(provider, role string) {
	c.track(provider, role)
	c.fallbackActivations.WithLabelValues(provider, role).Inc()
}

// RecordCacheHit increments the global cache hit counter.
func (c *Collector) RecordCacheHit() { c.cacheHits.Inc() }

// RecordCacheMiss increments the global cache miss counter.
func (c *Collector) RecordCacheMiss() { c.cacheMisses.Inc() }

// RecordQueueWait observes a queue wait duration for (provider, role).
func (c *Collector) RecordQueueWait(provider, role string, ms float64) {
	c.track(provider, role)
	c.queueWaitMs.WithLabelValues(provider, role).Observe(ms)
}

// RecordDispatchLatency observes a dispatch latency for (provider, role).
func (c *Collector) RecordDispatchLatency(provider, role string, ms float64) {
	c.track(provider, role)
	c.dispatchLatencyMs.WithLabelValues(provider, role).Observe(ms)
}

// Snapshot is an immutable point-in-time view of a single (provider,
// role) pair's counters, for admin introspection without round-tripping
// through the Prometheus text format.
type Snapshot struct {
	Provider            string
	Role                string
	CallsTotal          float64
	CallsSuccess        float64
	CallsFailed         float64
	RetriesTotal        float64
	FallbackActivations float64
}

// Snapshot produces an immutable view of every (provider, role) pair
// observed so far.
func (c *Collector) Snapshot() []Snapshot {
	c.mu.RLock()
	pairs := make([][2]string, 0, len(c.seen))
	for k := range c.seen {
		pairs = append(pairs, k)
	}
	c.mu.RUnlock()

	out := make([]Snapshot, 0, len(pairs))
	for _, pair := range pairs {
		provider, role := pair[0], pair[1]
		out = append(out, Snapshot{
			Provider:            provider,
			Role:                role,
			CallsTotal:          counterValue(c.callsTotal.WithLabelValues(provider, role)),
			CallsSuccess:        counterValue(c.callsSuccess.WithLabelValues(provider, role)),
			CallsFailed:         counterValue(c.callsFailed.WithLabelValues(provider, role)),
			RetriesTotal:        counterValue(c.retriesTotal.WithLabelValues(provider, role)),
			FallbackActivations: counterValue(c.fallbackActivations.WithLabelValues(provider, role)),
		})
	}
	return out
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// CacheSnapshot reports the global cache hit/miss counters.
type CacheSnapshot struct {
	Hits   float64
	Misses float64
}

// CacheSnapshot returns the current cache hit/miss totals.
func (c *Collector) CacheSnapshot() CacheSnapshot {
	return CacheSnapshot{Hits: counterValue(c.cacheHits), Misses: counterValue(c.cacheMisses)}
}
