package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiom-router/modelrouter/internal/queue"
	"github.com/axiom-router/modelrouter/pkg/errs"
	"github.com/axiom-router/modelrouter/pkg/types"
)

// gate turns the queue's Enqueue/Dequeue pair into a blocking admission
// ticket: a caller enqueues and waits on a channel that the gate's
// background loop closes, in priority order, as soon as it dequeues that
// caller's id. The queue enforces ordering and the maxSize backpressure
// cap; concurrency itself is enforced downstream by the rate limiter, so
// the loop drains as fast as it can rather than throttling admission.
type gate struct {
	q      *queue.Queue
	logger *slog.Logger

	mu     sync.Mutex
	ready  map[string]chan error
	wake   chan struct{}
	stop   chan struct{}
	paused atomic.Bool
}

func newGate(q *queue.Queue, logger *slog.Logger) *gate {
	g := &gate{
		q:      q,
		logger: logger,
		ready:  make(map[string]chan error),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go g.loop()
	return g
}

func (g *gate) loop() {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-g.wake:
		case <-ticker.C:
		}
		if g.paused.Load() {
			continue
		}
		g.drain()
	}
}

func (g *gate) drain() {
	for {
		id, _, ok := g.q.Dequeue()
		if !ok {
			return
		}
		g.mu.Lock()
		ch, exists := g.ready[id]
		delete(g.ready, id)
		g.mu.Unlock()
		if exists {
			ch <- nil
		}
	}
}

func (g *gate) nudge() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// await enqueues id at priority and blocks until the gate's loop dequeues
// it, ctx is cancelled, or timeout elapses.
func (g *gate) await(ctx context.Context, id string, priority types.Priority, timeout time.Duration) error {
	ch := make(chan error, 1)
	g.mu.Lock()
	g.ready[id] = ch
	g.mu.Unlock()

	if err := g.q.Enqueue(id, priority, nil); err != nil {
		g.mu.Lock()
		delete(g.ready, id)
		g.mu.Unlock()
		return err
	}
	g.nudge()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		g.abandon(id)
		return errs.Wrap(errs.Cancelled, ctx.Err(), "call cancelled while queued")
	case <-timeoutCh:
		g.abandon(id)
		return errs.New(errs.TimeoutQueue, "timed out waiting in queue")
	}
}

func (g *gate) abandon(id string) {
	g.mu.Lock()
	delete(g.ready, id)
	g.mu.Unlock()
	g.q.Remove(id)
}

// pause stops the loop from dequeuing new entries; entries already
// admitted continue to run.
func (g *gate) pause() { g.paused.Store(true) }

// resume re-enables dequeuing.
func (g *gate) resume() {
	g.paused.Store(false)
	g.nudge()
}

// clear empties the queue and fails every waiter currently blocked in
// await, for the admin "clean queue" operation.
func (g *gate) clear() {
	g.mu.Lock()
	pending := g.ready
	g.ready = make(map[string]chan error)
	g.mu.Unlock()

	err := errs.New(errs.QueueFull, "queue cleared by administrator")
	for _, ch := range pending {
		ch <- err
	}
	g.q.Clear()
}

func (g *gate) close() {
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
}
