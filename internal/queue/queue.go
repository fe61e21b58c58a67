// Package queue implements the router's three-level priority queue: bounded
// FIFO lanes for HIGH, NORMAL, and LOW priority requests, dequeued strictly
// in that class order with FIFO ordering preserved within each class.
package queue

import (
	"sync"
	"time"

	"github.com/axiom-router/modelrouter/pkg/errs"
	"github.com/axiom-router/modelrouter/pkg/types"
)

// Status describes the lifecycle state of a queued entry.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// entry is one enqueued request. Item is opaque to the queue — it is
// whatever the router wants handed back on Dequeue.
type entry struct {
	id         string
	priority   types.Priority
	item       any
	enqueuedAt time.Time
	status     Status
}

const waitSampleWindow = 1000

// Metrics is a point-in-time snapshot of queue activity.
type Metrics struct {
	TotalEnqueued int64
	TotalDequeued int64
	TotalDropped  int64
	DepthByPriority map[types.Priority]int
	AverageWaitMs   float64
}

// Queue is the bounded three-lane priority queue described in spec section
// 4.4. maxSize bounds the combined depth across all three lanes.
type Queue struct {
	mu       sync.Mutex
	maxSize  int
	lanes    map[types.Priority][]*entry
	byID     map[string]*entry
	order    []types.Priority

	totalEnqueued int64
	totalDequeued int64
	totalDropped  int64
	waitSamples   []float64
	waitIdx       int
}

// New constructs a Queue with the given combined capacity. maxSize <= 0
// means unbounded.
func New(maxSize int) *Queue {
	return &Queue{
		maxSize: maxSize,
		lanes: map[types.Priority][]*entry{
			types.PriorityHigh:   nil,
			types.PriorityNormal: nil,
			types.PriorityLow:    nil,
		},
		byID:  make(map[string]*entry),
		order: []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow},
	}
}

func (q *Queue) depth() int {
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// Enqueue admits item under id at the given priority. It fails with
// QUEUE_FULL (non-retryable) once combined depth reaches maxSize.
func (q *Queue) Enqueue(id string, priority types.Priority, item any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && q.depth() >= q.maxSize {
		q.totalDropped++
		return errs.New(errs.QueueFull, "request queue is at capacity")
	}

	e := &entry{id: id, priority: priority, item: item, enqueuedAt: time.Now(), status: StatusQueued}
	q.lanes[priority] = append(q.lanes[priority], e)
	q.byID[id] = e
	q.totalEnqueued++
	return nil
}

// Dequeue removes and returns the next entry, preferring HIGH, then
// NORMAL, then LOW, FIFO within each lane. ok is false when every lane is
// empty.
func (q *Queue) Dequeue() (id string, item any, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range q.order {
		lane := q.lanes[p]
		if len(lane) == 0 {
			continue
		}
		e := lane[0]
		q.lanes[p] = lane[1:]
		e.status = StatusProcessing
		q.totalDequeued++
		q.recordWait(time.Since(e.enqueuedAt))
		return e.id, e.item, true
	}
	return "", nil, false
}

func (q *Queue) recordWait(d time.Duration) {
	ms := float64(d.Milliseconds())
	if len(q.waitSamples) < waitSampleWindow {
		q.waitSamples = append(q.waitSamples, ms)
		return
	}
	q.waitSamples[q.waitIdx] = ms
	q.waitIdx = (q.waitIdx + 1) % waitSampleWindow
}

// MarkCompleted and MarkFailed update an entry's terminal status for
// RequestStatus observers; the entry stays in byID bookkeeping so a later
// status check still resolves.
func (q *Queue) MarkCompleted(id string) { q.setStatus(id, StatusCompleted) }
func (q *Queue) MarkFailed(id string)    { q.setStatus(id, StatusFailed) }

func (q *Queue) setStatus(id string, s Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.byID[id]; ok {
		e.status = s
	}
}

// CurrentDepth returns the combined depth across all three lanes.
func (q *Queue) CurrentDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth()
}

// DepthByPriority returns the current depth of each lane.
func (q *Queue) DepthByPriority() map[types.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[types.Priority]int, 3)
	for _, p := range q.order {
		out[p] = len(q.lanes[p])
	}
	return out
}

// Metrics returns a snapshot of enqueue/dequeue/drop totals, per-priority
// depth, and the rolling average wait time over the last ~1000 dequeues.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	var sum float64
	for _, v := range q.waitSamples {
		sum += v
	}
	avg := 0.0
	if len(q.waitSamples) > 0 {
		avg = sum / float64(len(q.waitSamples))
	}

	depths := make(map[types.Priority]int, 3)
	for _, p := range q.order {
		depths[p] = len(q.lanes[p])
	}

	return Metrics{
		TotalEnqueued:   q.totalEnqueued,
		TotalDequeued:   q.totalDequeued,
		TotalDropped:    q.totalDropped,
		DepthByPriority: depths,
		AverageWaitMs:   avg,
	}
}

// RequestStatus reports the current lifecycle state of id, its position
// within its lane when still queued (1-indexed), and an estimated wait in
// milliseconds derived from the rolling average. ok is false for an
// unknown id.
func (q *Queue) RequestStatus(id string) (status Status, position int, estimatedWaitMs float64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, found := q.byID[id]
	if !found {
		return "", 0, 0, false
	}
	if e.status != StatusQueued {
		return e.status, 0, 0, true
	}

	lane := q.lanes[e.priority]
	pos := -1
	for i, le := range lane {
		if le.id == id {
			pos = i + 1
			break
		}
	}

	var sum float64
	for _, v := range q.waitSamples {
		sum += v
	}
	avg := 0.0
	if len(q.waitSamples) > 0 {
		avg = sum / float64(len(q.waitSamples))
	}

	return e.status, pos, avg * float64(pos), true
}

// Remove drops id from its lane before it is dequeued. ok is false if id
// was not found queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, found := q.byID[id]
	if !found || e.status != StatusQueued {
		return false
	}
	lane := q.lanes[e.priority]
	for i, le := range lane {
		if le.id == id {
			q.lanes[e.priority] = append(lane[:i], lane[i+1:]...)
			delete(q.byID, id)
			return true
		}
	}
	return false
}

// Clear empties every lane and marks the discarded entries failed; they
// stay in byID bookkeeping, so RequestStatus reports them as failed.
// Enqueue/dequeue totals and wait samples survive a Clear.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.order {
		for _, e := range q.lanes[p] {
			e.status = StatusFailed
		}
		q.lanes[p] = nil
	}
}
