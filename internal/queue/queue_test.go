package queue

import (
	"testing"

	"github.com/axiom-router/modelrouter/pkg/errs"
	"github.com/axiom-router/modelrouter/pkg/types"
)

func TestEnqueueDequeue_StrictPriorityOrder(t *testing.T) {
	q := New(100)

	mustEnqueue(t, q, "low-a", types.PriorityLow)
	mustEnqueue(t, q, "low-b", types.PriorityLow)
	mustEnqueue(t, q, "normal-c", types.PriorityNormal)
	mustEnqueue(t, q, "high-d", types.PriorityHigh)

	want := []string{"high-d", "normal-c", "low-a", "low-b"}
	for _, w := range want {
		id, _, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Dequeue() ok = false, want entry %q", w)
		}
		if id != w {
			t.Errorf("Dequeue() = %q, want %q", id, w)
		}
	}

	if _, _, ok := q.Dequeue(); ok {
		t.Error("Dequeue() on empty queue should return ok=false")
	}
}

func mustEnqueue(t *testing.T, q *Queue, id string, p types.Priority) {
	t.Helper()
	if err := q.Enqueue(id, p, id); err != nil {
		t.Fatalf("Enqueue(%q) error = %v", id, err)
	}
}

func TestEnqueue_QueueFullIsNonRetryable(t *testing.T) {
	q := New(2)
	mustEnqueue(t, q, "a", types.PriorityNormal)
	mustEnqueue(t, q, "b", types.PriorityNormal)

	err := q.Enqueue("c", types.PriorityNormal, "c")
	if err == nil {
		t.Fatal("Enqueue() beyond capacity should error")
	}
	re, ok := errs.As(err)
	if !ok || re.Kind != errs.QueueFull {
		t.Errorf("Enqueue() error kind = %v, want QUEUE_FULL", err)
	}
	if re.Kind.Retryable() {
		t.Error("QUEUE_FULL must be non-retryable")
	}
}

func TestDepthByPriority(t *testing.T) {
	q := New(10)
	mustEnqueue(t, q, "h1", types.PriorityHigh)
	mustEnqueue(t, q, "n1", types.PriorityNormal)
	mustEnqueue(t, q, "n2", types.PriorityNormal)
	mustEnqueue(t, q, "l1", types.PriorityLow)

	depths := q.DepthByPriority()
	if depths[types.PriorityHigh] != 1 || depths[types.PriorityNormal] != 2 || depths[types.PriorityLow] != 1 {
		t.Errorf("DepthByPriority() = %+v, want high=1 normal=2 low=1", depths)
	}
	if q.CurrentDepth() != 4 {
		t.Errorf("CurrentDepth() = %d, want 4", q.CurrentDepth())
	}
}

func TestRequestStatus_QueuedReportsPosition(t *testing.T) {
	q := New(10)
	mustEnqueue(t, q, "a", types.PriorityNormal)
	mustEnqueue(t, q, "b", types.PriorityNormal)

	status, pos, _, ok := q.RequestStatus("b")
	if !ok {
		t.Fatal("RequestStatus() ok = false")
	}
	if status != StatusQueued {
		t.Errorf("status = %v, want queued", status)
	}
	if pos != 2 {
		t.Errorf("position = %d, want 2", pos)
	}

	if _, _, _, ok := q.RequestStatus("unknown"); ok {
		t.Error("RequestStatus() for unknown id should return ok=false")
	}
}

func TestRequestStatus_AfterDequeue(t *testing.T) {
	q := New(10)
	mustEnqueue(t, q, "a", types.PriorityNormal)
	q.Dequeue()
	q.MarkCompleted("a")

	status, _, _, ok := q.RequestStatus("a")
	if !ok {
		t.Fatal("RequestStatus() ok = false")
	}
	if status != StatusCompleted {
		t.Errorf("status = %v, want completed", status)
	}
}

func TestRemove_OnlyAffectsQueuedEntries(t *testing.T) {
	q := New(10)
	mustEnqueue(t, q, "a", types.PriorityNormal)
	mustEnqueue(t, q, "b", types.PriorityNormal)

	if !q.Remove("a") {
		t.Error("Remove() on queued entry should return true")
	}
	if q.Remove("a") {
		t.Error("Remove() on already-removed entry should return false")
	}

	id, _, ok := q.Dequeue()
	if !ok || id != "b" {
		t.Errorf("Dequeue() = %q, ok=%v, want b", id, ok)
	}
}

func TestClear_DiscardsQueuedEntries(t *testing.T) {
	q := New(10)
	mustEnqueue(t, q, "a", types.PriorityHigh)
	mustEnqueue(t, q, "b", types.PriorityLow)

	q.Clear()

	if q.CurrentDepth() != 0 {
		t.Errorf("CurrentDepth() after Clear() = %d, want 0", q.CurrentDepth())
	}
	if _, _, ok := q.Dequeue(); ok {
		t.Error("Dequeue() after Clear() should return ok=false")
	}
}

func TestMetrics_TracksTotals(t *testing.T) {
	q := New(10)
	mustEnqueue(t, q, "a", types.PriorityNormal)
	mustEnqueue(t, q, "b", types.PriorityNormal)
	q.Dequeue()

	m := q.Metrics()
	if m.TotalEnqueued != 2 {
		t.Errorf("TotalEnqueued = %d, want 2", m.TotalEnqueued)
	}
	if m.TotalDequeued != 1 {
		t.Errorf("TotalDequeued = %d, want 1", m.TotalDequeued)
	}
	if m.DepthByPriority[types.PriorityNormal] != 1 {
		t.Errorf("DepthByPriority[normal] = %d, want 1", m.DepthByPriority[types.PriorityNormal])
	}
}
