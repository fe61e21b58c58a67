package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSchedule_RespectsMaxConcurrent(t *testing.T) {
	l := New()
	l.Configure("p", Spec{MaxConcurrent: 2})

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Schedule(context.Background(), "p")
			if err != nil {
				t.Errorf("Schedule() error = %v", err)
				return
			}
			defer release()

			mu.Lock()
			if cur := l.InFlight("p"); cur > maxSeen {
				maxSeen = cur
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
		}()
	}
	wg.Wait()

	if maxSeen > 2 {
		t.Errorf("maxSeen in-flight = %d, want <= 2", maxSeen)
	}
}

func TestSchedule_MinTimeSpacing(t *testing.T) {
	l := New()
	l.Configure("p", Spec{MaxConcurrent: 10, MinTime: 30 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := l.Schedule(context.Background(), "p")
		if err != nil {
			t.Fatalf("Schedule() error = %v", err)
		}
		release()
	}
	elapsed := time.Since(start)

	if elapsed < 55*time.Millisecond {
		t.Errorf("elapsed = %v, want >= ~60ms for 3 dispatches spaced 30ms apart", elapsed)
	}
}

func TestSchedule_ContextCancelDoesNotHoldSlot(t *testing.T) {
	l := New()
	l.Configure("p", Spec{MaxConcurrent: 1})

	release, err := l.Schedule(context.Background(), "p")
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = l.Schedule(ctx, "p")
	if err != context.DeadlineExceeded {
		t.Errorf("Schedule() error = %v, want DeadlineExceeded", err)
	}

	release()

	release2, err := l.Schedule(context.Background(), "p")
	if err != nil {
		t.Fatalf("Schedule() after release error = %v", err)
	}
	release2()
}

func TestSchedule_ReservoirBlocksUntilRefill(t *testing.T) {
	l := New()
	l.Configure("p", Spec{
		MaxConcurrent:     10,
		Reservoir:         1,
		RefillPerInterval: 1,
		Interval:          50 * time.Millisecond,
	})

	release, err := l.Schedule(context.Background(), "p")
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	release()

	start := time.Now()
	release2, err := l.Schedule(context.Background(), "p")
	if err != nil {
		t.Fatalf("second Schedule() error = %v", err)
	}
	release2()
	elapsed := time.Since(start)

	if elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, want the second call to wait for reservoir refill", elapsed)
	}
}

func TestSchedule_UnconfiguredProviderIsUnlimited(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Schedule(context.Background(), "unconfigured")
			if err != nil {
				t.Errorf("Schedule() error = %v", err)
				return
			}
			release()
		}()
	}
	wg.Wait()
}
