package metrics

import "testing"

func TestRecordCall_UpdatesCountersAndSnapshot(t *testing.T) {
	c := New()
	c.RecordCall("openai", "chat", true)
	c.RecordCall("openai", "chat", true)
	c.RecordCall("openai", "chat", false)

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("len(Snapshot()) = %d, want 1", len(snap))
	}
	s := snap[0]
	if s.Provider != "openai" || s.Role != "chat" {
		t.Errorf("Snapshot()[0] = %+v, want provider=openai role=chat", s)
	}
	if s.CallsTotal != 3 || s.CallsSuccess != 2 || s.CallsFailed != 1 {
		t.Errorf("Snapshot()[0] = %+v, want total=3 success=2 failed=1", s)
	}
}

func TestRecordRetryAndFallback_TrackSeparatePairs(t *testing.T) {
	c := New()
	c.RecordRetry("anthropic", "summarize")
	c.RecordFallback("anthropic", "summarize")
	c.RecordCall("bedrock", "summarize", true)

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(snap))
	}

	var anthropic Snapshot
	for _, s := range snap {
		if s.Provider == "anthropic" {
			anthropic = s
		}
	}
	if anthropic.RetriesTotal != 1 || anthropic.FallbackActivations != 1 {
		t.Errorf("anthropic snapshot = %+v, want retries=1 fallback=1", anthropic)
	}
}

func TestCacheSnapshot_TracksHitsAndMisses(t *testing.T) {
	c := New()
	c.RecordCacheHit()
	c.RecordCacheHit()
	c.RecordCacheMiss()

	cs := c.CacheSnapshot()
	if cs.Hits != 2 || cs.Misses != 1 {
		t.Errorf("CacheSnapshot() = %+v, want hits=2 misses=1", cs)
	}
}

func TestRecordQueueWaitAndDispatchLatency_DoNotPanic(t *testing.T) {
	c := New()
	c.RecordQueueWait("openai", "chat", 12.5)
	c.RecordDispatchLatency("openai", "chat", 340)

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("len(Snapshot()) = %d, want 1", len(snap))
	}
}

func TestNew_ConstructsIndependentRegistries(t *testing.T) {
	c1 := New()
	c2 := New()
	c1.RecordCall("openai", "chat", true)

	if len(c2.Snapshot()) != 0 {
		t.Error("second Collector should not observe first Collector's recordings")
	}
	if c1.Registry() == c2.Registry() {
		t.Error("each Collector should own a distinct registry")
	}
}
