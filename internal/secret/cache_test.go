package secret

import (
	"context"
	"testing"
	"time"
)

type countingProvider struct {
	calls  int
	values map[string]string
}

func (c *countingProvider) Get(ctx context.Context, path string) (string, error) {
	c.calls++
	return c.values[path], nil
}

func (c *countingProvider) Close() error { return nil }

func TestCachedProvider_SecondGetHitsCache(t *testing.T) {
	inner := &countingProvider{values: map[string]string{"k": "v"}}
	cp := NewCachedProvider(inner, time.Minute)

	for i := 0; i < 3; i++ {
		val, err := cp.Get(context.Background(), "k")
		if err != nil || val != "v" {
			t.Fatalf("Get() = (%q, %v)", val, err)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner.calls = %d, want 1 (subsequent Gets should hit cache)", inner.calls)
	}
}
