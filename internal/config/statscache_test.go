package config

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/meridian-search/meridian/internal/store"
)

type fakeStatsSource struct{ calls int32 }

func (f *fakeStatsSource) ComputeStats(ctx context.Context) (*store.Stats, error) {
	atomic.AddInt32(&f.calls, 1)
	return &store.Stats{TotalChunks: 7}, nil
}

func TestStatsCacheMemoizesUntilInvalidated(t *testing.T) {
	src := &fakeStatsSource{}
	c := NewStatsCache(src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st, err := c.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if st.TotalChunks != 7 {
			t.Fatalf("unexpected stats: %+v", st)
		}
	}
	if atomic.LoadInt32(&src.calls) != 1 {
		t.Fatalf("expected exactly 1 recompute, got %d", src.calls)
	}

	c.Invalidate()
	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if atomic.LoadInt32(&src.calls) != 2 {
		t.Fatalf("expected recompute after invalidate, got %d calls", src.calls)
	}
}
