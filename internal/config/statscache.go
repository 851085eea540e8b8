package config

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meridian-search/meridian/internal/store"
)

// StatsSource computes fresh stats, satisfied by *store.Store.
type StatsSource interface {
	ComputeStats(ctx context.Context) (*store.Stats, error)
}

// StatsCache memoizes ComputeStats until invalidated: concurrent
// callers during a miss share one underlying query via singleflight,
// the pattern most of the pack's services use for dedup-on-miss caches.
type StatsCache struct {
	src   StatsSource
	group singleflight.Group

	mu     sync.Mutex
	cached *store.Stats
	valid  bool
}

// NewStatsCache wraps src.
func NewStatsCache(src StatsSource) *StatsCache {
	return &StatsCache{src: src}
}

// Get returns the cached stats, recomputing on a cache miss. Any
// number of concurrent Get calls during a miss trigger exactly one
// ComputeStats call.
func (c *StatsCache) Get(ctx context.Context) (*store.Stats, error) {
	c.mu.Lock()
	if c.valid {
		cached := c.cached
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("stats", func() (interface{}, error) {
		st, err := c.src.ComputeStats(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cached = st
		c.valid = true
		c.mu.Unlock()
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Stats), nil
}

// Invalidate forces the next Get to recompute. Called after any table
// write.
func (c *StatsCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
