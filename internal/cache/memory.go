package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter"

	"github.com/rafaeljc/wayfinder/internal/observability"
)

// MemoryCache is the L1 rule set cache, an otter (S3-FIFO) cache keyed by
// scope key. Cached rule sets are compiled and shared read-only between
// requests.
type MemoryCache struct {
	store otter.Cache[string, *RuleSet]
}

// NewMemoryCache builds a cache holding at most capacity rule sets, each
// expiring ttl after it was written.
func NewMemoryCache(capacity int, ttl time.Duration) (*MemoryCache, error) {
	store, err := otter.MustBuilder[string, *RuleSet](capacity).
		CollectStats().
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}

	return &MemoryCache{store: store}, nil
}

// Get returns the rule set of a scope key.
func (c *MemoryCache) Get(key string) (*RuleSet, bool) {
	rs, ok := c.store.Get(key)
	if ok {
		observability.RulesL1Hits.Inc()
	} else {
		observability.RulesL1Misses.Inc()
	}
	return rs, ok
}

// Set stores a compiled rule set.
func (c *MemoryCache) Set(key string, rs *RuleSet) {
	c.store.Set(key, rs)
}

// Del drops a rule set; the next Get falls through to L2.
func (c *MemoryCache) Del(key string) {
	c.store.Delete(key)
}

// Len returns the number of cached rule sets.
func (c *MemoryCache) Len() int {
	return c.store.Size()
}

// Close stops the cache's background goroutines.
func (c *MemoryCache) Close() {
	c.store.Close()
}

// RunMetricsCollector samples the cache size and evictions into Prometheus
// until ctx is done. It blocks; run it in its own goroutine.
func (c *MemoryCache) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastEvicted int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.store.Stats()
			observability.RulesL1Items.Set(float64(c.store.Size()))
			if d := stats.EvictedCount() - lastEvicted; d > 0 {
				observability.RulesL1Evictions.Add(float64(d))
			}
			lastEvicted = stats.EvictedCount()
		}
	}
}
