package cache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/wayfinder/internal/cache"
	"github.com/rafaeljc/wayfinder/internal/testsupport"
)

func TestMemoryCache_Metrics(t *testing.T) {
	// Low capacity to force evictions easily.
	c, err := cache.NewMemoryCache(10, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	t.Run("records misses", func(t *testing.T) {
		testsupport.AssertMetricDelta(t, "wayfinder_rules_l1_cache_misses_total", nil, 1, func() {
			_, found := c.Get("survey")
			assert.False(t, found)
		})
	})

	t.Run("records hits", func(t *testing.T) {
		c.Set("survey:v1", &cache.RuleSet{Fingerprint: "0000000000000001"})

		testsupport.AssertMetricDelta(t, "wayfinder_rules_l1_cache_hits_total", nil, 1, func() {
			rs, found := c.Get("survey:v1")
			require.True(t, found)
			assert.Equal(t, "0000000000000001", rs.Fingerprint)
		})
	})

	t.Run("Del drops the entry", func(t *testing.T) {
		c.Set("assessment", &cache.RuleSet{})
		c.Del("assessment")

		_, found := c.Get("assessment")
		assert.False(t, found)
	})

	t.Run("collector reports size and evictions", func(t *testing.T) {
		go c.RunMetricsCollector(t.Context(), 10*time.Millisecond)

		for i := range 100 {
			c.Set(fmt.Sprintf("survey:v%d", i), &cache.RuleSet{})
		}

		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "wayfinder_rules_l1_cache_evictions_total", nil) > 0
		}, 2*time.Second, 50*time.Millisecond, "evictions metric failed to increment")

		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "wayfinder_rules_l1_cache_items_count", nil) > 0
		}, 2*time.Second, 50*time.Millisecond, "items gauge failed to update")
		assert.LessOrEqual(t, c.Len(), 10)
	})
}
