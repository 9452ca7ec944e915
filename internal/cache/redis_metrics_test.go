//go:build integration

package cache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/wayfinder/internal/cache"
	"github.com/rafaeljc/wayfinder/internal/testsupport"
)

func TestRedisPoolMonitor_Integration(t *testing.T) {
	ctx := context.Background()
	redisCtr, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err)
	defer redisCtr.Terminate(ctx)

	// A small pool makes exhaustion easy to provoke.
	client := redis.NewClient(&redis.Options{Addr: redisCtr.Endpoint, PoolSize: 3})
	defer client.Close()

	go cache.RunPoolMonitor(t.Context(), client, 10*time.Millisecond)

	poolGauge := func(state string) float64 {
		return testsupport.GetMetricValue(t, "wayfinder_redis_pool_connections", map[string]string{"state": state})
	}

	t.Run("reports pool state", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = client.Set(ctx, fmt.Sprintf("state-%d", i), "v", time.Second).Err()
			}()
		}
		wg.Wait()

		require.Eventually(t, func() bool {
			total, stale := poolGauge("total"), poolGauge("stale")
			return total > 0 && poolGauge("idle") >= 0 && stale <= total
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("counts pool hits", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "hit", "v", time.Minute).Err())
		for range 10 {
			_ = client.Get(ctx, "hit").Err()
		}

		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "wayfinder_redis_pool_hits_total", nil) > 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("counters never decrease under pressure", func(t *testing.T) {
		beforeMisses := testsupport.GetMetricValue(t, "wayfinder_redis_pool_misses_total", nil)
		beforeTimeouts := testsupport.GetMetricValue(t, "wayfinder_redis_pool_timeouts_total", nil)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				// BLPOP holds its connection for the whole call.
				_ = client.BLPop(ctx, 200*time.Millisecond, fmt.Sprintf("empty-%d", i)).Err()
			}()
		}
		close(start)
		wg.Wait()

		tight, cancel := context.WithTimeout(ctx, time.Millisecond)
		_ = client.Get(tight, "hit").Err()
		cancel()

		time.Sleep(100 * time.Millisecond)
		assert.GreaterOrEqual(t, testsupport.GetMetricValue(t, "wayfinder_redis_pool_misses_total", nil), beforeMisses)
		assert.GreaterOrEqual(t, testsupport.GetMetricValue(t, "wayfinder_redis_pool_timeouts_total", nil), beforeTimeouts)
	})
}
