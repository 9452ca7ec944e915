package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/wayfinder/internal/config"
	"github.com/rafaeljc/wayfinder/internal/logger"
	"github.com/rafaeljc/wayfinder/internal/observability"
)

// NewRedisClient opens a pooled Redis connection from config and pings it
// with exponential backoff before handing it out.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
		if cfg.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.PoolTimeout = cfg.PoolTimeout
	opts.MaxRetries = cfg.MaxRetries
	opts.MinRetryBackoff = cfg.MinRetryBackoff
	opts.MaxRetryBackoff = cfg.MaxRetryBackoff

	client := redis.NewClient(opts)

	attempts := max(cfg.PingMaxRetries, 1)
	backoff := cfg.PingBackoff
	log := logger.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, max(cfg.DialTimeout, time.Second))
		lastErr = client.Ping(pingCtx).Err()
		cancel()

		if lastErr == nil {
			log.Info("connected to redis", slog.Int("attempt", attempt))
			return client, nil
		}

		log.Warn("redis ping failed", slog.Int("attempt", attempt), slog.Any("error", lastErr))
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	_ = client.Close()
	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", attempts, lastErr)
}

// RunPoolMonitor samples the client's pool statistics into Prometheus until
// ctx is done. It blocks; run it in its own goroutine.
func RunPoolMonitor(ctx context.Context, client *redis.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastHits, lastMisses, lastTimeouts uint32

	sample := func() {
		s := client.PoolStats()

		observability.RedisPoolConnections.WithLabelValues("total").Set(float64(s.TotalConns))
		observability.RedisPoolConnections.WithLabelValues("idle").Set(float64(s.IdleConns))
		observability.RedisPoolConnections.WithLabelValues("stale").Set(float64(s.StaleConns))

		// go-redis reports cumulative values; counters take the delta.
		if s.Hits > lastHits {
			observability.RedisPoolHits.Add(float64(s.Hits - lastHits))
		}
		if s.Misses > lastMisses {
			observability.RedisPoolMisses.Add(float64(s.Misses - lastMisses))
		}
		if s.Timeouts > lastTimeouts {
			observability.RedisPoolTimeouts.Add(float64(s.Timeouts - lastTimeouts))
		}
		lastHits, lastMisses, lastTimeouts = s.Hits, s.Misses, s.Timeouts
	}

	sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
