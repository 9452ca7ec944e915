// Package database provides the PostgreSQL connection factory.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/wayfinder/internal/config"
	"github.com/rafaeljc/wayfinder/internal/logger"
	"github.com/rafaeljc/wayfinder/internal/observability"
)

// pingAttempts bounds the connection attempts made at startup.
const pingAttempts = 5

// NewPostgresPool initializes a PostgreSQL connection pool from config.
// The caller owns the pool and must Close it.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// MaxConns keeps the service from exhausting the server; MinConns keeps
	// a few connections warm for the first requests.
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	log := logger.FromContext(ctx)
	backoff := time.Second
	var lastErr error

	for attempt := 1; attempt <= pingAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		lastErr = pool.Ping(pingCtx)
		cancel()

		if lastErr == nil {
			log.Info("connected to postgres", slog.Int("attempt", attempt))
			return pool, nil
		}

		log.Warn("postgres ping failed", slog.Int("attempt", attempt), slog.Any("error", lastErr))
		if attempt == pingAttempts {
			break
		}

		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to ping database after %d attempts: %w", pingAttempts, lastErr)
}

// RunPoolMonitor samples pool statistics into Prometheus until ctx is done.
// It blocks; run it in its own goroutine.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastAcquire, lastEmpty int64
	var lastDuration time.Duration

	sample := func() {
		s := pool.Stat()

		observability.DatabasePoolConnections.WithLabelValues("total").Set(float64(s.TotalConns()))
		observability.DatabasePoolConnections.WithLabelValues("idle").Set(float64(s.IdleConns()))
		observability.DatabasePoolConnections.WithLabelValues("in_use").Set(float64(s.AcquiredConns()))
		observability.DatabasePoolConnections.WithLabelValues("max").Set(float64(s.MaxConns()))

		// pgx reports cumulative values; counters take the delta.
		if d := s.AcquireCount() - lastAcquire; d > 0 {
			observability.DatabasePoolAcquireCount.Add(float64(d))
		}
		if d := s.AcquireDuration() - lastDuration; d > 0 {
			observability.DatabasePoolAcquireDuration.Add(d.Seconds())
		}
		if d := s.EmptyAcquireCount() - lastEmpty; d > 0 {
			observability.DatabasePoolWaitCount.Add(float64(d))
		}
		lastAcquire, lastDuration, lastEmpty = s.AcquireCount(), s.AcquireDuration(), s.EmptyAcquireCount()
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
