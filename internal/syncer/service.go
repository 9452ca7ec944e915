// Package syncer implements the background worker that propagates rule sets
// from PostgreSQL (source of truth) to Redis (shared L2 cache) and tells the
// API replicas to drop their in-process copies.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rafaeljc/wayfinder/internal/cache"
	"github.com/rafaeljc/wayfinder/internal/config"
	"github.com/rafaeljc/wayfinder/internal/observability"
	"github.com/rafaeljc/wayfinder/internal/ruleengine"
)

// Repository is the read side of the store used by the syncer.
type Repository interface {
	ListScopes(ctx context.Context) ([]ruleengine.Scope, error)
	ruleengine.RuleStore
	ruleengine.OptionSource
}

// RuleSetWriter is the write side of the L2 cache used by the syncer.
type RuleSetWriter interface {
	SetRuleSetIfChanged(ctx context.Context, scope ruleengine.Scope, rs *cache.RuleSet, ttl time.Duration) (cache.SetResult, error)
	PublishInvalidation(ctx context.Context, channel string, scope ruleengine.Scope) error
}

// Report summarizes one cycle.
type Report struct {
	Updated   int
	Unchanged int
	Failed    int
}

// Service orchestrates the propagation cycles.
type Service struct {
	logger  *slog.Logger
	cfg     config.SyncerConfig
	channel string
	repo    Repository
	cache   RuleSetWriter
}

// New creates a new syncer. channel is the invalidation pub/sub channel.
func New(logger *slog.Logger, cfg config.SyncerConfig, channel string, repo Repository, writer RuleSetWriter) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if repo == nil {
		panic("syncer: repository cannot be nil")
	}
	if writer == nil {
		panic("syncer: rule set writer cannot be nil")
	}

	if cfg.Interval < time.Second {
		cfg.Interval = 15 * time.Second
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 30 * time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &Service{
		logger:  logger,
		cfg:     cfg,
		channel: channel,
		repo:    repo,
		cache:   writer,
	}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting syncer service",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("concurrency", s.cfg.Concurrency),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Run once immediately on startup
	s.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("syncer service stopping")
			return nil
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	if _, err := s.SyncOnce(ctx); err != nil {
		// Retry on next tick.
		s.logger.Error("sync cycle failed", slog.Any("error", err))
	}
}

// SyncOnce propagates every scope once. A failing scope is logged and counted;
// the others proceed. Only a failure to list the scopes aborts the cycle.
func (s *Service) SyncOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() { observability.SyncerCycleDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	scopes, err := s.repo.ListScopes(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list scopes: %w", err)
	}

	var (
		mu     sync.Mutex
		report Report
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, s.cfg.Concurrency)

	for _, scope := range scopes {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			status := s.syncScope(ctx, scope)
			observability.SyncerJobsTotal.WithLabelValues(status).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch status {
			case observability.SyncUpdated:
				report.Updated++
			case observability.SyncUnchanged:
				report.Unchanged++
			default:
				report.Failed++
			}
		}()
	}
	wg.Wait()

	if report.Updated > 0 || report.Failed > 0 {
		s.logger.Info("sync cycle completed",
			slog.Int("updated", report.Updated),
			slog.Int("unchanged", report.Unchanged),
			slog.Int("failed", report.Failed),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return report, nil
}

// syncScope loads, writes and announces one scope. It returns the job status.
func (s *Service) syncScope(ctx context.Context, scope ruleengine.Scope) string {
	log := s.logger.With(slog.String("scope", scope.Key()))

	var result cache.SetResult
	err := s.retry(ctx, func() error {
		rules, err := s.repo.FetchRules(ctx, scope)
		if err != nil {
			return err
		}
		options, err := s.repo.FetchOptions(ctx, scope)
		if err != nil {
			return err
		}
		rs, err := cache.NewRuleSet(rules, options)
		if err != nil {
			return err
		}
		// Syncer-written rule sets never expire; the next cycle overwrites them.
		result, err = s.cache.SetRuleSetIfChanged(ctx, scope, rs, 0)
		return err
	})
	if err != nil {
		log.Warn("failed to sync scope", slog.Any("error", err))
		return observability.SyncFailed
	}

	if result == cache.SetResultUnchanged {
		return observability.SyncUnchanged
	}
	if result == cache.SetResultRepaired {
		log.Warn("repaired corrupt rule set in cache")
	}

	err = s.retry(ctx, func() error {
		return s.cache.PublishInvalidation(ctx, s.channel, scope)
	})
	if err != nil {
		// Replicas converge when their L1 entry expires.
		log.Error("failed to publish invalidation", slog.Any("error", err))
	}
	return observability.SyncUpdated
}

// retry runs fn up to MaxRetries+1 times with exponential backoff.
func (s *Service) retry(ctx context.Context, fn func() error) error {
	delay := s.cfg.BaseRetryDelay
	var err error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == s.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}
	return err
}
