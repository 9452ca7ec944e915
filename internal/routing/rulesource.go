// Package routing owns traversal sessions and rule loading. It connects the
// rule engine to PostgreSQL, Redis and the in-process cache.
package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rafaeljc/wayfinder/internal/cache"
	"github.com/rafaeljc/wayfinder/internal/observability"
	"github.com/rafaeljc/wayfinder/internal/ruleengine"
	"github.com/rafaeljc/wayfinder/internal/validation"
)

var (
	_ ruleengine.RuleStore    = (*RuleSource)(nil)
	_ ruleengine.OptionSource = (*RuleSource)(nil)
)

// Loader is the source of truth for rules, options and nodes.
type Loader interface {
	ruleengine.RuleStore
	ruleengine.OptionSource
}

// RuleSetCache is the shared (L2) rule set cache.
type RuleSetCache interface {
	GetRuleSet(ctx context.Context, scope ruleengine.Scope) (*cache.RuleSet, error)
	SetRuleSet(ctx context.Context, scope ruleengine.Scope, rs *cache.RuleSet, ttl time.Duration) error
}

// RuleSource serves rule sets read-through: L1 (process memory), then L2
// (Redis), then the database. Cache failures degrade to the next layer.
type RuleSource struct {
	db     Loader
	l1     *cache.MemoryCache
	l2     RuleSetCache
	l2TTL  time.Duration
	logger *slog.Logger
}

// NewRuleSource creates a RuleSource. l2 may be nil, in which case L1 misses
// go straight to the database. l2TTL is the expiry of rule sets back-filled on
// an L2 miss.
func NewRuleSource(db Loader, l1 *cache.MemoryCache, l2 RuleSetCache, l2TTL time.Duration, logger *slog.Logger) *RuleSource {
	if db == nil {
		panic("routing: loader cannot be nil")
	}
	validation.AssertNotNil(l1, "memory cache")
	if logger == nil {
		logger = slog.Default()
	}

	return &RuleSource{
		db:     db,
		l1:     l1,
		l2:     l2,
		l2TTL:  l2TTL,
		logger: logger,
	}
}

// FetchRules returns the scope's compiled rules. The slice is shared; callers
// must not modify it.
func (s *RuleSource) FetchRules(ctx context.Context, scope ruleengine.Scope) ([]ruleengine.Rule, error) {
	rs, err := s.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	return rs.Rules, nil
}

// FetchOptions returns the scope's option table.
func (s *RuleSource) FetchOptions(ctx context.Context, scope ruleengine.Scope) (ruleengine.OptionTable, error) {
	rs, err := s.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	return rs.Options, nil
}

// NodeExists always asks the database: a target deleted after the rule set
// was cached must not resolve.
func (s *RuleSource) NodeExists(ctx context.Context, scope ruleengine.Scope, id ruleengine.NodeID) (bool, error) {
	return s.db.NodeExists(ctx, scope, id)
}

func (s *RuleSource) load(ctx context.Context, scope ruleengine.Scope) (*cache.RuleSet, error) {
	key := scope.Key()

	if rs, ok := s.l1.Get(key); ok {
		return rs, nil
	}

	if s.l2 != nil {
		rs, err := s.l2.GetRuleSet(ctx, scope)
		if err == nil {
			observability.RulesL2Hits.Inc()
			rs.Compile()
			s.l1.Set(key, rs)
			return rs, nil
		}

		observability.RulesL2Misses.Inc()
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn("rule set cache unavailable, reading from database",
				slog.String("scope", key), slog.Any("error", err))
		}
	}

	rules, err := s.db.FetchRules(ctx, scope)
	if err != nil {
		return nil, err
	}
	options, err := s.db.FetchOptions(ctx, scope)
	if err != nil {
		return nil, err
	}

	rs, err := cache.NewRuleSet(rules, options)
	if err != nil {
		return nil, err
	}
	rs.Compile()

	if s.l2 != nil {
		if err := s.l2.SetRuleSet(ctx, scope, rs, s.l2TTL); err != nil {
			s.logger.Warn("failed to back-fill rule set cache", slog.String("scope", key), slog.Any("error", err))
		}
	}
	s.l1.Set(key, rs)
	return rs, nil
}

// ListenInvalidations drops the L1 entry of every scope key received until
// keys is closed or ctx is done. It blocks; run it in its own goroutine.
func (s *RuleSource) ListenInvalidations(ctx context.Context, keys <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-keys:
			if !ok {
				return
			}
			s.l1.Del(key)
			observability.RulesInvalidations.Inc()
			s.logger.Debug("rule set invalidated", slog.String("scope", key))
		}
	}
}
