package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/wayfinder/internal/cache"
	"github.com/rafaeljc/wayfinder/internal/observability"
	"github.com/rafaeljc/wayfinder/internal/ruleengine"
	"github.com/rafaeljc/wayfinder/internal/store"
	"github.com/rafaeljc/wayfinder/internal/validation"
)

var (
	// ErrTraversalNotFound is returned for unknown, expired or finished traversals.
	ErrTraversalNotFound = errors.New("traversal not found")

	// ErrTraversalCompleted is returned when answering a traversal that already ended.
	ErrTraversalCompleted = errors.New("traversal already completed")

	// ErrInvalidScope is returned for an unknown domain.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrEntryNotFound is returned when the entry node does not resolve in the scope.
	ErrEntryNotFound = errors.New("entry node not found")
)

// Traversal lifecycle events (metric label values).
const (
	eventStarted   = "started"
	eventCompleted = "completed"
	eventRewound   = "rewound"
	eventAbandoned = "abandoned"
)

// Traversal is one user's walk through a survey or assessment.
type Traversal struct {
	ID        uuid.UUID          `json:"id"`
	Scope     ruleengine.Scope   `json:"scope"`
	History   ruleengine.History `json:"history"`
	Done      bool               `json:"done"`
	StartedAt time.Time          `json:"started_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Current returns the node being shown, empty for an empty history.
func (t *Traversal) Current() ruleengine.NodeID {
	e, ok := t.History.Current()
	if !ok {
		return ""
	}
	return e.Node
}

// Step is the outcome of answering a node.
type Step struct {
	Traversal Traversal
	Next      ruleengine.NodeID
	Done      bool
	Skipped   []ruleengine.SkippedRule
}

// SessionStore persists traversals between requests.
type SessionStore interface {
	GetSession(ctx context.Context, id string) ([]byte, error)
	SetSession(ctx context.Context, id string, data []byte, ttl time.Duration) error
	DeleteSession(ctx context.Context, id string) error
}

// CompletionRecorder stores finished traversals.
type CompletionRecorder interface {
	RecordCompletion(ctx context.Context, c *store.Completion) error
}

// Service runs traversals: it loads the session, asks the engine for the next
// node and saves the result. Concurrent requests on the same traversal are
// last-write-wins.
type Service struct {
	engine      *ruleengine.Engine
	nodes       ruleengine.RuleStore
	sessions    SessionStore
	completions CompletionRecorder
	sessionTTL  time.Duration
	logger      *slog.Logger

	now   func() time.Time
	newID func() uuid.UUID
}

// NewService wires a Service. nodes resolves entry nodes, usually the same
// RuleSource the engine reads from.
func NewService(engine *ruleengine.Engine, nodes ruleengine.RuleStore, sessions SessionStore, completions CompletionRecorder, sessionTTL time.Duration, logger *slog.Logger) *Service {
	validation.AssertNotNil(engine, "rule engine")
	if nodes == nil || sessions == nil || completions == nil {
		panic("routing: node store, session store and completion recorder are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		engine:      engine,
		nodes:       nodes,
		sessions:    sessions,
		completions: completions,
		sessionTTL:  sessionTTL,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.New,
	}
}

// Start opens a traversal positioned at entry.
func (s *Service) Start(ctx context.Context, scope ruleengine.Scope, entry ruleengine.NodeID) (*Traversal, error) {
	if !scope.Domain.Valid() {
		return nil, fmt.Errorf("%w: domain %q", ErrInvalidScope, scope.Domain)
	}
	if entry == "" {
		return nil, ErrEntryNotFound
	}

	ok, err := s.nodes.NodeExists(ctx, scope, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entry node: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entry)
	}

	now := s.now()
	t := &Traversal{
		ID:        s.newID(),
		Scope:     scope,
		History:   ruleengine.Start(entry),
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}

	observability.TraversalEvents.WithLabelValues(string(scope.Domain), eventStarted).Inc()
	s.logger.Debug("traversal started",
		slog.String("traversal_id", t.ID.String()),
		slog.String("scope", scope.Key()),
		slog.String("entry", string(entry)),
	)
	return t, nil
}

// Get returns a traversal in progress.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Traversal, error) {
	return s.load(ctx, id)
}

// Preview returns the decision for the traversal as it stands, without
// changing it.
func (s *Service) Preview(ctx context.Context, id uuid.UUID) (ruleengine.Decision, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return ruleengine.Decision{}, err
	}
	d, err := s.engine.Decide(ctx, t.Scope, t.History)
	s.observe(t.Scope.Domain, d.Skipped, d.Done, err)
	return d, err
}

// Answer records the answer to node and advances the traversal. When no rule
// matches, the traversal ends: it is recorded as completed and its session is
// removed.
func (s *Service) Answer(ctx context.Context, id uuid.UUID, node ruleengine.NodeID, answer ruleengine.Answer) (*Step, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Done {
		return nil, ErrTraversalCompleted
	}

	d, err := s.engine.Next(ctx, t.Scope, t.History, node, answer)
	s.observe(t.Scope.Domain, d.Skipped, d.Done, err)
	if err != nil {
		return nil, err
	}

	t.History = d.History
	step := &Step{Next: d.Next, Done: d.Done, Skipped: d.Skipped}

	if d.Done {
		if err := s.complete(ctx, t); err != nil {
			return nil, err
		}
	} else if err := s.save(ctx, t); err != nil {
		return nil, err
	}

	step.Traversal = *t
	return step, nil
}

// Rewind truncates the traversal back to node so it can be answered again.
// changed is false when node was never visited.
func (s *Service) Rewind(ctx context.Context, id uuid.UUID, node ruleengine.NodeID) (*Traversal, bool, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, false, err
	}

	h, changed := s.engine.Rewind(t.History, node)
	if !changed {
		return t, false, nil
	}

	t.History = h
	t.Done = false
	if err := s.save(ctx, t); err != nil {
		return nil, false, err
	}

	observability.TraversalEvents.WithLabelValues(string(t.Scope.Domain), eventRewound).Inc()
	return t, true, nil
}

// Abandon discards a traversal without recording it.
func (s *Service) Abandon(ctx context.Context, id uuid.UUID) error {
	t, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	if err := s.sessions.DeleteSession(ctx, id.String()); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return ErrTraversalNotFound
		}
		return fmt.Errorf("failed to delete traversal: %w", err)
	}

	observability.TraversalEvents.WithLabelValues(string(t.Scope.Domain), eventAbandoned).Inc()
	return nil
}

// Classify picks the label for one answered question.
func (s *Service) Classify(ctx context.Context, scope ruleengine.Scope, question ruleengine.NodeID, answers ruleengine.Snapshot) (ruleengine.Classification, error) {
	if !scope.Domain.Valid() {
		return ruleengine.Classification{}, fmt.Errorf("%w: domain %q", ErrInvalidScope, scope.Domain)
	}

	c, err := s.engine.Classify(ctx, scope, question, answers)
	s.observe(scope.Domain, c.Skipped, !c.Matched, err)
	return c, err
}

// complete records a finished traversal and drops its session. If recording
// fails the session is kept, marked done, so the history is not lost.
func (s *Service) complete(ctx context.Context, t *Traversal) error {
	t.Done = true
	t.UpdatedAt = s.now()

	err := s.completions.RecordCompletion(ctx, &store.Completion{
		ID:          t.ID,
		Scope:       t.Scope,
		History:     t.History,
		StartedAt:   t.StartedAt,
		CompletedAt: t.UpdatedAt,
	})
	if err != nil {
		if saveErr := s.save(ctx, t); saveErr != nil {
			s.logger.Error("failed to keep completed traversal",
				slog.String("traversal_id", t.ID.String()), slog.Any("error", saveErr))
		}
		return fmt.Errorf("failed to record completion: %w", err)
	}

	if err := s.sessions.DeleteSession(ctx, t.ID.String()); err != nil && !errors.Is(err, cache.ErrNotFound) {
		// The session expires on its own.
		s.logger.Warn("failed to drop completed session",
			slog.String("traversal_id", t.ID.String()), slog.Any("error", err))
	}

	observability.TraversalEvents.WithLabelValues(string(t.Scope.Domain), eventCompleted).Inc()
	s.logger.Info("traversal completed",
		slog.String("traversal_id", t.ID.String()),
		slog.String("scope", t.Scope.Key()),
		slog.Int("steps", len(t.History)),
	)
	return nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Traversal, error) {
	data, err := s.sessions.GetSession(ctx, id.String())
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrTraversalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load traversal: %w", err)
	}

	var t Traversal
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode traversal %s: %w", id, err)
	}
	return &t, nil
}

func (s *Service) save(ctx context.Context, t *Traversal) error {
	t.UpdatedAt = s.now()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode traversal: %w", err)
	}
	if err := s.sessions.SetSession(ctx, t.ID.String(), data, s.sessionTTL); err != nil {
		return fmt.Errorf("failed to save traversal: %w", err)
	}
	return nil
}

// observe records the selection outcome and skipped rules.
func (s *Service) observe(domain ruleengine.Domain, skipped []ruleengine.SkippedRule, noMatch bool, err error) {
	d := string(domain)
	for _, sk := range skipped {
		observability.SkippedRules.WithLabelValues(d, sk.Reason).Inc()
	}

	outcome := observability.OutcomeMatched
	switch {
	case err != nil:
		outcome = observability.OutcomeError
	case noMatch:
		outcome = observability.OutcomeNoMatch
	}
	observability.RuleSelections.WithLabelValues(d, outcome).Inc()
}
