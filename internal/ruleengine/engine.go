package ruleengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrTargetNotFound is returned when a selected rule points at a node the
	// store cannot resolve (e.g., the question was deleted).
	ErrTargetNotFound = errors.New("rule target not found")

	// ErrRuleStore wraps failures to load the candidate rules.
	ErrRuleStore = errors.New("rule store unavailable")
)

// RuleStore is the read-only source of rules and nodes.
type RuleStore interface {
	// FetchRules returns the active rules of the scope, in any order.
	FetchRules(ctx context.Context, scope Scope) ([]Rule, error)

	// NodeExists reports whether a node id resolves in the scope.
	NodeExists(ctx context.Context, scope Scope, id NodeID) (bool, error)
}

// OptionSource provides the option tables used for translation-aware equality.
type OptionSource interface {
	FetchOptions(ctx context.Context, scope Scope) (OptionTable, error)
}

// Decision is the result of one routing step.
type Decision struct {
	// History is the traversal after the step. Next appends the reached node;
	// Decide returns the input unchanged.
	History History `json:"history"`

	// Next is the node to show, empty when Done.
	Next NodeID `json:"next,omitempty"`

	// Rule is the rule that fired, nil when Done.
	Rule *Rule `json:"-"`

	// Done signals the end of the traversal: no rule matched.
	Done bool `json:"done"`

	// Skipped lists rules that were treated as non-matching because they failed.
	Skipped []SkippedRule `json:"skipped,omitempty"`
}

// Classification is the result of classifying one answered question.
type Classification struct {
	Label   NodeID        `json:"label,omitempty"`
	Rule    *Rule         `json:"-"`
	Matched bool          `json:"matched"`
	Skipped []SkippedRule `json:"skipped,omitempty"`
}

// Engine is the facade shared by the assessment, survey and classification domains.
type Engine struct {
	store   RuleStore
	options OptionSource
	logger  *slog.Logger // Dedicated logger instance (DI)
}

// New creates a new Engine.
// options may be nil, in which case every domain uses plain text equality.
// If logger is nil, it defaults to slog.Default().
func New(store RuleStore, options OptionSource, logger *slog.Logger) *Engine {
	if store == nil {
		panic("ruleengine: rule store cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:   store,
		options: options,
		logger:  logger,
	}
}

// Decide selects the next node for the current history without changing it.
// Calling it twice on the same history yields the same decision.
func (e *Engine) Decide(ctx context.Context, scope Scope, h History) (Decision, error) {
	if len(h) == 0 {
		return Decision{}, ErrEmptyHistory
	}

	sel, err := e.selectRule(ctx, scope, h.Snapshot(), h.Consumed(), nil)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{History: h, Skipped: sel.Skipped}
	if !sel.Matched() {
		d.Done = true
		return d, nil
	}

	if err := e.resolve(ctx, scope, sel.Rule.Target); err != nil {
		return Decision{}, err
	}

	d.Next = sel.Rule.Target
	d.Rule = sel.Rule
	return d, nil
}

// Next records the answer for node and advances the traversal.
// On a match the reached node is appended to the returned history;
// otherwise the history only carries the new answer and Done is set.
func (e *Engine) Next(ctx context.Context, scope Scope, h History, node NodeID, answer Answer) (Decision, error) {
	answered, err := h.WithAnswer(node, answer)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to record answer for node %s: %w", node, err)
	}

	d, err := e.Decide(ctx, scope, answered)
	if err != nil {
		return Decision{}, err
	}

	if !d.Done {
		d.History = answered.Advance(d.Next, d.Rule.ID)
	}

	e.logger.DebugContext(ctx, "traversal step",
		"domain", scope.Domain,
		"node", node,
		"next", d.Next,
		"done", d.Done,
		"skipped", len(d.Skipped),
	)

	return d, nil
}

// Rewind moves the traversal back to node. It reports false when node was never visited.
func (e *Engine) Rewind(h History, node NodeID) (History, bool) {
	return h.Rewind(node)
}

// Classify picks the label for an answered question. Only fallback rules and
// rules whose conditions read the question are candidates; nothing is consumed.
func (e *Engine) Classify(ctx context.Context, scope Scope, question NodeID, snap Snapshot) (Classification, error) {
	relevant := func(r *Rule) bool {
		g, err := r.Group()
		if err != nil {
			// Kept so the selector reports it as skipped.
			return true
		}
		return g.Fallback || g.References(question)
	}

	sel, err := e.selectRule(ctx, scope, snap, nil, relevant)
	if err != nil {
		return Classification{}, err
	}

	c := Classification{Skipped: sel.Skipped}
	if !sel.Matched() {
		return c, nil
	}

	if err := e.resolve(ctx, scope, sel.Rule.Target); err != nil {
		return Classification{}, err
	}

	c.Label = sel.Rule.Target
	c.Rule = sel.Rule
	c.Matched = true
	return c, nil
}

func (e *Engine) selectRule(ctx context.Context, scope Scope, snap Snapshot, consumed ConsumedSet, keep func(*Rule) bool) (Selection, error) {
	rules, err := e.store.FetchRules(ctx, scope)
	if err != nil {
		return Selection{}, fmt.Errorf("%w: %w", ErrRuleStore, err)
	}

	if keep != nil {
		filtered := make([]Rule, 0, len(rules))
		for i := range rules {
			if keep(&rules[i]) {
				filtered = append(filtered, rules[i])
			}
		}
		rules = filtered
	}

	matcher, err := e.matcherFor(ctx, scope)
	if err != nil {
		return Selection{}, err
	}

	return NewSelector(NewEvaluator(matcher), e.logger).Select(rules, snap, consumed), nil
}

// matcherFor returns the equality used by the scope. Only assessments carry option tables.
func (e *Engine) matcherFor(ctx context.Context, scope Scope) (Matcher, error) {
	if scope.Domain != DomainAssessment || e.options == nil {
		return ExactMatcher{}, nil
	}

	table, err := e.options.FetchOptions(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load option table: %w", err)
	}
	return table, nil
}

func (e *Engine) resolve(ctx context.Context, scope Scope, target NodeID) error {
	ok, err := e.store.NodeExists(ctx, scope, target)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuleStore, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, target)
	}
	return nil
}
