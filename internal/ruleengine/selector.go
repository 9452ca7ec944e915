package ruleengine

import (
	"fmt"
	"log/slog"
	"sort"
)

// Selection is the outcome of a selection pass.
type Selection struct {
	// Rule is the first matching rule, or nil when nothing matched.
	Rule *Rule

	// Skipped lists the rules that could not be evaluated during the pass.
	Skipped []SkippedRule
}

// Matched reports whether a rule was selected.
func (s Selection) Matched() bool { return s.Rule != nil }

// Selector picks the best-ranked matching rule out of a candidate set.
type Selector struct {
	eval   *Evaluator
	logger *slog.Logger
}

// NewSelector creates a Selector.
// If logger is nil, it defaults to slog.Default().
func NewSelector(eval *Evaluator, logger *slog.Logger) *Selector {
	if eval == nil {
		eval = NewEvaluator(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{eval: eval, logger: logger}
}

// Select filters out consumed rules, orders the rest by (priority, id) and
// returns the first one whose condition matches the snapshot.
// The input slice is neither reordered nor modified.
func (s *Selector) Select(rules []Rule, snap Snapshot, consumed ConsumedSet) Selection {
	candidates := make([]*Rule, 0, len(rules))
	for i := range rules {
		if consumed.Has(rules[i].ID) {
			continue
		}
		candidates = append(candidates, &rules[i])
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].less(candidates[j])
	})

	var sel Selection
	for _, rule := range candidates {
		match, skip := s.try(rule, snap)
		if skip != nil {
			// Fail closed: a broken rule never matches and never aborts the pass.
			s.logger.Warn("skipping rule",
				"rule_id", rule.ID,
				"reason", skip.Reason,
				"error", skip.Err,
			)
			sel.Skipped = append(sel.Skipped, *skip)
			continue
		}
		if match {
			sel.Rule = rule
			return sel
		}
	}

	return sel
}

// try evaluates one rule, turning compile errors and panics into a skip.
func (s *Selector) try(rule *Rule, snap Snapshot) (match bool, skip *SkippedRule) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			skip = &SkippedRule{
				RuleID: rule.ID,
				Reason: ReasonPanic,
				Err:    fmt.Errorf("panic during evaluation: %v", r),
			}
		}
	}()

	group, err := rule.Group()
	if err != nil {
		return false, &SkippedRule{RuleID: rule.ID, Reason: ReasonMalformed, Err: err}
	}

	return s.eval.Evaluate(group, snap), nil
}
