package ruleengine

import (
	"strings"
)

// Matcher decides whether an answer value equals an expected value for a question.
// It is the only domain-specific part of condition evaluation.
type Matcher interface {
	Match(question NodeID, answer, expected Scalar) bool
}

// ExactMatcher compares canonical text forms, then their trimmed versions.
type ExactMatcher struct{}

var _ Matcher = ExactMatcher{}

// Match implements Matcher.
func (ExactMatcher) Match(_ NodeID, answer, expected Scalar) bool {
	a, e := answer.String(), expected.String()
	if a == e {
		return true
	}
	return strings.TrimSpace(a) == strings.TrimSpace(e)
}

// Option is one selectable choice of a question, with its labels in every language.
type Option struct {
	ID     string   `json:"id"`
	Labels []string `json:"labels"`
}

// matches reports whether v names this option by id or by any label (trimmed).
func (o Option) matches(v string) bool {
	if o.ID == v {
		return true
	}
	for _, l := range o.Labels {
		if l != "" && strings.TrimSpace(l) == v {
			return true
		}
	}
	return false
}

// OptionTable maps a question to its options. It matches answers given in any
// language against expected values written in another, or by option id.
type OptionTable map[NodeID][]Option

var _ Matcher = OptionTable(nil)

// Match implements Matcher. Exact text equality wins; otherwise the values are
// equal when some option of the question is named by both.
func (t OptionTable) Match(question NodeID, answer, expected Scalar) bool {
	if answer.String() == expected.String() {
		return true
	}

	a := strings.TrimSpace(answer.String())
	e := strings.TrimSpace(expected.String())
	for _, opt := range t[question] {
		if opt.matches(e) && opt.matches(a) {
			return true
		}
	}
	return false
}

// Evaluator reduces condition groups against an answer snapshot.
// It is stateless apart from its Matcher and safe for concurrent use.
type Evaluator struct {
	matcher Matcher
}

// NewEvaluator creates an Evaluator. A nil matcher defaults to ExactMatcher.
func NewEvaluator(m Matcher) *Evaluator {
	if m == nil {
		m = ExactMatcher{}
	}
	return &Evaluator{matcher: m}
}

// Evaluate reports whether the group matches the snapshot.
func (e *Evaluator) Evaluate(g ConditionGroup, snap Snapshot) bool {
	if g.Fallback {
		return true
	}
	if len(g.Conditions) == 0 {
		return false
	}

	if g.Logic == LogicOr {
		for _, c := range g.Conditions {
			if e.evalCondition(c, snap) {
				return true
			}
		}
		return false
	}

	for _, c := range g.Conditions {
		if !e.evalCondition(c, snap) {
			return false
		}
	}
	return true
}

func (e *Evaluator) evalCondition(c Condition, snap Snapshot) bool {
	if c.never || c.Question == "" {
		return false
	}

	answer := snap.Lookup(c.Question)

	if c.Type == TypeCount {
		expected, ok := c.Value.Scalar()
		if !ok {
			return false
		}
		return compareNumeric(Number(float64(answer.Count())), c.Operator, expected)
	}

	return e.evalValue(c, answer)
}

func (e *Evaluator) evalValue(c Condition, answer Answer) bool {
	switch c.Operator {
	case OpEqual:
		if answer.IsZero() {
			return false
		}
		return e.equal(c.Question, answer, c.Value)

	case OpNotEqual:
		if answer.IsZero() {
			return true
		}
		return !e.equal(c.Question, answer, c.Value)

	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		actual, ok := single(answer)
		if !ok {
			return false
		}
		expected, ok := single(c.Value)
		if !ok {
			return false
		}
		return compareNumeric(actual, c.Operator, expected)

	case OpIn:
		if c.Value.Kind() != AnswerList || answer.IsZero() {
			return false
		}
		return e.anyEqual(c.Question, answer.Items(), c.Value.Items())

	case OpNotIn:
		if c.Value.Kind() != AnswerList {
			return false
		}
		return !e.anyEqual(c.Question, answer.Items(), c.Value.Items())

	case OpContains:
		expected, ok := c.Value.Scalar()
		if !ok {
			return false
		}
		switch answer.Kind() {
		case AnswerList:
			for _, item := range answer.Items() {
				if e.matcher.Match(c.Question, item, expected) {
					return true
				}
			}
			return false
		case AnswerScalar:
			s, _ := answer.Scalar()
			if s.IsNumber() {
				return false
			}
			return strings.Contains(s.String(), expected.String())
		default:
			return false
		}

	case OpRegex:
		if c.pattern == nil || answer.IsZero() {
			return false
		}
		for _, item := range answer.Items() {
			if c.pattern.MatchString(item.String()) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// equal compares two answers. Lists are equal element-wise; a one-element list
// compares as its element.
func (e *Evaluator) equal(q NodeID, answer, expected Answer) bool {
	a := answer.Items()
	x := expected.Items()

	if len(a) == 1 && len(x) == 1 {
		return e.matcher.Match(q, a[0], x[0])
	}
	if answer.Kind() != AnswerList || expected.Kind() != AnswerList || len(a) != len(x) {
		return false
	}
	for i := range a {
		if !e.matcher.Match(q, a[i], x[i]) {
			return false
		}
	}
	return true
}

func (e *Evaluator) anyEqual(q NodeID, answers, expected []Scalar) bool {
	for _, a := range answers {
		for _, x := range expected {
			if e.matcher.Match(q, a, x) {
				return true
			}
		}
	}
	return false
}

// single unwraps a scalar answer or a one-element list.
func single(a Answer) (Scalar, bool) {
	items := a.Items()
	if len(items) != 1 {
		return Scalar{}, false
	}
	return items[0], true
}

func compareNumeric(actual Scalar, op Operator, expected Scalar) bool {
	a, ok := actual.Float()
	if !ok {
		return false
	}
	b, ok := expected.Float()
	if !ok {
		return false
	}

	switch op {
	case OpGreater:
		return a > b
	case OpLess:
		return a < b
	case OpGreaterEqual:
		return a >= b
	case OpLessEqual:
		return a <= b
	case OpEqual:
		return a == b
	case OpNotEqual:
		return a != b
	default:
		return false
	}
}
