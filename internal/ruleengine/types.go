// Package ruleengine provides the routing and classification core.
// Rules are declarative JSON condition groups evaluated against the answers
// accumulated in a traversal; the best-ranked matching rule that has not fired
// yet selects the next node (a question, or a classification label).
package ruleengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NodeID identifies a question or classification label.
// It is opaque to the engine and only used as a lookup key.
type NodeID string

// UnmarshalJSON accepts both numeric and string identifiers so that
// {"question": 7} and {"question": "7"} address the same node.
func (n *NodeID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = NodeID(strings.TrimSpace(s))
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("node id must be a string or a number: %w", err)
	}
	*n = NodeID(num.String())
	return nil
}

// RuleID is the unique identifier of a rule. It takes part in the selection order.
type RuleID int64

// Domain names one of the three call-sites that share the engine.
type Domain string

const (
	DomainAssessment     Domain = "assessment"
	DomainSurvey         Domain = "survey"
	DomainClassification Domain = "classification"
)

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainAssessment, DomainSurvey, DomainClassification:
		return true
	}
	return false
}

// Scope selects the pool of candidate rules for a decision.
type Scope struct {
	Domain Domain `json:"domain"`

	// SurveyVersionID restricts the pool to rules whose target belongs to the
	// given survey version. Empty means "all active rules of the domain".
	SurveyVersionID string `json:"survey_version_id,omitempty"`
}

// Key returns a stable string form of the scope, used for cache keys.
func (s Scope) Key() string {
	if s.SurveyVersionID == "" {
		return string(s.Domain)
	}
	return string(s.Domain) + ":" + s.SurveyVersionID
}

// -----------------------------------------------------------------------------
// Answers
// -----------------------------------------------------------------------------

// Scalar is a single answer value: either text or a number.
type Scalar struct {
	text    string
	num     float64
	numeric bool
}

// Text returns a textual scalar.
func Text(s string) Scalar { return Scalar{text: s} }

// Number returns a numeric scalar.
func Number(f float64) Scalar { return Scalar{num: f, numeric: true} }

// IsNumber reports whether the scalar holds a number.
func (s Scalar) IsNumber() bool { return s.numeric }

// String returns the canonical text form used by equality checks.
// Whole numbers drop their fractional part (7 -> "7").
func (s Scalar) String() string {
	if s.numeric {
		return strconv.FormatFloat(s.num, 'f', -1, 64)
	}
	return s.text
}

// Float converts the scalar to float64. Text is parsed after trimming spaces.
func (s Scalar) Float() (float64, bool) {
	if s.numeric {
		return s.num, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s.text), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// MarshalJSON writes numbers as JSON numbers and text as JSON strings.
func (s Scalar) MarshalJSON() ([]byte, error) {
	if s.numeric {
		return []byte(strconv.FormatFloat(s.num, 'f', -1, 64)), nil
	}
	return json.Marshal(s.text)
}

// UnmarshalJSON reads a JSON string, number or boolean.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	v, err := decodeScalar(bytes.TrimSpace(data))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func decodeScalar(data []byte) (Scalar, error) {
	if len(data) == 0 {
		return Scalar{}, fmt.Errorf("empty scalar")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Scalar{}, err
		}
		return Text(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return Scalar{}, err
		}
		return Text(strconv.FormatBool(b)), nil
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return Scalar{}, fmt.Errorf("unsupported scalar %s: %w", data, err)
		}
		return Number(f), nil
	}
}

// AnswerKind discriminates the Answer union.
type AnswerKind uint8

const (
	AnswerAbsent AnswerKind = iota
	AnswerScalar
	AnswerList
)

// Answer is what a respondent gave for a node: nothing, one value, or an
// ordered list of values (multi-select). The zero value is Absent.
type Answer struct {
	kind   AnswerKind
	scalar Scalar
	list   []Scalar
}

// Absent returns the empty answer.
func Absent() Answer { return Answer{} }

// Single wraps a scalar answer.
func Single(s Scalar) Answer { return Answer{kind: AnswerScalar, scalar: s} }

// TextAnswer is shorthand for Single(Text(s)).
func TextAnswer(s string) Answer { return Single(Text(s)) }

// NumberAnswer is shorthand for Single(Number(f)).
func NumberAnswer(f float64) Answer { return Single(Number(f)) }

// List wraps a multi-select answer. A nil list is still a list (of length 0).
func List(items ...Scalar) Answer {
	cp := make([]Scalar, len(items))
	copy(cp, items)
	return Answer{kind: AnswerList, list: cp}
}

// TextList builds a list answer out of strings.
func TextList(items ...string) Answer {
	list := make([]Scalar, len(items))
	for i, s := range items {
		list[i] = Text(s)
	}
	return Answer{kind: AnswerList, list: list}
}

// Kind returns the variant held by the answer.
func (a Answer) Kind() AnswerKind { return a.kind }

// IsZero reports whether the answer is absent. It lets struct fields use `omitzero`.
func (a Answer) IsZero() bool { return a.kind == AnswerAbsent }

// Scalar returns the scalar value and true when the answer holds one.
func (a Answer) Scalar() (Scalar, bool) {
	return a.scalar, a.kind == AnswerScalar
}

// Items returns the answer as a list: absent -> nil, scalar -> one element.
func (a Answer) Items() []Scalar {
	switch a.kind {
	case AnswerScalar:
		return []Scalar{a.scalar}
	case AnswerList:
		return a.list
	default:
		return nil
	}
}

// Count is the cardinality used by "count" conditions.
func (a Answer) Count() int {
	switch a.kind {
	case AnswerScalar:
		return 1
	case AnswerList:
		return len(a.list)
	default:
		return 0
	}
}

// MarshalJSON writes null, a scalar, or an array.
func (a Answer) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case AnswerScalar:
		return a.scalar.MarshalJSON()
	case AnswerList:
		if a.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(a.list)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON reads null, a scalar, or an array of scalars.
func (a *Answer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = Absent()
		return nil
	}

	if data[0] == '[' {
		var items []Scalar
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("invalid list answer: %w", err)
		}
		*a = Answer{kind: AnswerList, list: items}
		return nil
	}

	s, err := decodeScalar(data)
	if err != nil {
		return err
	}
	*a = Single(s)
	return nil
}

// Snapshot maps node ids to the answers collected so far.
type Snapshot map[NodeID]Answer

// Lookup returns the answer for a node, or Absent.
func (s Snapshot) Lookup(id NodeID) Answer {
	if s == nil {
		return Absent()
	}
	return s[id]
}

// ConsumedSet holds the ids of rules that already fired in a traversal.
type ConsumedSet map[RuleID]struct{}

// Has reports whether id is consumed.
func (c ConsumedSet) Has(id RuleID) bool {
	_, ok := c[id]
	return ok
}

// -----------------------------------------------------------------------------
// Conditions and rules
// -----------------------------------------------------------------------------

// Operator is the comparison applied by a condition.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not in"
	OpContains     Operator = "contains"
	OpRegex        Operator = "regex"
)

// ConditionType selects whether a condition looks at the answer value or at
// the number of selected items.
type ConditionType string

const (
	TypeValue ConditionType = "value"
	TypeCount ConditionType = "count"
)

// Logic combines the conditions of a group.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Condition is a single predicate over one node's answer.
type Condition struct {
	Question NodeID        `json:"question"`
	Operator Operator      `json:"operator"`
	Value    Answer        `json:"value"`
	Type     ConditionType `json:"type,omitempty"`

	// pattern is the compiled regex for OpRegex; nil when the pattern is malformed.
	pattern *regexp.Regexp

	// never marks an entry that could not be decoded; it evaluates to false.
	never bool
}

// ConditionGroup is the parsed form of a rule condition.
type ConditionGroup struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
	Fallback   bool        `json:"fallback"`
}

// References reports whether any condition of the group reads the given node.
func (g ConditionGroup) References(id NodeID) bool {
	for _, c := range g.Conditions {
		if c.Question != "" && c.Question == id {
			return true
		}
	}
	return false
}

// Rule routes to Target when its condition matches.
type Rule struct {
	ID          RuleID `json:"id"`
	Target      NodeID `json:"target"`
	Priority    int    `json:"priority"`
	Description string `json:"description,omitempty"`

	// Condition is the persisted condition. It may be a JSON object or a JSON
	// string holding the object (the storage column is text).
	Condition json.RawMessage `json:"condition"`

	compiled   *ConditionGroup
	compileErr error
}

// Compiled reports whether Compile has run on the rule.
func (r *Rule) Compiled() bool {
	return r.compiled != nil || r.compileErr != nil
}

// Group returns the parsed condition group. Rules that were not compiled are
// parsed on the fly without being modified, so shared rule sets stay read-only.
func (r *Rule) Group() (ConditionGroup, error) {
	if r.compileErr != nil {
		return ConditionGroup{}, r.compileErr
	}
	if r.compiled != nil {
		return *r.compiled, nil
	}
	return ParseCondition(r.Condition)
}

// less orders rules by (priority, id).
func (r *Rule) less(o *Rule) bool {
	if r.Priority != o.Priority {
		return r.Priority < o.Priority
	}
	return r.ID < o.ID
}

// SkippedRule records a rule that could not be evaluated and was treated as
// non-matching.
type SkippedRule struct {
	RuleID RuleID `json:"rule_id"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Skip reasons.
const (
	ReasonMalformed = "malformed_condition"
	ReasonPanic     = "evaluation_error"
)
