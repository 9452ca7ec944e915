package ruleengine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrEmptyCondition is returned for a rule without any condition text.
	ErrEmptyCondition = errors.New("empty condition")

	// ErrMalformedCondition is returned when the condition is not a valid group.
	ErrMalformedCondition = errors.New("malformed condition")
)

// ParseCondition decodes a persisted rule condition into a group.
//
// Accepted shapes:
//
//	{"logic": "AND"|"OR", "conditions": [...], "fallback": bool}
//	{"question": ..., "operator": ..., "value": ..., "type": ...}   (single condition)
//	{"fallback": true}
//
// The whole object may also arrive as a JSON string, since the storage column is text.
func ParseCondition(raw json.RawMessage) (ConditionGroup, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ConditionGroup{}, ErrEmptyCondition
	}

	// Unwrap text that holds JSON.
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return ConditionGroup{}, fmt.Errorf("%w: %v", ErrMalformedCondition, err)
		}
		data = bytes.TrimSpace([]byte(inner))
		if len(data) == 0 || bytes.Equal(data, []byte("null")) {
			return ConditionGroup{}, ErrEmptyCondition
		}
	}

	if data[0] != '{' {
		return ConditionGroup{}, fmt.Errorf("%w: expected a JSON object", ErrMalformedCondition)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return ConditionGroup{}, fmt.Errorf("%w: %v", ErrMalformedCondition, err)
	}

	group := ConditionGroup{Logic: LogicAnd}

	if rawFallback, ok := obj["fallback"]; ok && !isNull(rawFallback) {
		if err := json.Unmarshal(rawFallback, &group.Fallback); err != nil {
			return ConditionGroup{}, fmt.Errorf("%w: fallback must be a boolean", ErrMalformedCondition)
		}
	}

	rawConds, hasConds := obj["conditions"]
	if !hasConds {
		// Shorthand: a single flat condition.
		if _, flat := obj["question"]; flat {
			group.Conditions = []Condition{compileCondition(data)}
		}
		return group, nil
	}

	if rawLogic, ok := obj["logic"]; ok && !isNull(rawLogic) {
		var logic string
		if err := json.Unmarshal(rawLogic, &logic); err != nil {
			return ConditionGroup{}, fmt.Errorf("%w: logic must be a string", ErrMalformedCondition)
		}
		switch Logic(strings.ToUpper(strings.TrimSpace(logic))) {
		case LogicAnd, "":
			group.Logic = LogicAnd
		case LogicOr:
			group.Logic = LogicOr
		default:
			return ConditionGroup{}, fmt.Errorf("%w: unknown logic %q", ErrMalformedCondition, logic)
		}
	}

	if isNull(rawConds) {
		return group, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(rawConds, &entries); err != nil {
		return ConditionGroup{}, fmt.Errorf("%w: conditions must be a list", ErrMalformedCondition)
	}

	group.Conditions = make([]Condition, 0, len(entries))
	for _, entry := range entries {
		group.Conditions = append(group.Conditions, compileCondition(entry))
	}

	return group, nil
}

// compileCondition decodes one condition entry. Entries that cannot be decoded
// become conditions that never match rather than failing the whole group.
func compileCondition(raw json.RawMessage) Condition {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || data[0] != '{' {
		return Condition{never: true}
	}

	var c struct {
		Question NodeID `json:"question"`
		Operator string `json:"operator"`
		Value    Answer `json:"value"`
		Type     string `json:"type"`
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Condition{never: true}
	}

	cond := Condition{
		Question: c.Question,
		Operator: Operator(strings.ToLower(strings.TrimSpace(c.Operator))),
		Value:    c.Value,
		Type:     TypeValue,
	}
	if strings.EqualFold(strings.TrimSpace(c.Type), string(TypeCount)) {
		cond.Type = TypeCount
	}

	if cond.Operator == OpRegex {
		if s, ok := cond.Value.Scalar(); ok {
			// Malformed patterns leave pattern nil, which never matches.
			cond.pattern, _ = regexp.Compile(s.String())
		}
	}

	return cond
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Compile parses the rule condition once and caches the result on the rule.
// A failure is remembered too, so the rule is reported as skipped on every
// selection instead of being re-parsed.
func (r *Rule) Compile() error {
	group, err := ParseCondition(r.Condition)
	if err != nil {
		r.compiled = nil
		r.compileErr = err
		return err
	}
	r.compiled = &group
	r.compileErr = nil
	return nil
}

// CompileRules compiles every rule in place.
// This must be called after loading rules from storage (DB/Redis) and before the
// slice is shared between goroutines. Failures never abort the batch: each bad
// rule is reported and stays in the set as a non-matching rule.
func CompileRules(rules []Rule) []SkippedRule {
	var skipped []SkippedRule
	for i := range rules {
		if err := rules[i].Compile(); err != nil {
			skipped = append(skipped, SkippedRule{
				RuleID: rules[i].ID,
				Reason: ReasonMalformed,
				Err:    err,
			})
		}
	}
	return skipped
}
