package ruleengine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition_Shapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		raw          string
		wantLogic    Logic
		wantFallback bool
		wantConds    int
	}{
		{
			name:      "full group",
			raw:       `{"logic":"OR","conditions":[{"question":1,"operator":"==","value":"Yes"},{"question":2,"operator":"!=","value":"No"}]}`,
			wantLogic: LogicOr,
			wantConds: 2,
		},
		{
			name:      "logic is case insensitive",
			raw:       `{"logic":"or","conditions":[{"question":1,"operator":"==","value":"Yes"}]}`,
			wantLogic: LogicOr,
			wantConds: 1,
		},
		{
			name:      "missing logic defaults to AND",
			raw:       `{"conditions":[{"question":1,"operator":"==","value":"Yes"}]}`,
			wantLogic: LogicAnd,
			wantConds: 1,
		},
		{
			name:      "flat single condition",
			raw:       `{"question":3,"operator":">","value":10}`,
			wantLogic: LogicAnd,
			wantConds: 1,
		},
		{
			name:         "fallback only",
			raw:          `{"fallback":true}`,
			wantLogic:    LogicAnd,
			wantFallback: true,
		},
		{
			name:         "double encoded text",
			raw:          `"{\"fallback\": true}"`,
			wantLogic:    LogicAnd,
			wantFallback: true,
		},
		{
			name:      "object without conditions or question",
			raw:       `{"logic":"AND"}`,
			wantLogic: LogicAnd,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Act
			g, err := ParseCondition(json.RawMessage(tt.raw))

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tt.wantLogic, g.Logic)
			assert.Equal(t, tt.wantFallback, g.Fallback)
			assert.Len(t, g.Conditions, tt.wantConds)
		})
	}
}

func TestParseCondition_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "empty", raw: ``, wantErr: ErrEmptyCondition},
		{name: "whitespace", raw: `   `, wantErr: ErrEmptyCondition},
		{name: "null", raw: `null`, wantErr: ErrEmptyCondition},
		{name: "empty text", raw: `"  "`, wantErr: ErrEmptyCondition},
		{name: "invalid json", raw: `{"logic":`, wantErr: ErrMalformedCondition},
		{name: "invalid json inside text", raw: `"{not json"`, wantErr: ErrMalformedCondition},
		{name: "array", raw: `[1,2]`, wantErr: ErrMalformedCondition},
		{name: "number", raw: `42`, wantErr: ErrMalformedCondition},
		{name: "unknown logic", raw: `{"logic":"XOR","conditions":[]}`, wantErr: ErrMalformedCondition},
		{name: "conditions not a list", raw: `{"conditions":{"question":1}}`, wantErr: ErrMalformedCondition},
		{name: "fallback not a bool", raw: `{"fallback":"yes"}`, wantErr: ErrMalformedCondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseCondition(json.RawMessage(tt.raw))

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseCondition_NormalizesCondition(t *testing.T) {
	t.Parallel()

	// Arrange
	raw := `{"conditions":[{"question":"7","operator":" NOT IN ","value":["a","b"],"type":"COUNT"}]}`

	// Act
	g, err := ParseCondition(json.RawMessage(raw))

	// Assert
	require.NoError(t, err)
	require.Len(t, g.Conditions, 1)
	c := g.Conditions[0]
	assert.Equal(t, NodeID("7"), c.Question)
	assert.Equal(t, OpNotIn, c.Operator)
	assert.Equal(t, TypeCount, c.Type)
	assert.Equal(t, AnswerList, c.Value.Kind())
}

func TestParseCondition_NonObjectEntriesNeverMatch(t *testing.T) {
	t.Parallel()

	g, err := ParseCondition(json.RawMessage(`{"logic":"OR","conditions":["junk", 12, {"question":1,"operator":"==","value":{"x":1}}]}`))

	require.NoError(t, err)
	require.Len(t, g.Conditions, 3)
	for _, c := range g.Conditions {
		assert.True(t, c.never)
	}
}

func TestParseCondition_PrecompilesRegex(t *testing.T) {
	t.Parallel()

	good, err := ParseCondition(json.RawMessage(`{"question":1,"operator":"regex","value":"^a+$"}`))
	require.NoError(t, err)
	assert.NotNil(t, good.Conditions[0].pattern)

	bad, err := ParseCondition(json.RawMessage(`{"question":1,"operator":"regex","value":"(unclosed"}`))
	require.NoError(t, err, "a bad pattern only disables the condition")
	assert.Nil(t, bad.Conditions[0].pattern)
}

func TestCompileRules_ReportsFailuresWithoutAborting(t *testing.T) {
	t.Parallel()

	// Arrange
	rules := []Rule{
		{ID: 1, Condition: json.RawMessage(`{"fallback":true}`)},
		{ID: 2, Condition: json.RawMessage(`{broken`)},
		{ID: 3, Condition: nil},
		{ID: 4, Condition: json.RawMessage(`{"question":1,"operator":"==","value":"x"}`)},
	}

	// Act
	skipped := CompileRules(rules)

	// Assert
	require.Len(t, skipped, 2)
	assert.Equal(t, RuleID(2), skipped[0].RuleID)
	assert.ErrorIs(t, skipped[0].Err, ErrMalformedCondition)
	assert.Equal(t, RuleID(3), skipped[1].RuleID)
	assert.ErrorIs(t, skipped[1].Err, ErrEmptyCondition)

	for i := range rules {
		assert.True(t, rules[i].Compiled(), "rule %d should be marked compiled", rules[i].ID)
	}

	g, err := rules[3].Group()
	require.NoError(t, err)
	assert.Len(t, g.Conditions, 1)

	_, err = rules[1].Group()
	assert.ErrorIs(t, err, ErrMalformedCondition)
}

func TestRule_GroupWithoutCompileDoesNotMutate(t *testing.T) {
	t.Parallel()

	r := Rule{ID: 1, Condition: json.RawMessage(`{"fallback":true}`)}

	g, err := r.Group()

	require.NoError(t, err)
	assert.True(t, g.Fallback)
	assert.False(t, r.Compiled())
}
