package ruleengine

import (
	"errors"
	"slices"
)

var (
	// ErrEmptyHistory is returned when an operation needs a current node.
	ErrEmptyHistory = errors.New("history is empty")

	// ErrNodeNotInHistory is returned when an answer targets a node that was never reached.
	ErrNodeNotInHistory = errors.New("node not in history")
)

// Entry is one visited node of a traversal.
// RuleID is nil for the entry point; Answer is absent until the node is answered.
type Entry struct {
	Node   NodeID  `json:"node"`
	RuleID *RuleID `json:"rule_id"`
	Answer Answer  `json:"answer,omitzero"`
}

// History is the ordered list of visited nodes.
// Operations never modify the receiver; they return a new History.
type History []Entry

// Start returns a history positioned at the entry node.
func Start(entry NodeID) History {
	return History{{Node: entry}}
}

// clone copies the entries, including the rule id pointers.
func (h History) clone() History {
	out := make(History, len(h))
	for i, e := range h {
		out[i] = e
		if e.RuleID != nil {
			id := *e.RuleID
			out[i].RuleID = &id
		}
	}
	return out
}

// Current returns the last entry.
func (h History) Current() (Entry, bool) {
	if len(h) == 0 {
		return Entry{}, false
	}
	return h[len(h)-1], true
}

// WithAnswer records answer on the last entry for node.
func (h History) WithAnswer(node NodeID, answer Answer) (History, error) {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Node == node {
			out := h.clone()
			out[i].Answer = answer
			return out, nil
		}
	}
	return h, ErrNodeNotInHistory
}

// Advance appends the node reached through rule.
func (h History) Advance(target NodeID, rule RuleID) History {
	out := slices.Grow(h.clone(), 1)
	return append(out, Entry{Node: target, RuleID: &rule})
}

// Snapshot collects the answers of every answered entry. A node visited
// twice keeps its latest answer.
func (h History) Snapshot() Snapshot {
	snap := make(Snapshot, len(h))
	for _, e := range h {
		if !e.Answer.IsZero() {
			snap[e.Node] = e.Answer
		}
	}
	return snap
}

// Consumed collects the ids of every rule that produced an entry.
func (h History) Consumed() ConsumedSet {
	consumed := make(ConsumedSet, len(h))
	for _, e := range h {
		if e.RuleID != nil {
			consumed[*e.RuleID] = struct{}{}
		}
	}
	return consumed
}

// Rewind moves back to the first occurrence of node: later entries are
// dropped and the node's answer is cleared so it can be answered again.
// The entry keeps its rule id, so the rule that led here stays consumed.
// It returns the unchanged history and false when node was never visited.
func (h History) Rewind(node NodeID) (History, bool) {
	idx := slices.IndexFunc(h, func(e Entry) bool { return e.Node == node })
	if idx < 0 {
		return h, false
	}

	out := h[:idx+1].clone()
	out[idx].Answer = Absent()
	return out, true
}
