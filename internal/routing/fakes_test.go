package routing_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rafaeljc/wayfinder/internal/cache"
	"github.com/rafaeljc/wayfinder/internal/ruleengine"
	"github.com/rafaeljc/wayfinder/internal/store"
)

// fakeLoader is an in-memory source of truth.
type fakeLoader struct {
	mu         sync.Mutex
	rules      map[string][]ruleengine.Rule
	options    map[string]ruleengine.OptionTable
	nodes      map[ruleengine.NodeID]bool
	err        error
	fetchCalls int
	nodeCalls  int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		rules:   map[string][]ruleengine.Rule{},
		options: map[string]ruleengine.OptionTable{},
		nodes:   map[ruleengine.NodeID]bool{},
	}
}

func (f *fakeLoader) addRule(scope ruleengine.Scope, id ruleengine.RuleID, target ruleengine.NodeID, priority int, cond string) {
	f.rules[scope.Key()] = append(f.rules[scope.Key()], ruleengine.Rule{
		ID: id, Target: target, Priority: priority, Condition: json.RawMessage(cond),
	})
}

func (f *fakeLoader) addNodes(ids ...ruleengine.NodeID) {
	for _, id := range ids {
		f.nodes[id] = true
	}
}

func (f *fakeLoader) FetchRules(_ context.Context, scope ruleengine.Scope) ([]ruleengine.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.err != nil {
		return nil, f.err
	}
	// Fresh copy per call, like a database read.
	return append([]ruleengine.Rule(nil), f.rules[scope.Key()]...), nil
}

func (f *fakeLoader) FetchOptions(_ context.Context, scope ruleengine.Scope) (ruleengine.OptionTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.options[scope.Key()], nil
}

func (f *fakeLoader) NodeExists(_ context.Context, _ ruleengine.Scope, id ruleengine.NodeID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodeCalls++
	if f.err != nil {
		return false, f.err
	}
	return f.nodes[id], nil
}

func (f *fakeLoader) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// fakeL2 is an in-memory RuleSetCache that stores encoded copies.
type fakeL2 struct {
	mu   sync.Mutex
	sets map[string]cache.RuleSet
	ttls map[string]time.Duration
	err  error
}

func newFakeL2() *fakeL2 {
	return &fakeL2{sets: map[string]cache.RuleSet{}, ttls: map[string]time.Duration{}}
}

func (f *fakeL2) GetRuleSet(_ context.Context, scope ruleengine.Scope) (*cache.RuleSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rs, ok := f.sets[scope.Key()]
	if !ok {
		return nil, cache.ErrNotFound
	}
	// Decoded rule sets arrive uncompiled.
	out := cache.RuleSet{Fingerprint: rs.Fingerprint, Options: rs.Options}
	for _, r := range rs.Rules {
		out.Rules = append(out.Rules, ruleengine.Rule{ID: r.ID, Target: r.Target, Priority: r.Priority, Condition: r.Condition})
	}
	return &out, nil
}

func (f *fakeL2) SetRuleSet(_ context.Context, scope ruleengine.Scope, rs *cache.RuleSet, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sets[scope.Key()] = *rs
	f.ttls[scope.Key()] = ttl
	return nil
}

// fakeSessions is an in-memory SessionStore.
type fakeSessions struct {
	mu   sync.Mutex
	data map[string][]byte
	ttl  time.Duration
	err  error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{data: map[string][]byte{}}
}

func (f *fakeSessions) GetSession(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.data[id]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return d, nil
}

func (f *fakeSessions) SetSession(_ context.Context, id string, data []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.data[id] = data
	f.ttl = ttl
	return nil
}

func (f *fakeSessions) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[id]; !ok {
		return cache.ErrNotFound
	}
	delete(f.data, id)
	return nil
}

func (f *fakeSessions) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[id]
	return ok
}

// fakeRecorder collects completions.
type fakeRecorder struct {
	mu      sync.Mutex
	records []store.Completion
	err     error
}

func (f *fakeRecorder) RecordCompletion(_ context.Context, c *store.Completion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, *c)
	return nil
}

var errDown = errors.New("connection refused")
