package api_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/wayfinder/internal/routing"
	"github.com/rafaeljc/wayfinder/internal/ruleengine"
	"github.com/rafaeljc/wayfinder/internal/store"
)

// fakeTraversals lets each test script the service response.
type fakeTraversals struct {
	start    func(ruleengine.Scope, ruleengine.NodeID) (*routing.Traversal, error)
	get      func(uuid.UUID) (*routing.Traversal, error)
	preview  func(uuid.UUID) (ruleengine.Decision, error)
	answer   func(uuid.UUID, ruleengine.NodeID, ruleengine.Answer) (*routing.Step, error)
	rewind   func(uuid.UUID, ruleengine.NodeID) (*routing.Traversal, bool, error)
	abandon  func(uuid.UUID) error
	classify func(ruleengine.Scope, ruleengine.NodeID, ruleengine.Snapshot) (ruleengine.Classification, error)
}

func (f *fakeTraversals) Start(_ context.Context, scope ruleengine.Scope, entry ruleengine.NodeID) (*routing.Traversal, error) {
	return f.start(scope, entry)
}

func (f *fakeTraversals) Get(_ context.Context, id uuid.UUID) (*routing.Traversal, error) {
	return f.get(id)
}

func (f *fakeTraversals) Preview(_ context.Context, id uuid.UUID) (ruleengine.Decision, error) {
	return f.preview(id)
}

func (f *fakeTraversals) Answer(_ context.Context, id uuid.UUID, node ruleengine.NodeID, answer ruleengine.Answer) (*routing.Step, error) {
	return f.answer(id, node, answer)
}

func (f *fakeTraversals) Rewind(_ context.Context, id uuid.UUID, node ruleengine.NodeID) (*routing.Traversal, bool, error) {
	return f.rewind(id, node)
}

func (f *fakeTraversals) Abandon(_ context.Context, id uuid.UUID) error {
	return f.abandon(id)
}

func (f *fakeTraversals) Classify(_ context.Context, scope ruleengine.Scope, q ruleengine.NodeID, snap ruleengine.Snapshot) (ruleengine.Classification, error) {
	return f.classify(scope, q, snap)
}

// fakeRules is an in-memory RuleAdmin.
type fakeRules struct {
	mu         sync.Mutex
	scopes     []ruleengine.Scope
	nodes      map[ruleengine.NodeID]bool
	created    []*store.RuleRecord
	createdN   []*store.Node
	nodeErr    error
	listErr    error
	listLimit  int
	listOffset int
	listTotal  int64
	nextID     int64
	deactivate map[int64]ruleengine.Domain
}

func newFakeRules() *fakeRules {
	return &fakeRules{
		nodes:      map[ruleengine.NodeID]bool{},
		deactivate: map[int64]ruleengine.Domain{},
	}
}

func (f *fakeRules) ListScopes(context.Context) ([]ruleengine.Scope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scopes, nil
}

func (f *fakeRules) NodeExists(_ context.Context, _ ruleengine.Scope, id ruleengine.NodeID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[id], f.nodeErr
}

func (f *fakeRules) CreateNode(_ context.Context, n *store.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodes[n.ID] {
		return store.ErrConflict
	}
	f.nodes[n.ID] = true
	n.CreatedAt = time.Now().UTC()
	f.createdN = append(f.createdN, n)
	return nil
}

func (f *fakeRules) CreateRule(_ context.Context, r *store.RuleRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r.ID = f.nextID
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	f.created = append(f.created, r)
	return nil
}

func (f *fakeRules) ListRules(_ context.Context, _ ruleengine.Domain, limit, offset int) ([]*store.RuleRecord, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listLimit, f.listOffset = limit, offset
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	return f.created, f.listTotal, nil
}

func (f *fakeRules) DeactivateRule(_ context.Context, id int64) (ruleengine.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deactivate[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return d, nil
}

// fakeInvalidator records invalidated scope keys.
type fakeInvalidator struct {
	mu       sync.Mutex
	channel  string
	keys     []string
	failures int
}

func (f *fakeInvalidator) InvalidateRuleSet(_ context.Context, channel string, scope ruleengine.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errTransient
	}
	f.channel = channel
	f.keys = append(f.keys, scope.Key())
	return nil
}

func (f *fakeInvalidator) invalidated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}
