package api_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/wayfinder/internal/api"
	"github.com/rafaeljc/wayfinder/internal/routing"
	"github.com/rafaeljc/wayfinder/internal/ruleengine"
	"github.com/rafaeljc/wayfinder/internal/store"
	"github.com/rafaeljc/wayfinder/internal/testsupport"
)

const testChannel = "wayfinder:test"

var errTransient = errors.New("i/o timeout")

type harness struct {
	api         *api.API
	traversals  *fakeTraversals
	rules       *fakeRules
	invalidator *fakeInvalidator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		traversals:  &fakeTraversals{},
		rules:       newFakeRules(),
		invalidator: &fakeInvalidator{},
	}
	h.api = api.NewAPIWithConfig(h.traversals, h.rules, h.invalidator, api.Options{
		SkipAuth:            true,
		MaxBodyBytes:        1 << 10,
		InvalidationChannel: testChannel,
		Logger:              slog.New(slog.DiscardHandler),
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.api.Router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func sampleTraversal(scope ruleengine.Scope, nodes ...ruleengine.NodeID) *routing.Traversal {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := ruleengine.Start(nodes[0])
	for i, n := range nodes[1:] {
		h = h.Advance(n, ruleengine.RuleID(i+1))
	}
	return &routing.Traversal{ID: uuid.New(), Scope: scope, History: h, StartedAt: now, UpdatedAt: now}
}

func TestNewAPI_Panics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { api.NewAPI(&fakeTraversals{}, newFakeRules(), &fakeInvalidator{}, "", testChannel) })
	assert.Panics(t, func() { api.NewAPI(nil, newFakeRules(), &fakeInvalidator{}, "x", testChannel) })
	assert.Panics(t, func() {
		api.NewAPI(&fakeTraversals{}, newFakeRules(), &fakeInvalidator{}, "not-a-sha256", testChannel)
	})
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	const key = "s3cret-key"
	sum := sha256.Sum256([]byte(key))
	traversals := &fakeTraversals{
		get: func(uuid.UUID) (*routing.Traversal, error) { return nil, routing.ErrTraversalNotFound },
	}
	a := api.NewAPI(traversals, newFakeRules(), &fakeInvalidator{}, hex.EncodeToString(sum[:]), testChannel)
	path := "/api/v1/traversals/" + uuid.NewString()

	tests := []struct {
		name       string
		path       string
		key        string
		wantStatus int
	}{
		{name: "missing key", path: path, wantStatus: http.StatusUnauthorized},
		{name: "wrong key", path: path, key: "guess", wantStatus: http.StatusUnauthorized},
		{name: "valid key", path: path, key: key, wantStatus: http.StatusNotFound},
		{name: "health is public", path: "/health", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set(api.APIKeyHeader, tt.key)
			}
			rr := httptest.NewRecorder()

			a.Router.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestHandleStartTraversal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		startErr   error
		wantStatus int
		wantCode   string
	}{
		{name: "broken json", body: `{"domain":`, wantStatus: http.StatusBadRequest, wantCode: "ERR_INVALID_JSON"},
		{name: "unknown domain", body: `{"domain":"quiz","entry":"q1"}`, wantStatus: http.StatusBadRequest, wantCode: "ERR_INVALID_INPUT"},
		{name: "missing entry", body: `{"domain":"survey"}`, wantStatus: http.StatusBadRequest, wantCode: "ERR_INVALID_INPUT"},
		{name: "entry not found", body: `{"domain":"survey","entry":"q404"}`, startErr: routing.ErrEntryNotFound, wantStatus: http.StatusUnprocessableEntity, wantCode: "ERR_UNPROCESSABLE"},
		{name: "store failure", body: `{"domain":"survey","entry":"q1"}`, startErr: errTransient, wantStatus: http.StatusInternalServerError, wantCode: "ERR_INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.traversals.start = func(ruleengine.Scope, ruleengine.NodeID) (*routing.Traversal, error) {
				return nil, tt.startErr
			}

			rr := h.do(t, http.MethodPost, "/api/v1/traversals", tt.body)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantCode, decode[api.ErrorResponse](t, rr).Code)
		})
	}

	t.Run("creates the traversal", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		var gotScope ruleengine.Scope
		var gotEntry ruleengine.NodeID
		h.traversals.start = func(scope ruleengine.Scope, entry ruleengine.NodeID) (*routing.Traversal, error) {
			gotScope, gotEntry = scope, entry
			return sampleTraversal(scope, entry), nil
		}

		rr := h.do(t, http.MethodPost, "/api/v1/traversals", `{"domain":" Survey ","survey_version_id":"v1","entry":7}`)

		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		assert.Equal(t, ruleengine.Scope{Domain: ruleengine.DomainSurvey, SurveyVersionID: "v1"}, gotScope)
		assert.Equal(t, ruleengine.NodeID("7"), gotEntry, "numeric ids are accepted")

		body := decode[api.Traversal](t, rr)
		assert.Equal(t, ruleengine.NodeID("7"), body.Current)
		assert.Equal(t, "v1", body.SurveyVersionID)
		assert.False(t, body.Done)
	})

	t.Run("oversized body is rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		big := fmt.Sprintf(`{"domain":"survey","entry":"%s"}`, bytes.Repeat([]byte("x"), 2048))

		rr := h.do(t, http.MethodPost, "/api/v1/traversals", big)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestHandleTraversalByID(t *testing.T) {
	t.Parallel()
	scope := ruleengine.Scope{Domain: ruleengine.DomainSurvey}

	t.Run("invalid id", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		rr := h.do(t, http.MethodGet, "/api/v1/traversals/not-a-uuid", "")

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("get returns the traversal", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		tr := sampleTraversal(scope, "q1", "q2")
		h.traversals.get = func(id uuid.UUID) (*routing.Traversal, error) {
			require.Equal(t, tr.ID, id)
			return tr, nil
		}

		rr := h.do(t, http.MethodGet, "/api/v1/traversals/"+tr.ID.String(), "")

		require.Equal(t, http.StatusOK, rr.Code)
		body := decode[api.Traversal](t, rr)
		assert.Equal(t, ruleengine.NodeID("q2"), body.Current)
		assert.Len(t, body.History, 2)
	})

	t.Run("preview reports the next node", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		rule := &ruleengine.Rule{ID: 4, Target: "q3"}
		h.traversals.preview = func(uuid.UUID) (ruleengine.Decision, error) {
			return ruleengine.Decision{Next: "q3", Rule: rule}, nil
		}

		rr := h.do(t, http.MethodGet, "/api/v1/traversals/"+uuid.NewString()+"/next", "")

		require.Equal(t, http.StatusOK, rr.Code)
		body := decode[api.DecisionResponse](t, rr)
		assert.Equal(t, ruleengine.NodeID("q3"), body.Next)
		require.NotNil(t, body.RuleID)
		assert.Equal(t, ruleengine.RuleID(4), *body.RuleID)
	})

	t.Run("abandon", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		calls := 0
		h.traversals.abandon = func(uuid.UUID) error {
			calls++
			if calls > 1 {
				return routing.ErrTraversalNotFound
			}
			return nil
		}
		path := "/api/v1/traversals/" + uuid.NewString()

		assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, path, "").Code)
		assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, path, "").Code)
	})
}

func TestHandleAnswer(t *testing.T) {
	t.Parallel()
	scope := ruleengine.Scope{Domain: ruleengine.DomainAssessment}

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "missing node", body: `{"answer":"yes"}`, wantStatus: http.StatusBadRequest},
		{name: "unknown traversal", body: `{"node":"q1","answer":"yes"}`, err: routing.ErrTraversalNotFound, wantStatus: http.StatusNotFound},
		{name: "completed traversal", body: `{"node":"q1","answer":"yes"}`, err: routing.ErrTraversalCompleted, wantStatus: http.StatusConflict},
		{name: "node not visited", body: `{"node":"q9","answer":"yes"}`, err: fmt.Errorf("wrapped: %w", ruleengine.ErrNodeNotInHistory), wantStatus: http.StatusUnprocessableEntity},
		{name: "rule store down", body: `{"node":"q1","answer":"yes"}`, err: fmt.Errorf("%w: timeout", ruleengine.ErrRuleStore), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.traversals.answer = func(uuid.UUID, ruleengine.NodeID, ruleengine.Answer) (*routing.Step, error) {
				return nil, tt.err
			}

			rr := h.do(t, http.MethodPost, "/api/v1/traversals/"+uuid.NewString()+"/answers", tt.body)

			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}

	t.Run("answers of every shape reach the service", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		var got ruleengine.Answer
		h.traversals.answer = func(_ uuid.UUID, node ruleengine.NodeID, a ruleengine.Answer) (*routing.Step, error) {
			got = a
			tr := sampleTraversal(scope, node, "q2")
			return &routing.Step{Traversal: *tr, Next: "q2"}, nil
		}

		rr := h.do(t, http.MethodPost, "/api/v1/traversals/"+uuid.NewString()+"/answers",
			`{"node":"q1","answer":["a", 2]}`)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, 2, got.Count())
		body := decode[api.StepResponse](t, rr)
		assert.Equal(t, ruleengine.NodeID("q2"), body.Next)
		assert.False(t, body.Done)
	})

	t.Run("end of traversal is a success", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.traversals.answer = func(_ uuid.UUID, node ruleengine.NodeID, _ ruleengine.Answer) (*routing.Step, error) {
			tr := sampleTraversal(scope, node)
			tr.Done = true
			return &routing.Step{Traversal: *tr, Done: true}, nil
		}

		rr := h.do(t, http.MethodPost, "/api/v1/traversals/"+uuid.NewString()+"/answers", `{"node":"q1","answer":1}`)

		require.Equal(t, http.StatusOK, rr.Code)
		body := decode[api.StepResponse](t, rr)
		assert.True(t, body.Done)
		assert.Empty(t, body.Next)
		assert.True(t, body.Traversal.Done)
	})
}

func TestHandleRewind(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	tr := sampleTraversal(ruleengine.Scope{Domain: ruleengine.DomainSurvey}, "q1", "q2")
	h.traversals.rewind = func(_ uuid.UUID, node ruleengine.NodeID) (*routing.Traversal, bool, error) {
		return tr, node == "q1", nil
	}
	path := "/api/v1/traversals/" + tr.ID.String() + "/rewind"

	rr := h.do(t, http.MethodPost, path, `{"node":"q7"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[api.RewindResponse](t, rr).Changed)

	rr = h.do(t, http.MethodPost, path, `{"node":"q1"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[api.RewindResponse](t, rr).Changed)

	rr = h.do(t, http.MethodPost, path, `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleClassify(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var gotScope ruleengine.Scope
	var gotSnap ruleengine.Snapshot
	h.traversals.classify = func(scope ruleengine.Scope, _ ruleengine.NodeID, snap ruleengine.Snapshot) (ruleengine.Classification, error) {
		gotScope, gotSnap = scope, snap
		return ruleengine.Classification{Label: "high", Matched: true, Rule: &ruleengine.Rule{ID: 3}}, nil
	}

	rr := h.do(t, http.MethodPost, "/api/v1/classifications", `{"question":"score","answers":{"score":12}}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, ruleengine.DomainClassification, gotScope.Domain)
	assert.Contains(t, gotSnap, ruleengine.NodeID("score"))
	body := decode[api.ClassificationResponse](t, rr)
	assert.Equal(t, ruleengine.NodeID("high"), body.Label)
	assert.True(t, body.Matched)

	rr = h.do(t, http.MethodPost, "/api/v1/classifications", `{"answers":{}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleCreateNode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rr := h.do(t, http.MethodPost, "/api/v1/nodes", `{"domain":"survey","id":"q1","survey_version_id":"v1"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, store.KindQuestion, decode[api.Node](t, rr).Kind)

	rr = h.do(t, http.MethodPost, "/api/v1/nodes", `{"domain":"survey","id":"q1"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = h.do(t, http.MethodPost, "/api/v1/nodes", `{"domain":"survey","id":"q2","kind":"chapter"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleCreateRule(t *testing.T) {
	t.Parallel()

	t.Run("malformed condition is rejected up front", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.rules.nodes["q2"] = true

		rr := h.do(t, http.MethodPost, "/api/v1/rules", `{"domain":"survey","target":"q2","condition":{"logic":"XOR","conditions":[]}}`)

		require.Equal(t, http.StatusBadRequest, rr.Code)
		resp := decode[api.ErrorResponse](t, rr)
		require.NotEmpty(t, resp.Details)
		assert.Equal(t, "condition", resp.Details[0].Field)
		assert.Empty(t, h.rules.created)
	})

	t.Run("unknown target", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		rr := h.do(t, http.MethodPost, "/api/v1/rules", `{"domain":"survey","target":"q404","condition":{"fallback":true}}`)

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.Empty(t, h.rules.created)
	})

	t.Run("stores the rule and invalidates every scope of the domain", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.rules.nodes["q2"] = true
		h.rules.scopes = []ruleengine.Scope{
			{Domain: ruleengine.DomainSurvey},
			{Domain: ruleengine.DomainSurvey, SurveyVersionID: "v1"},
			{Domain: ruleengine.DomainAssessment},
		}
		h.invalidator.failures = 1

		rr := h.do(t, http.MethodPost, "/api/v1/rules",
			`{"domain":"survey","target":"q2","priority":2,"condition":{"question":"q1","operator":"==","value":"yes"}}`)

		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		body := decode[api.Rule](t, rr)
		assert.Equal(t, int64(1), body.ID)
		assert.True(t, body.Active)
		assert.JSONEq(t, `{"question":"q1","operator":"==","value":"yes"}`, string(body.Condition))

		require.Eventually(t, func() bool {
			return len(h.invalidator.invalidated()) == 2
		}, 2*time.Second, 10*time.Millisecond)
		assert.ElementsMatch(t, []string{"survey", "survey:v1"}, h.invalidator.invalidated())
		assert.Equal(t, testChannel, h.invalidator.channel)
	})
}

func TestHandleListRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
		wantOffset int
	}{
		{name: "missing domain", query: "", wantStatus: http.StatusBadRequest},
		{name: "non-numeric page", query: "?domain=survey&page=banana", wantStatus: http.StatusBadRequest},
		{name: "defaults", query: "?domain=survey", wantStatus: http.StatusOK, wantLimit: 10, wantOffset: 0},
		{name: "third page", query: "?domain=survey&page=3&page_size=20", wantStatus: http.StatusOK, wantLimit: 20, wantOffset: 40},
		{name: "clamped", query: "?domain=survey&page=-1&page_size=1000", wantStatus: http.StatusOK, wantLimit: 100, wantOffset: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.rules.listTotal = 45

			rr := h.do(t, http.MethodGet, "/api/v1/rules"+tt.query, "")

			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			assert.Equal(t, tt.wantLimit, h.rules.listLimit)
			assert.Equal(t, tt.wantOffset, h.rules.listOffset)

			page := decode[api.PaginatedResponse](t, rr)
			assert.Equal(t, int64(45), page.Pagination.TotalItems)
			assert.Equal(t, (45+tt.wantLimit-1)/tt.wantLimit, page.Pagination.TotalPages)
		})
	}

	t.Run("stored text conditions are returned as strings", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.rules.created = []*store.RuleRecord{{ID: 1, Domain: ruleengine.DomainSurvey, Target: "q2", Condition: "q1 == yes"}}

		rr := h.do(t, http.MethodGet, "/api/v1/rules?domain=survey", "")

		require.Equal(t, http.StatusOK, rr.Code)
		var page struct {
			Data []api.Rule `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
		require.Len(t, page.Data, 1)
		assert.JSONEq(t, `"q1 == yes"`, string(page.Data[0].Condition))
	})
}

func TestHandleDeactivateRule(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.rules.deactivate[7] = ruleengine.DomainClassification

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodDelete, "/api/v1/rules/abc", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/v1/rules/8", "").Code)
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v1/rules/7", "").Code)

	require.Eventually(t, func() bool {
		keys := h.invalidator.invalidated()
		return len(keys) == 1 && keys[0] == "classification"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsMiddleware(t *testing.T) {
	h := newHarness(t)
	h.traversals.get = func(uuid.UUID) (*routing.Traversal, error) { return nil, routing.ErrTraversalNotFound }

	t.Run("route pattern instead of raw path", func(t *testing.T) {
		labels := map[string]string{"method": "GET", "route": "/api/v1/traversals/{id}", "code": "404"}

		testsupport.AssertMetricDelta(t, "wayfinder_api_http_requests_total", labels, 1, func() {
			rr := h.do(t, http.MethodGet, "/api/v1/traversals/"+uuid.NewString(), "")
			require.Equal(t, http.StatusNotFound, rr.Code)
		})
		testsupport.AssertHistogramRecorded(t, "wayfinder_api_http_handling_seconds",
			map[string]string{"method": "GET", "route": "/api/v1/traversals/{id}"})
	})

	t.Run("unknown paths collapse to not_found", func(t *testing.T) {
		labels := map[string]string{"method": "GET", "route": "not_found", "code": "404"}

		testsupport.AssertMetricDelta(t, "wayfinder_api_http_requests_total", labels, 1, func() {
			rr := h.do(t, http.MethodGet, "/admin.php", "")
			require.Equal(t, http.StatusNotFound, rr.Code)
		})
	})

	t.Run("health", func(t *testing.T) {
		labels := map[string]string{"method": "GET", "route": "/health", "code": "200"}

		testsupport.AssertMetricDelta(t, "wayfinder_api_http_requests_total", labels, 1, func() {
			h.do(t, http.MethodGet, "/health", "")
		})
	})
}
