// Package api implements the Wayfinder REST API: traversals, classification
// and rule administration. It is a thin HTTP layer over the routing service
// and the rule repository.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/rafaeljc/wayfinder/internal/routing"
	"github.com/rafaeljc/wayfinder/internal/ruleengine"
	"github.com/rafaeljc/wayfinder/internal/store"
)

var _ Traversals = (*routing.Service)(nil)

// Traversals is the routing service as seen by the handlers.
type Traversals interface {
	Start(ctx context.Context, scope ruleengine.Scope, entry ruleengine.NodeID) (*routing.Traversal, error)
	Get(ctx context.Context, id uuid.UUID) (*routing.Traversal, error)
	Preview(ctx context.Context, id uuid.UUID) (ruleengine.Decision, error)
	Answer(ctx context.Context, id uuid.UUID, node ruleengine.NodeID, answer ruleengine.Answer) (*routing.Step, error)
	Rewind(ctx context.Context, id uuid.UUID, node ruleengine.NodeID) (*routing.Traversal, bool, error)
	Abandon(ctx context.Context, id uuid.UUID) error
	Classify(ctx context.Context, scope ruleengine.Scope, question ruleengine.NodeID, answers ruleengine.Snapshot) (ruleengine.Classification, error)
}

// RuleAdmin is the subset of the repository used by the administration endpoints.
type RuleAdmin interface {
	ListScopes(ctx context.Context) ([]ruleengine.Scope, error)
	NodeExists(ctx context.Context, scope ruleengine.Scope, id ruleengine.NodeID) (bool, error)
	CreateNode(ctx context.Context, n *store.Node) error
	CreateRule(ctx context.Context, r *store.RuleRecord) error
	ListRules(ctx context.Context, domain ruleengine.Domain, limit, offset int) ([]*store.RuleRecord, int64, error)
	DeactivateRule(ctx context.Context, id int64) (ruleengine.Domain, error)
}

// Invalidator drops a cached rule set and tells every API instance about it.
type Invalidator interface {
	InvalidateRuleSet(ctx context.Context, channel string, scope ruleengine.Scope) error
}

// Options tunes an API instance.
type Options struct {
	// APIKeyHash is the hex SHA-256 of the accepted X-API-Key.
	APIKeyHash string

	// SkipAuth disables authentication (tests and local development only).
	SkipAuth bool

	// MaxBodyBytes caps request bodies. Zero means no limit.
	MaxBodyBytes int64

	// InvalidationChannel is where rule changes are announced.
	InvalidationChannel string

	Logger *slog.Logger
}

// API holds the handlers' dependencies and the router.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	traversals  Traversals
	rules       RuleAdmin
	invalidator Invalidator
	opts        Options
	logger      *slog.Logger
}

// NewAPI creates an API with authentication enabled.
// Panics if apiKeyHash is empty.
func NewAPI(traversals Traversals, rules RuleAdmin, invalidator Invalidator, apiKeyHash, channel string) *API {
	return NewAPIWithConfig(traversals, rules, invalidator, Options{
		APIKeyHash:          apiKeyHash,
		InvalidationChannel: channel,
	})
}

// NewAPIWithConfig creates an API with explicit options.
//
// Panics if:
//   - any dependency is nil
//   - APIKeyHash is empty while SkipAuth is false
func NewAPIWithConfig(traversals Traversals, rules RuleAdmin, invalidator Invalidator, opts Options) *API {
	if traversals == nil {
		panic("api: traversal service cannot be nil")
	}
	if rules == nil {
		panic("api: rule repository cannot be nil")
	}
	if invalidator == nil {
		panic("api: invalidator cannot be nil")
	}
	if !opts.SkipAuth && opts.APIKeyHash == "" {
		panic("api: apiKeyHash cannot be empty when authentication is enabled")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &API{
		Router:      chi.NewRouter(),
		traversals:  traversals,
		rules:       rules,
		invalidator: invalidator,
		opts:        opts,
		logger:      logger,
	}

	a.configureRoutes()
	return a
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	// Metrics wrap everything below, so panics recovered into 500s are counted.
	a.Router.Use(Metrics)
	a.Router.Use(RequestLogger(a.logger))
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))
	if a.opts.MaxBodyBytes > 0 {
		a.Router.Use(middleware.RequestSize(a.opts.MaxBodyBytes))
	}

	a.Router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "Resource not found")
	})
	a.Router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "ERR_METHOD_NOT_ALLOWED", "Method not allowed")
	})

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Route("/traversals", func(r chi.Router) {
			r.Post("/", a.handleStartTraversal)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetTraversal)
				r.Delete("/", a.handleAbandonTraversal)
				r.Get("/next", a.handlePreview)
				r.Post("/answers", a.handleAnswer)
				r.Post("/rewind", a.handleRewind)
			})
		})

		r.Post("/classifications", a.handleClassify)

		r.Post("/nodes", a.handleCreateNode)

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", a.handleCreateRule)
			r.Get("/", a.handleListRules)
			r.Delete("/{id}", a.handleDeactivateRule)
		})
	})
}

// handleHealthCheck reports that the API is serving. Dependency checks live
// on the observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Code: code, Message: message})
}
