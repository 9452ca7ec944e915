package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/wayfinder/internal/logger"
	"github.com/rafaeljc/wayfinder/internal/ruleengine"
	"github.com/rafaeljc/wayfinder/internal/store"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// handleCreateNode processes POST /api/v1/nodes.
func (a *API) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req CreateNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	node := &store.Node{
		Domain:          req.Domain,
		ID:              req.ID,
		SurveyVersionID: req.SurveyVersionID,
		Kind:            req.Kind,
	}
	if err := a.rules.CreateNode(r.Context(), node); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, r, http.StatusConflict, codeConflict, "A node with this id already exists in the domain")
			return
		}
		log.Error("failed to create node in db", slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, codeInternal, "Failed to create node")
		return
	}

	log.Info("node created", slog.String("domain", string(node.Domain)), slog.String("node_id", string(node.ID)))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, Node{
		Domain:          node.Domain,
		ID:              node.ID,
		SurveyVersionID: node.SurveyVersionID,
		Kind:            node.Kind,
		CreatedAt:       node.CreatedAt,
	})
}

// handleCreateRule processes POST /api/v1/rules.
//
// The condition is parsed before anything is stored and the target must
// already exist in the domain. On success the domain's cached rule sets are
// invalidated in the background.
func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req CreateRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	exists, err := a.rules.NodeExists(r.Context(), ruleengine.Scope{Domain: req.Domain}, req.Target)
	if err != nil {
		log.Error("failed to look up rule target", slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, codeInternal, "Failed to create rule")
		return
	}
	if !exists {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, ErrorResponse{
			Code:    codeUnprocessable,
			Message: "Rule target does not exist",
			Details: []ErrorDetail{{Field: "target", Issue: fmt.Sprintf("no node %q in domain %s", req.Target, req.Domain)}},
		})
		return
	}

	rule := &store.RuleRecord{
		Domain:      req.Domain,
		Target:      req.Target,
		Condition:   string(req.Condition),
		Priority:    req.Priority,
		Active:      true,
		Description: req.Description,
	}
	if err := a.rules.CreateRule(r.Context(), rule); err != nil {
		log.Error("failed to create rule in db", slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, codeInternal, "Failed to create rule")
		return
	}

	a.invalidateDomainAsync(log, rule.Domain)

	log.Info("rule created", slog.Int64("rule_id", rule.ID), slog.String("domain", string(rule.Domain)))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, mapRule(rule))
}

// handleListRules processes GET /api/v1/rules?domain=&page=&page_size=.
func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	domain := ruleengine.Domain(r.URL.Query().Get("domain"))
	if !domain.Valid() {
		writeError(w, r, http.StatusBadRequest, codeInvalidQueryParam,
			"parameter 'domain' must be one of assessment, survey, classification")
		return
	}

	page, err := parseOptionalInt(r, "page", 1)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidQueryParam, err.Error())
		return
	}
	pageSize, err := parseOptionalInt(r, "page_size", defaultPageSize)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidQueryParam, err.Error())
		return
	}

	// Out-of-range values are clamped, not rejected.
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	rules, total, err := a.rules.ListRules(r.Context(), domain, pageSize, (page-1)*pageSize)
	if err != nil {
		log.Error("failed to list rules from db", slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, codeInternal, "Failed to list rules")
		return
	}

	dtos := make([]Rule, len(rules))
	for i, rule := range rules {
		dtos[i] = mapRule(rule)
	}

	totalPages := 0
	if total > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(pageSize)))
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, PaginatedResponse{
		Data: dtos,
		Pagination: Pagination{
			TotalItems:  total,
			TotalPages:  totalPages,
			CurrentPage: page,
			PageSize:    pageSize,
		},
	})
}

// handleDeactivateRule processes DELETE /api/v1/rules/{id}.
func (a *API) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, "Rule id must be a positive integer")
		return
	}

	domain, err := a.rules.DeactivateRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, codeNotFound, "Rule not found")
			return
		}
		log.Error("failed to deactivate rule", slog.Int64("rule_id", id), slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, codeInternal, "Failed to deactivate rule")
		return
	}

	a.invalidateDomainAsync(log, domain)

	log.Info("rule deactivated", slog.Int64("rule_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// --- Private Helpers ---

// parseOptionalInt extracts an integer from the query string.
// If the parameter is missing, it returns the defaultValue.
// It only returns an error if the parameter is present but malformed.
func parseOptionalInt(r *http.Request, key string, defaultValue int) (int, error) {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("parameter '%s' must be an integer", key)
	}
	return val, nil
}

// invalidateDomainAsync drops every cached rule set of the domain in the
// background. A rule is domain-wide, so every survey version scope is affected.
// Failures are retried with exponential backoff; the syncer repairs whatever
// is left over on its next cycle.
func (a *API) invalidateDomainAsync(log *slog.Logger, domain ruleengine.Domain) {
	go func() {
		// Detached from the request: the response is already on its way.
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		scopes := []ruleengine.Scope{{Domain: domain}}
		all, err := a.rules.ListScopes(ctx)
		if err != nil {
			log.Warn("failed to list scopes, invalidating the domain scope only",
				slog.String("domain", string(domain)), slog.Any("error", err))
		}
		for _, s := range all {
			if s.Domain == domain && s.SurveyVersionID != "" {
				scopes = append(scopes, s)
			}
		}

		for _, scope := range scopes {
			a.invalidateWithRetry(ctx, log, scope)
		}
	}()
}

func (a *API) invalidateWithRetry(ctx context.Context, log *slog.Logger, scope ruleengine.Scope) {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i <= maxRetries; i++ {
		err := a.invalidator.InvalidateRuleSet(ctx, a.opts.InvalidationChannel, scope)
		if err == nil {
			return
		}

		if i == maxRetries {
			log.Error("failed to invalidate rule set after retries",
				slog.String("scope", scope.Key()), slog.Any("error", err))
			return
		}

		log.Warn("failed to invalidate rule set, retrying",
			slog.String("scope", scope.Key()), slog.Int("attempt", i+1), slog.Any("error", err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(baseDelay * time.Duration(1<<i)):
		}
	}
}
