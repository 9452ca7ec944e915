package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/rafaeljc/wayfinder/internal/logger"
	"github.com/rafaeljc/wayfinder/internal/routing"
	"github.com/rafaeljc/wayfinder/internal/ruleengine"
)

// handleStartTraversal processes POST /api/v1/traversals.
func (a *API) handleStartTraversal(w http.ResponseWriter, r *http.Request) {
	var req StartTraversalRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	t, err := a.traversals.Start(r.Context(), req.Scope(), req.Entry)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("traversal started",
		slog.String("traversal_id", t.ID.String()),
		slog.String("scope", t.Scope.Key()))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, mapTraversal(t))
}

// handleGetTraversal processes GET /api/v1/traversals/{id}.
func (a *API) handleGetTraversal(w http.ResponseWriter, r *http.Request) {
	id, ok := traversalID(w, r)
	if !ok {
		return
	}

	t, err := a.traversals.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapTraversal(t))
}

// handlePreview processes GET /api/v1/traversals/{id}/next. Nothing is saved.
func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := traversalID(w, r)
	if !ok {
		return
	}

	d, err := a.traversals.Preview(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := DecisionResponse{Next: d.Next, Done: d.Done, Skipped: d.Skipped}
	if d.Rule != nil {
		resp.RuleID = &d.Rule.ID
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// handleAnswer processes POST /api/v1/traversals/{id}/answers. A finished
// traversal is still a 200, with done set and no next node.
func (a *API) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id, ok := traversalID(w, r)
	if !ok {
		return
	}

	var req AnswerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Node == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    codeInvalidInput,
			Message: "Invalid answer",
			Details: []ErrorDetail{{Field: "node", Issue: "is required"}},
		})
		return
	}

	ctx := logger.With(r.Context(), slog.String("traversal_id", id.String()))
	step, err := a.traversals.Answer(ctx, id, req.Node, req.Answer)
	if err != nil {
		writeServiceError(w, r.WithContext(ctx), err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, StepResponse{
		Next:      step.Next,
		Done:      step.Done,
		Skipped:   step.Skipped,
		Traversal: mapTraversal(&step.Traversal),
	})
}

// handleRewind processes POST /api/v1/traversals/{id}/rewind.
func (a *API) handleRewind(w http.ResponseWriter, r *http.Request) {
	id, ok := traversalID(w, r)
	if !ok {
		return
	}

	var req RewindRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Node == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    codeInvalidInput,
			Message: "Invalid rewind",
			Details: []ErrorDetail{{Field: "node", Issue: "is required"}},
		})
		return
	}

	t, changed, err := a.traversals.Rewind(r.Context(), id, req.Node)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, RewindResponse{Changed: changed, Traversal: mapTraversal(t)})
}

// handleAbandonTraversal processes DELETE /api/v1/traversals/{id}.
func (a *API) handleAbandonTraversal(w http.ResponseWriter, r *http.Request) {
	id, ok := traversalID(w, r)
	if !ok {
		return
	}

	if err := a.traversals.Abandon(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleClassify processes POST /api/v1/classifications.
func (a *API) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	scope := ruleengine.Scope{Domain: ruleengine.DomainClassification, SurveyVersionID: req.SurveyVersionID}
	c, err := a.traversals.Classify(r.Context(), scope, req.Question, req.Answers)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := ClassificationResponse{Label: c.Label, Matched: c.Matched, Skipped: c.Skipped}
	if c.Rule != nil {
		resp.RuleID = &c.Rule.ID
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// --- Private Helpers ---

// decodeJSON decodes the body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
		writeError(w, r, http.StatusBadRequest, codeInvalidJSON, "Invalid JSON payload: "+err.Error())
		return false
	}
	return true
}

func traversalID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, "Traversal id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps routing and engine errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, routing.ErrTraversalNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "Traversal not found")
	case errors.Is(err, routing.ErrTraversalCompleted):
		writeError(w, r, http.StatusConflict, codeConflict, "Traversal already completed")
	case errors.Is(err, routing.ErrInvalidScope):
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
	case errors.Is(err, routing.ErrEntryNotFound),
		errors.Is(err, ruleengine.ErrNodeNotInHistory),
		errors.Is(err, ruleengine.ErrEmptyHistory),
		errors.Is(err, ruleengine.ErrTargetNotFound):
		writeError(w, r, http.StatusUnprocessableEntity, codeUnprocessable, err.Error())
	case errors.Is(err, ruleengine.ErrRuleStore):
		logger.FromContext(r.Context()).Error("rule store unavailable", slog.Any("error", err))
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "Rules are temporarily unavailable")
	default:
		logger.FromContext(r.Context()).Error("request failed", slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, codeInternal, "Internal error")
	}
}
