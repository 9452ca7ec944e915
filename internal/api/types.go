package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/wayfinder/internal/routing"
	"github.com/rafaeljc/wayfinder/internal/ruleengine"
	"github.com/rafaeljc/wayfinder/internal/store"
)

// Error codes.
const (
	codeInvalidJSON       = "ERR_INVALID_JSON"
	codeInvalidInput      = "ERR_INVALID_INPUT"
	codeInvalidQueryParam = "ERR_INVALID_QUERY_PARAM"
	codeNotFound          = "ERR_NOT_FOUND"
	codeConflict          = "ERR_CONFLICT"
	codeUnprocessable     = "ERR_UNPROCESSABLE"
	codeUnauthorized      = "ERR_UNAUTHORIZED"
	codeUnavailable       = "ERR_UNAVAILABLE"
	codeInternal          = "ERR_INTERNAL"
)

// -----------------------------------------------------------------------------
// Traversals
// -----------------------------------------------------------------------------

// StartTraversalRequest is the payload of POST /traversals.
type StartTraversalRequest struct {
	Domain          ruleengine.Domain `json:"domain"`
	SurveyVersionID string            `json:"survey_version_id,omitempty"`
	Entry           ruleengine.NodeID `json:"entry"`
}

// Sanitize normalizes the request in place.
func (r *StartTraversalRequest) Sanitize() {
	r.Domain = ruleengine.Domain(strings.ToLower(strings.TrimSpace(string(r.Domain))))
	r.SurveyVersionID = strings.TrimSpace(r.SurveyVersionID)
}

// Validate checks the request shape. Whether the entry exists is left to the service.
func (r *StartTraversalRequest) Validate() *ErrorResponse {
	var details []ErrorDetail
	if !r.Domain.Valid() {
		details = append(details, ErrorDetail{Field: "domain", Issue: "must be one of assessment, survey, classification"})
	}
	if r.Entry == "" {
		details = append(details, ErrorDetail{Field: "entry", Issue: "is required"})
	}
	if len(details) > 0 {
		return &ErrorResponse{Code: codeInvalidInput, Message: "Invalid traversal request", Details: details}
	}
	return nil
}

// Scope returns the scope the traversal runs in.
func (r *StartTraversalRequest) Scope() ruleengine.Scope {
	return ruleengine.Scope{Domain: r.Domain, SurveyVersionID: r.SurveyVersionID}
}

// AnswerRequest is the payload of POST /traversals/{id}/answers.
type AnswerRequest struct {
	Node   ruleengine.NodeID `json:"node"`
	Answer ruleengine.Answer `json:"answer"`
}

// RewindRequest is the payload of POST /traversals/{id}/rewind.
type RewindRequest struct {
	Node ruleengine.NodeID `json:"node"`
}

// Traversal is the traversal resource.
type Traversal struct {
	ID              uuid.UUID          `json:"id"`
	Domain          ruleengine.Domain  `json:"domain"`
	SurveyVersionID string             `json:"survey_version_id,omitempty"`
	Current         ruleengine.NodeID  `json:"current"`
	Done            bool               `json:"done"`
	History         ruleengine.History `json:"history"`
	StartedAt       time.Time          `json:"started_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func mapTraversal(t *routing.Traversal) Traversal {
	h := t.History
	if h == nil {
		h = ruleengine.History{}
	}
	return Traversal{
		ID:              t.ID,
		Domain:          t.Scope.Domain,
		SurveyVersionID: t.Scope.SurveyVersionID,
		Current:         t.Current(),
		Done:            t.Done,
		History:         h,
		StartedAt:       t.StartedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// StepResponse is returned by the answer endpoint.
type StepResponse struct {
	Next      ruleengine.NodeID        `json:"next,omitempty"`
	Done      bool                     `json:"done"`
	Skipped   []ruleengine.SkippedRule `json:"skipped,omitempty"`
	Traversal Traversal                `json:"traversal"`
}

// DecisionResponse is returned by the preview endpoint.
type DecisionResponse struct {
	Next    ruleengine.NodeID        `json:"next,omitempty"`
	RuleID  *ruleengine.RuleID       `json:"rule_id,omitempty"`
	Done    bool                     `json:"done"`
	Skipped []ruleengine.SkippedRule `json:"skipped,omitempty"`
}

// RewindResponse reports whether the history changed.
type RewindResponse struct {
	Changed   bool      `json:"changed"`
	Traversal Traversal `json:"traversal"`
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// ClassifyRequest is the payload of POST /classifications.
type ClassifyRequest struct {
	SurveyVersionID string              `json:"survey_version_id,omitempty"`
	Question        ruleengine.NodeID   `json:"question"`
	Answers         ruleengine.Snapshot `json:"answers"`
}

// Validate checks the request shape.
func (r *ClassifyRequest) Validate() *ErrorResponse {
	if r.Question == "" {
		return &ErrorResponse{
			Code:    codeInvalidInput,
			Message: "Invalid classification request",
			Details: []ErrorDetail{{Field: "question", Issue: "is required"}},
		}
	}
	return nil
}

// ClassificationResponse is the chosen label, if any.
type ClassificationResponse struct {
	Label   ruleengine.NodeID        `json:"label,omitempty"`
	RuleID  *ruleengine.RuleID       `json:"rule_id,omitempty"`
	Matched bool                     `json:"matched"`
	Skipped []ruleengine.SkippedRule `json:"skipped,omitempty"`
}

// -----------------------------------------------------------------------------
// Administration
// -----------------------------------------------------------------------------

// CreateNodeRequest is the payload of POST /nodes.
type CreateNodeRequest struct {
	Domain          ruleengine.Domain `json:"domain"`
	ID              ruleengine.NodeID `json:"id"`
	SurveyVersionID string            `json:"survey_version_id,omitempty"`
	Kind            string            `json:"kind"`
}

// Sanitize normalizes the request in place.
func (r *CreateNodeRequest) Sanitize() {
	r.Domain = ruleengine.Domain(strings.ToLower(strings.TrimSpace(string(r.Domain))))
	r.SurveyVersionID = strings.TrimSpace(r.SurveyVersionID)
	r.Kind = strings.ToLower(strings.TrimSpace(r.Kind))
	if r.Kind == "" {
		r.Kind = store.KindQuestion
	}
}

// Validate checks the request shape.
func (r *CreateNodeRequest) Validate() *ErrorResponse {
	var details []ErrorDetail
	if !r.Domain.Valid() {
		details = append(details, ErrorDetail{Field: "domain", Issue: "must be one of assessment, survey, classification"})
	}
	if r.ID == "" {
		details = append(details, ErrorDetail{Field: "id", Issue: "is required"})
	}
	if len(r.ID) > 255 {
		details = append(details, ErrorDetail{Field: "id", Issue: "must be at most 255 characters"})
	}
	if r.Kind != store.KindQuestion && r.Kind != store.KindLabel {
		details = append(details, ErrorDetail{Field: "kind", Issue: "must be question or label"})
	}
	if len(details) > 0 {
		return &ErrorResponse{Code: codeInvalidInput, Message: "Invalid node", Details: details}
	}
	return nil
}

// Node is the node resource.
type Node struct {
	Domain          ruleengine.Domain `json:"domain"`
	ID              ruleengine.NodeID `json:"id"`
	SurveyVersionID string            `json:"survey_version_id,omitempty"`
	Kind            string            `json:"kind"`
	CreatedAt       time.Time         `json:"created_at"`
}

// CreateRuleRequest is the payload of POST /rules.
type CreateRuleRequest struct {
	Domain      ruleengine.Domain `json:"domain"`
	Target      ruleengine.NodeID `json:"target"`
	Condition   json.RawMessage   `json:"condition"`
	Priority    int               `json:"priority"`
	Description string            `json:"description,omitempty"`
}

// Sanitize normalizes the request in place.
func (r *CreateRuleRequest) Sanitize() {
	r.Domain = ruleengine.Domain(strings.ToLower(strings.TrimSpace(string(r.Domain))))
	r.Description = strings.TrimSpace(r.Description)
}

// Validate checks the request shape and parses the condition, so malformed
// rules are rejected here instead of being skipped at selection time.
func (r *CreateRuleRequest) Validate() *ErrorResponse {
	var details []ErrorDetail
	if !r.Domain.Valid() {
		details = append(details, ErrorDetail{Field: "domain", Issue: "must be one of assessment, survey, classification"})
	}
	if r.Target == "" {
		details = append(details, ErrorDetail{Field: "target", Issue: "is required"})
	}
	if r.Priority < 0 {
		details = append(details, ErrorDetail{Field: "priority", Issue: "must not be negative"})
	}
	if _, err := ruleengine.ParseCondition(r.Condition); err != nil {
		details = append(details, ErrorDetail{Field: "condition", Issue: err.Error()})
	}
	if len(r.Description) > 1024 {
		details = append(details, ErrorDetail{Field: "description", Issue: "must be at most 1024 characters"})
	}
	if len(details) > 0 {
		return &ErrorResponse{Code: codeInvalidInput, Message: "Invalid rule", Details: details}
	}
	return nil
}

// Rule is the rule resource.
type Rule struct {
	ID          int64             `json:"id"`
	Domain      ruleengine.Domain `json:"domain"`
	Target      ruleengine.NodeID `json:"target"`
	Condition   json.RawMessage   `json:"condition"`
	Priority    int               `json:"priority"`
	Active      bool              `json:"active"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// mapRule converts the stored row to the resource. Conditions stored as
// non-JSON text are returned as a JSON string.
func mapRule(r *store.RuleRecord) Rule {
	cond := json.RawMessage(r.Condition)
	if !json.Valid(cond) {
		cond, _ = json.Marshal(r.Condition)
	}
	return Rule{
		ID:          r.ID,
		Domain:      r.Domain,
		Target:      r.Target,
		Condition:   cond,
		Priority:    r.Priority,
		Active:      r.Active,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// PaginatedResponse is a standard wrapper for list endpoints to support offset pagination.
type PaginatedResponse struct {
	Data       any        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination metadata for the frontend pager.
type Pagination struct {
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}
