// Package store provides the Data Access Layer (Repository) for rules, nodes,
// options and completed traversals.
// It handles all direct interactions with the PostgreSQL database using the pgx driver.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/wayfinder/internal/ruleengine"
)

// Compile-time checks: the engine reads straight from PostgresStore.
var (
	_ Repository              = (*PostgresStore)(nil)
	_ ruleengine.RuleStore    = (*PostgresStore)(nil)
	_ ruleengine.OptionSource = (*PostgresStore)(nil)
)

var (
	// ErrConflict is returned when an insert violates a unique key.
	ErrConflict = errors.New("resource already exists")

	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("resource not found")
)

// pgUniqueViolation is the SQLSTATE of unique_violation.
const pgUniqueViolation = "23505"

// Node kinds.
const (
	KindQuestion = "question"
	KindLabel    = "label"
)

// Node is a question or a classification label. It mirrors the 'nodes' table.
type Node struct {
	Domain          ruleengine.Domain `db:"domain"`
	ID              ruleengine.NodeID `db:"id"`
	SurveyVersionID string            `db:"survey_version_id"`
	Kind            string            `db:"kind"`
	CreatedAt       time.Time         `db:"created_at"`
}

// RuleRecord mirrors the 'rules' table. Condition is kept as stored text.
type RuleRecord struct {
	ID          int64             `db:"id"`
	Domain      ruleengine.Domain `db:"domain"`
	Target      ruleengine.NodeID `db:"target_id"`
	Condition   string            `db:"condition"`
	Priority    int               `db:"priority"`
	Active      bool              `db:"is_active"`
	Description string            `db:"description"`
	CreatedAt   time.Time         `db:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at"`
}

// OptionRecord mirrors the 'options' table.
type OptionRecord struct {
	QuestionID ruleengine.NodeID `db:"question_id"`
	OptionID   string            `db:"option_id"`
	Labels     []string          `db:"labels"`
	Position   int               `db:"position"`
}

// Completion is the record written when a traversal reaches its end.
type Completion struct {
	ID          uuid.UUID
	Scope       ruleengine.Scope
	History     ruleengine.History
	StartedAt   time.Time
	CompletedAt time.Time
}

// Repository defines the persistence operations of the routing service.
type Repository interface {
	ruleengine.RuleStore
	ruleengine.OptionSource

	// ListScopes returns every scope that owns nodes or active rules.
	ListScopes(ctx context.Context) ([]ruleengine.Scope, error)

	// RecordCompletion stores a finished traversal.
	RecordCompletion(ctx context.Context, c *Completion) error

	CreateNode(ctx context.Context, n *Node) error
	CreateOption(ctx context.Context, o *OptionRecord) error

	// CreateRule inserts a rule and populates the ID and timestamps in the struct.
	CreateRule(ctx context.Context, r *RuleRecord) error

	// ListRules retrieves a paginated list of the domain's rules and the total count.
	// It orders results by ID descending (deterministic).
	ListRules(ctx context.Context, domain ruleengine.Domain, limit, offset int) ([]*RuleRecord, int64, error)

	// DeactivateRule removes a rule from selection without deleting it.
	// It returns the rule's domain so callers can invalidate caches.
	DeactivateRule(ctx context.Context, id int64) (ruleengine.Domain, error)
}

// PostgresStore is the implementation of Repository backed by PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new repository instance with the given connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

// FetchRules returns the compiled active rules of the scope, ordered by
// (priority, id). A survey version restricts the pool to rules whose target
// belongs to that version.
func (s *PostgresStore) FetchRules(ctx context.Context, scope ruleengine.Scope) ([]ruleengine.Rule, error) {
	query := `
		SELECT r.id, r.target_id, r.priority, r.description, r.condition
		FROM rules r
		LEFT JOIN nodes n ON n.domain = r.domain AND n.id = r.target_id
		WHERE r.domain = $1
		  AND r.is_active
		  AND ($2 = '' OR n.survey_version_id = $2)
		ORDER BY r.priority, r.id
	`

	rows, err := s.db.Query(ctx, query, string(scope.Domain), scope.SurveyVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rules for %s: %w", scope.Key(), err)
	}
	defer rows.Close()

	var rules []ruleengine.Rule
	for rows.Next() {
		var (
			r    ruleengine.Rule
			cond string
		)
		if err := rows.Scan(&r.ID, &r.Target, &r.Priority, &r.Description, &cond); err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		r.Condition = conditionJSON(cond)
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	// Malformed conditions stay in the pool; the selector reports them as skipped.
	ruleengine.CompileRules(rules)
	return rules, nil
}

// NodeExists reports whether the node resolves in the scope.
func (s *PostgresStore) NodeExists(ctx context.Context, scope ruleengine.Scope, id ruleengine.NodeID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM nodes
			WHERE domain = $1 AND id = $2 AND ($3 = '' OR survey_version_id = $3)
		)
	`

	var exists bool
	if err := s.db.QueryRow(ctx, query, string(scope.Domain), string(id), scope.SurveyVersionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up node %q: %w", id, err)
	}
	return exists, nil
}

// FetchOptions returns the option table of the scope's questions.
func (s *PostgresStore) FetchOptions(ctx context.Context, scope ruleengine.Scope) (ruleengine.OptionTable, error) {
	query := `
		SELECT o.question_id, o.option_id, o.labels
		FROM options o
		JOIN nodes n ON n.id = o.question_id AND n.domain = $1
		WHERE ($2 = '' OR n.survey_version_id = $2)
		ORDER BY o.question_id, o.position, o.option_id
	`

	rows, err := s.db.Query(ctx, query, string(scope.Domain), scope.SurveyVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch options for %s: %w", scope.Key(), err)
	}
	defer rows.Close()

	table := ruleengine.OptionTable{}
	for rows.Next() {
		var (
			q   ruleengine.NodeID
			opt ruleengine.Option
		)
		if err := rows.Scan(&q, &opt.ID, &opt.Labels); err != nil {
			return nil, fmt.Errorf("failed to scan option row: %w", err)
		}
		table[q] = append(table[q], opt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return table, nil
}

// ListScopes returns the domain-wide scope of every domain in use plus each
// survey version that owns nodes.
func (s *PostgresStore) ListScopes(ctx context.Context) ([]ruleengine.Scope, error) {
	query := `
		SELECT domain, '' FROM rules WHERE is_active
		UNION
		SELECT domain, '' FROM nodes
		UNION
		SELECT domain, survey_version_id FROM nodes WHERE survey_version_id <> ''
		ORDER BY 1, 2
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []ruleengine.Scope
	for rows.Next() {
		var sc ruleengine.Scope
		if err := rows.Scan(&sc.Domain, &sc.SurveyVersionID); err != nil {
			return nil, fmt.Errorf("failed to scan scope row: %w", err)
		}
		scopes = append(scopes, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return scopes, nil
}

// RecordCompletion stores a finished traversal. Recording the same traversal
// twice keeps the first record.
func (s *PostgresStore) RecordCompletion(ctx context.Context, c *Completion) error {
	history, err := json.Marshal(c.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO traversals (id, domain, survey_version_id, history, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`

	if _, err := s.db.Exec(ctx, query,
		c.ID.String(),
		string(c.Scope.Domain),
		c.Scope.SurveyVersionID,
		history,
		c.StartedAt,
		completedAt,
	); err != nil {
		return fmt.Errorf("failed to record completion of %s: %w", c.ID, err)
	}

	return nil
}

// CreateNode inserts a question or label.
func (s *PostgresStore) CreateNode(ctx context.Context, n *Node) error {
	if n.Kind == "" {
		n.Kind = KindQuestion
	}

	query := `
		INSERT INTO nodes (domain, id, survey_version_id, kind)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := s.db.QueryRow(ctx, query, string(n.Domain), string(n.ID), n.SurveyVersionID, n.Kind).Scan(&n.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("node %q: %w", n.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert node: %w", err)
	}
	return nil
}

// CreateOption inserts one option of a question.
func (s *PostgresStore) CreateOption(ctx context.Context, o *OptionRecord) error {
	labels := o.Labels
	if labels == nil {
		labels = []string{}
	}

	query := `
		INSERT INTO options (question_id, option_id, labels, position)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := s.db.Exec(ctx, query, string(o.QuestionID), o.OptionID, labels, o.Position); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("option %q of %q: %w", o.OptionID, o.QuestionID, ErrConflict)
		}
		return fmt.Errorf("failed to insert option: %w", err)
	}
	return nil
}

// CreateRule inserts a new rule.
// It uses the RETURNING clause to get the server-generated ID and timestamps efficiently.
func (s *PostgresStore) CreateRule(ctx context.Context, r *RuleRecord) error {
	query := `
		INSERT INTO rules (domain, target_id, condition, priority, is_active, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRow(ctx, query,
		string(r.Domain),
		string(r.Target),
		r.Condition,
		r.Priority,
		r.Active,
		r.Description,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// ListRules retrieves a subset of the domain's rules based on pagination parameters.
// It executes two queries: one for the data and one for the total count.
func (s *PostgresStore) ListRules(ctx context.Context, domain ruleengine.Domain, limit, offset int) ([]*RuleRecord, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM rules WHERE domain = $1`, string(domain)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	if total == 0 {
		return []*RuleRecord{}, 0, nil
	}

	query := `
		SELECT id, domain, target_id, condition, priority, is_active, description, created_at, updated_at
		FROM rules
		WHERE domain = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Query(ctx, query, string(domain), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]*RuleRecord, 0, limit)
	for rows.Next() {
		var r RuleRecord
		if err := rows.Scan(
			&r.ID,
			&r.Domain,
			&r.Target,
			&r.Condition,
			&r.Priority,
			&r.Active,
			&r.Description,
			&r.CreatedAt,
			&r.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan rule row: %w", err)
		}
		rules = append(rules, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows iteration error: %w", err)
	}

	return rules, total, nil
}

// DeactivateRule clears is_active on the rule.
func (s *PostgresStore) DeactivateRule(ctx context.Context, id int64) (ruleengine.Domain, error) {
	query := `
		UPDATE rules SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING domain
	`

	var domain ruleengine.Domain
	err := s.db.QueryRow(ctx, query, id).Scan(&domain)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to deactivate rule %d: %w", id, err)
	}
	return domain, nil
}

// conditionJSON turns the stored condition text into raw JSON. Text that is
// not JSON is carried as a JSON string so the compiler can reject it.
func conditionJSON(text string) json.RawMessage {
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	b, _ := json.Marshal(text)
	return b
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
