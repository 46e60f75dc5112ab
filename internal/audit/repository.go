// Package audit records operator commands issued to the bench (run starts,
// pauses, aborts and acknowledgements) so every change to the gas lines can
// be traced to an operator and a channel of entry.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sources a command can arrive through.
const (
	SourceAPI  = "api"
	SourceMQTT = "mqtt"
)

// Outcomes of a command.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
)

// Entry is a single audit trail row.
type Entry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	RunID     string         `json:"run_id,omitempty"`
	Operator  string         `json:"operator,omitempty"`
	Source    string         `json:"source"`
	Outcome   string         `json:"outcome"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Command builds the entry for one operator command. A non-nil err marks
// the command as rejected.
func Command(action, source, operator, runID string, err error) *Entry {
	e := &Entry{
		Action:   action,
		RunID:    runID,
		Operator: operator,
		Source:   source,
		Outcome:  OutcomeApplied,
	}
	if err != nil {
		e.Outcome = OutcomeRejected
		e.Error = err.Error()
	}
	return e
}

// Filter controls which entries to return.
type Filter struct {
	Action   string // optional: start, pause, resume, abort, acknowledge
	RunID    string // optional
	Operator string // optional: token subject
	Limit    int    // default 50, max 200
	Offset   int    // pagination offset
}

// ListResult contains a page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the audit trail operations.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

const (
	defaultLimit = 50
	maxLimit     = 200
)

// timestampLayout is fixed-width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteRepository stores the audit trail in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new audit repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts an entry. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "aud-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var detailsJSON *string
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		s := string(b)
		detailsJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, run_id, operator, source, outcome, error, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action,
		nullableString(e.RunID), nullableString(e.Operator),
		e.Source, e.Outcome, nullableString(e.Error), detailsJSON,
		e.CreatedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// nullableString maps "" to NULL for optional TEXT columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	filter.Limit = min(filter.Limit, maxLimit)
	filter.Offset = max(filter.Offset, 0)

	var conditions []string
	var args []any
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.RunID != "" {
		conditions = append(conditions, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Operator != "" {
		conditions = append(conditions, "operator = ?")
		args = append(args, filter.Operator)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM audit_logs " + where //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := "SELECT id, action, run_id, operator, source, outcome, error, details, created_at FROM audit_logs " + //nolint:gosec // as above
		where + " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var runID, operator, errText, detailsJSON sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.Action, &runID, &operator,
			&e.Source, &e.Outcome, &errText, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.RunID = runID.String
		e.Operator = operator.String
		e.Error = errText.String
		if detailsJSON.Valid && detailsJSON.String != "" {
			var details map[string]any
			if json.Unmarshal([]byte(detailsJSON.String), &details) == nil {
				e.Details = details
			}
		}

		t, err := time.Parse(timestampLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}
