package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aldcvd/deposition-core/internal/sequencer"
)

// Repository persists run records.
type Repository interface {
	CreateRun(ctx context.Context, rec *Record) error
	UpdateRun(ctx context.Context, rec *Record) error
	GetRun(ctx context.Context, id string) (*Record, error)
	ListRuns(ctx context.Context, limit int) ([]Record, error)
}

// runColumns is the SELECT column list for run queries.
const runColumns = `id, recipe, status, loop_count, cycles_done, steps_applied,
			estimated_ms, elapsed_ms, started_at, finished_at, acknowledged_at,
			last_error, restore_errors`

// timestampLayout is fixed-width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CreateRun inserts a new run record.
func (r *SQLiteRepository) CreateRun(ctx context.Context, rec *Record) error {
	restoreJSON, err := marshalStrings(rec.RestoreErrors)
	if err != nil {
		return fmt.Errorf("marshalling restore errors: %w", err)
	}

	query := `
		INSERT INTO runs (
			id, recipe, status, loop_count, cycles_done, steps_applied,
			estimated_ms, elapsed_ms, started_at, finished_at, acknowledged_at,
			last_error, restore_errors
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		rec.Recipe,
		string(rec.Status),
		rec.LoopCount,
		rec.CyclesDone,
		rec.StepsApplied,
		rec.Estimated.Milliseconds(),
		rec.Elapsed.Milliseconds(),
		rec.StartedAt.UTC().Format(timestampLayout),
		nullableTime(rec.FinishedAt),
		nullableTime(rec.AcknowledgedAt),
		nullableString(rec.LastError),
		restoreJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// UpdateRun updates the mutable fields of an existing run record.
func (r *SQLiteRepository) UpdateRun(ctx context.Context, rec *Record) error {
	restoreJSON, err := marshalStrings(rec.RestoreErrors)
	if err != nil {
		return fmt.Errorf("marshalling restore errors: %w", err)
	}

	query := `
		UPDATE runs SET
			status = ?, cycles_done = ?, steps_applied = ?, elapsed_ms = ?,
			finished_at = ?, acknowledged_at = ?, last_error = ?, restore_errors = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(rec.Status),
		rec.CyclesDone,
		rec.StepsApplied,
		rec.Elapsed.Milliseconds(),
		nullableTime(rec.FinishedAt),
		nullableTime(rec.AcknowledgedAt),
		nullableString(rec.LastError),
		restoreJSON,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	rec, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs, newest first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Record
	for rows.Next() {
		rec, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning run: %w", scanErr)
		}
		runs = append(runs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner rowScanner) (*Record, error) {
	var rec Record
	var status, startedAt string
	var estimatedMS, elapsedMS int64
	var finishedAt, acknowledgedAt, lastError, restoreJSON sql.NullString

	err := scanner.Scan(
		&rec.ID,
		&rec.Recipe,
		&status,
		&rec.LoopCount,
		&rec.CyclesDone,
		&rec.StepsApplied,
		&estimatedMS,
		&elapsedMS,
		&startedAt,
		&finishedAt,
		&acknowledgedAt,
		&lastError,
		&restoreJSON,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = sequencer.Status(status)
	rec.Estimated = time.Duration(estimatedMS) * time.Millisecond
	rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	if t, parseErr := time.Parse(time.RFC3339Nano, startedAt); parseErr == nil {
		rec.StartedAt = t
	}
	rec.FinishedAt = parseNullableTime(finishedAt)
	rec.AcknowledgedAt = parseNullableTime(acknowledgedAt)
	if lastError.Valid {
		rec.LastError = &lastError.String
	}
	if restoreJSON.Valid && restoreJSON.String != "" {
		if jsonErr := json.Unmarshal([]byte(restoreJSON.String), &rec.RestoreErrors); jsonErr != nil {
			return nil, fmt.Errorf("unmarshalling restore errors: %w", jsonErr)
		}
	}
	rec.fillSeconds()
	return &rec, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timestampLayout), Valid: true}
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func marshalStrings(v []string) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
