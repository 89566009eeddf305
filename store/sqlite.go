// ABOUTME: SQLite persistence for workflow definitions and finished execution history.
// ABOUTME: Implements workflow.Repository and engine.Recorder, plus history queries and pruning.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/workflow"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store keeps workflows and execution history in one SQLite database.
// Definitions and summaries are stored as JSON next to the columns used
// for filtering.
type Store struct {
	db *sql.DB
}

var (
	_ workflow.Repository = (*Store)(nil)
	_ engine.Recorder     = (*Store)(nil)
)

// Open opens or creates the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			active INTEGER NOT NULL,
			definition TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			mode TEXT NOT NULL,
			test_mode INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			summary TEXT NOT NULL,
			outputs TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS executions_by_workflow ON executions(workflow_id, started_at);
		CREATE INDEX IF NOT EXISTS executions_by_start ON executions(started_at);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a workflow, stamping UpdatedAt.
func (s *Store) Put(wf *workflow.Workflow) error {
	if wf == nil || wf.ID == "" {
		return errors.New("workflow id is required")
	}
	stored := wf.Clone()
	stored.UpdatedAt = time.Now().UTC()
	def, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", wf.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO workflows (id, name, active, definition, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			definition = excluded.definition,
			updated_at = excluded.updated_at`,
		stored.ID, stored.Name, stored.Active, string(def), stored.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert workflow %s: %w", wf.ID, err)
	}
	return nil
}

// Get returns the workflow with the given id, or workflow.ErrNotFound.
func (s *Store) Get(id string) (*workflow.Workflow, error) {
	var def string
	err := s.db.QueryRow("SELECT definition FROM workflows WHERE id = ?", id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow %s: %w", id, err)
	}
	return decodeWorkflow(def)
}

// Delete removes a workflow. Its execution history is kept.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// List returns all workflows ordered by id.
func (s *Store) List() ([]*workflow.Workflow, error) {
	rows, err := s.db.Query("SELECT definition FROM workflows ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*workflow.Workflow
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("scan workflow row: %w", err)
		}
		wf, err := decodeWorkflow(def)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func decodeWorkflow(def string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	if err := json.Unmarshal([]byte(def), &wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &wf, nil
}

// RecordExecution stores a finished execution, replacing any earlier record with the same id.
func (s *Store) RecordExecution(ctx context.Context, rec engine.ExecutionRecord) error {
	summary, err := json.Marshal(rec.Summary)
	if err != nil {
		return fmt.Errorf("encode summary %s: %w", rec.ID, err)
	}
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs %s: %w", rec.ID, err)
	}
	var finished *string
	if rec.FinishedAt != nil {
		f := rec.FinishedAt.UTC().Format(timeLayout)
		finished = &f
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO executions
			(id, workflow_id, workflow_name, mode, test_mode, status, started_at, finished_at, summary, outputs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.WorkflowName, string(rec.Mode), rec.TestMode, string(rec.Status),
		rec.StartedAt.UTC().Format(timeLayout), finished, string(summary), string(outputs),
	)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", rec.ID, err)
	}
	return nil
}

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	WorkflowID string
	Status     engine.Status
	Since      time.Time
	Limit      int
}

// StoredExecution is a recorded execution read back from history. Outputs
// keep the JSON shape they were recorded with.
type StoredExecution struct {
	engine.Summary
	WorkflowName string          `json:"workflowName,omitempty"`
	Outputs      json.RawMessage `json:"outputs"`
}

// ListExecutions returns recorded summaries, newest first.
func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]engine.Summary, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	query := "SELECT summary FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []engine.Summary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		var sum engine.Summary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetExecution returns one recorded execution, or engine.ErrExecutionNotFound.
func (s *Store) GetExecution(ctx context.Context, id string) (*StoredExecution, error) {
	var summary, name, outputs string
	err := s.db.QueryRowContext(ctx,
		"SELECT summary, workflow_name, outputs FROM executions WHERE id = ?", id,
	).Scan(&summary, &name, &outputs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query execution %s: %w", id, err)
	}
	rec := &StoredExecution{WorkflowName: name, Outputs: json.RawMessage(outputs)}
	if err := json.Unmarshal([]byte(summary), &rec.Summary); err != nil {
		return nil, fmt.Errorf("decode summary %s: %w", id, err)
	}
	return rec, nil
}

// PruneOptions bound the execution history. Zero fields disable a bound.
type PruneOptions struct {
	MaxAge   time.Duration
	MaxCount int
}

// PruneExecutions deletes history older than MaxAge, then all but the
// newest MaxCount records. It returns the number of rows removed.
func (s *Store) PruneExecutions(ctx context.Context, opts PruneOptions) (int64, error) {
	var removed int64
	if opts.MaxAge > 0 {
		cutoff := time.Now().Add(-opts.MaxAge).UTC().Format(timeLayout)
		res, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE started_at < ?", cutoff)
		if err != nil {
			return removed, fmt.Errorf("prune by age: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if opts.MaxCount > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM executions WHERE id NOT IN (
				SELECT id FROM executions ORDER BY started_at DESC LIMIT ?
			)`, opts.MaxCount)
		if err != nil {
			return removed, fmt.Errorf("prune by count: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}
