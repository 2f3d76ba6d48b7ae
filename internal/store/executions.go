package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StatusRunning is the status of an execution that has not finished yet.
const StatusRunning = "running"

// Execution is a stored phase execution.
type Execution struct {
	ID          string       `json:"id"`
	IssueID     string       `json:"issue_id"`
	Title       string       `json:"title,omitempty"`
	Status      string       `json:"status"`
	Phase       string       `json:"phase"`
	Reason      string       `json:"reason,omitempty"`
	Confidence  float64      `json:"confidence,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Transitions []Transition `json:"transitions,omitempty"`
}

// Transition is a stored phase change.
type Transition struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Skipped bool      `json:"skipped,omitempty"`
	At      time.Time `json:"at"`
}

// StartExecution records a new running execution. Recording the same id
// twice is a no-op.
func (s *Store) StartExecution(ctx context.Context, e Execution) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO executions (id, issue_id, title, status, phase, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.IssueID, e.Title, StatusRunning, e.Phase, toMillis(e.StartedAt))
	if err != nil {
		return fmt.Errorf("could not insert execution %s: %w", e.ID, err)
	}
	return nil
}

// RecordTransition stores a phase change and makes its target the current
// phase of the execution.
func (s *Store) RecordTransition(ctx context.Context, executionID string, t Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.exec(ctx, tx, `
		INSERT INTO transitions (execution_id, from_phase, to_phase, skipped, at)
		VALUES (?, ?, ?, ?, ?)`,
		executionID, t.From, t.To, t.Skipped, toMillis(t.At)); err != nil {
		return fmt.Errorf("could not insert transition of %s: %w", executionID, err)
	}
	if _, err := s.exec(ctx, tx, `UPDATE executions SET phase = ? WHERE id = ?`, t.To, executionID); err != nil {
		return fmt.Errorf("could not update execution %s: %w", executionID, err)
	}
	return tx.Commit()
}

// FinishExecution records how an execution ended.
func (s *Store) FinishExecution(ctx context.Context, e Execution) error {
	finished := time.Now()
	if e.FinishedAt != nil {
		finished = *e.FinishedAt
	}
	res, err := s.exec(ctx, s.db, `
		UPDATE executions
		SET status = ?, phase = ?, reason = ?, confidence = ?, finished_at = ?
		WHERE id = ?`,
		e.Status, e.Phase, e.Reason, e.Confidence, toMillis(finished), e.ID)
	if err != nil {
		return fmt.Errorf("could not finish execution %s: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("execution %s: %w", e.ID, ErrNotFound)
	}
	return nil
}

const executionColumns = `id, issue_id, title, status, phase, reason, confidence, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (Execution, error) {
	var (
		e        Execution
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.IssueID, &e.Title, &e.Status, &e.Phase, &e.Reason, &e.Confidence, &started, &finished); err != nil {
		return Execution{}, err
	}
	e.StartedAt = fromMillis(started)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		e.FinishedAt = &t
	}
	return e, nil
}

// GetExecution returns an execution with its transitions in order.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not get execution %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT from_phase, to_phase, skipped, at FROM transitions
		WHERE execution_id = ? ORDER BY id`), id)
	if err != nil {
		return nil, fmt.Errorf("could not list transitions of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t  Transition
			at int64
		)
		if err := rows.Scan(&t.From, &t.To, &t.Skipped, &at); err != nil {
			return nil, fmt.Errorf("could not scan transition: %w", err)
		}
		t.At = fromMillis(at)
		e.Transitions = append(e.Transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not list transitions of %s: %w", id, err)
	}
	return &e, nil
}

// ListExecutions returns the most recently started executions first.
func (s *Store) ListExecutions(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+executionColumns+` FROM executions
		ORDER BY started_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("could not list executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
