package store

import (
	"context"
	"fmt"
	"time"
)

// TaskRecord is the stored outcome of one pool task.
type TaskRecord struct {
	ExecutionID string        `json:"execution_id,omitempty"`
	BatchID     string        `json:"batch_id"`
	TaskID      string        `json:"task_id"`
	Index       int           `json:"index"`
	Outcome     string        `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	SandboxPath string        `json:"sandbox_path,omitempty"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Evaluation is the stored reduction of the worlds of one task.
type Evaluation struct {
	ExecutionID string        `json:"execution_id,omitempty"`
	TaskID      string        `json:"task_id"`
	Confidence  float64       `json:"confidence"`
	Successful  int           `json:"successful"`
	Total       int           `json:"total"`
	Threshold   float64       `json:"threshold"`
	Accepted    bool          `json:"accepted"`
	Worlds      []WorldRecord `json:"worlds"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// WorldRecord is the stored outcome of one world.
type WorldRecord struct {
	WorldID  int           `json:"world_id"`
	Success  bool          `json:"success"`
	Outcome  string        `json:"outcome"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RecordTask stores the outcome of a task.
func (s *Store) RecordTask(ctx context.Context, r TaskRecord) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO task_results
			(execution_id, batch_id, task_id, task_index, outcome, error, duration_ms, sandbox_path, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ExecutionID, r.BatchID, r.TaskID, r.Index, r.Outcome, r.Error,
		r.Duration.Milliseconds(), r.SandboxPath, toMillis(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("could not insert result of task %s: %w", r.TaskID, err)
	}
	return nil
}

// TaskResults returns the task outcomes of a batch in submission order.
func (s *Store) TaskResults(ctx context.Context, batchID string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT execution_id, batch_id, task_id, task_index, outcome, error, duration_ms, sandbox_path, finished_at
		FROM task_results WHERE batch_id = ? ORDER BY task_index`), batchID)
	if err != nil {
		return nil, fmt.Errorf("could not list task results: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			r                 TaskRecord
			durMs, finishedAt int64
		)
		if err := rows.Scan(&r.ExecutionID, &r.BatchID, &r.TaskID, &r.Index, &r.Outcome, &r.Error, &durMs, &r.SandboxPath, &finishedAt); err != nil {
			return nil, fmt.Errorf("could not scan task result: %w", err)
		}
		r.Duration = time.Duration(durMs) * time.Millisecond
		r.FinishedAt = fromMillis(finishedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordEvaluation stores a speculative evaluation with its worlds.
func (s *Store) RecordEvaluation(ctx context.Context, e Evaluation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO evaluations
			(execution_id, task_id, confidence, successful, total, threshold, accepted, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		e.ExecutionID, e.TaskID, e.Confidence, e.Successful, e.Total, e.Threshold, e.Accepted, toMillis(e.EvaluatedAt),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("could not insert evaluation of task %s: %w", e.TaskID, err)
	}

	for _, w := range e.Worlds {
		if _, err := s.exec(ctx, tx, `
			INSERT INTO world_results (evaluation_id, world_id, success, outcome, message, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, w.WorldID, w.Success, w.Outcome, w.Message, w.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("could not insert world %d of task %s: %w", w.WorldID, e.TaskID, err)
		}
	}
	return tx.Commit()
}

// Evaluations returns the evaluations of an execution, oldest first.
func (s *Store) Evaluations(ctx context.Context, executionID string) ([]Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, execution_id, task_id, confidence, successful, total, threshold, accepted, evaluated_at
		FROM evaluations WHERE execution_id = ? ORDER BY id`), executionID)
	if err != nil {
		return nil, fmt.Errorf("could not list evaluations: %w", err)
	}

	var (
		out []Evaluation
		ids []int64
	)
	for rows.Next() {
		var (
			e  Evaluation
			id int64
			at int64
		)
		if err := rows.Scan(&id, &e.ExecutionID, &e.TaskID, &e.Confidence, &e.Successful, &e.Total, &e.Threshold, &e.Accepted, &at); err != nil {
			rows.Close()
			return nil, fmt.Errorf("could not scan evaluation: %w", err)
		}
		e.EvaluatedAt = fromMillis(at)
		out = append(out, e)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not list evaluations: %w", err)
	}

	// Worlds are read after the first result set is closed, sqlite runs
	// on a single connection.
	for i, id := range ids {
		worlds, err := s.worlds(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i].Worlds = worlds
	}
	return out, nil
}

func (s *Store) worlds(ctx context.Context, evaluationID int64) ([]WorldRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT world_id, success, outcome, message, duration_ms
		FROM world_results WHERE evaluation_id = ? ORDER BY world_id`), evaluationID)
	if err != nil {
		return nil, fmt.Errorf("could not list worlds: %w", err)
	}
	defer rows.Close()

	var out []WorldRecord
	for rows.Next() {
		var (
			w     WorldRecord
			durMs int64
		)
		if err := rows.Scan(&w.WorldID, &w.Success, &w.Outcome, &w.Message, &durMs); err != nil {
			return nil, fmt.Errorf("could not scan world: %w", err)
		}
		w.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, w)
	}
	return out, rows.Err()
}
