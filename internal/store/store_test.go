package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nworlds/internal/events"
	"github.com/aristath/nworlds/internal/log"
	"github.com/aristath/nworlds/internal/store/migrations"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		DSN:    filepath.Join(t.TempDir(), "nested", "nworlds.db"),
		Logger: log.Noop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenValidates(t *testing.T) {
	_, err := Open(context.Background(), Config{DSN: filepath.Join(t.TempDir(), "x.db"), Driver: "mysql"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nworlds.db")
	for range 2 {
		s, err := Open(context.Background(), Config{DSN: dsn})
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
}

func TestMigratorDown(t *testing.T) {
	s := newStore(t)
	m, err := migrations.NewMigrator(s.db, migrations.DialectSQLite, nil)
	require.NoError(t, err)

	require.NoError(t, m.Down(context.Background()))
	_, err = s.GetExecution(context.Background(), "x")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Up(context.Background()))
	_, err = s.GetExecution(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = migrations.NewMigrator(s.db, "oracle", nil)
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	sqlite := &Store{driver: migrations.DialectSQLite}
	postgres := &Store{driver: migrations.DialectPostgres}
	q := `UPDATE t SET a = ?, b = ? WHERE id = ?`

	assert.Equal(t, q, sqlite.rebind(q))
	assert.Equal(t, `UPDATE t SET a = $1, b = $2 WHERE id = $3`, postgres.rebind(q))
}

func TestExecutionLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.StartExecution(ctx, Execution{
		ID: "ex-1", IssueID: "ISSUE-1", Title: "Add export", Phase: "issue_analysis", StartedAt: start,
	}))
	// Replays are ignored.
	require.NoError(t, s.StartExecution(ctx, Execution{ID: "ex-1", IssueID: "other", Phase: "done", StartedAt: start}))

	require.NoError(t, s.RecordTransition(ctx, "ex-1", Transition{
		From: "issue_analysis", To: "task_decomposition", At: start.Add(time.Second),
	}))
	require.NoError(t, s.RecordTransition(ctx, "ex-1", Transition{
		From: "task_decomposition", To: "sandbox_creation", Skipped: true, At: start.Add(2 * time.Second),
	}))

	running, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, running.Status)
	assert.Equal(t, "sandbox_creation", running.Phase)
	assert.Equal(t, "ISSUE-1", running.IssueID)
	assert.Equal(t, start, running.StartedAt)
	assert.Nil(t, running.FinishedAt)
	require.Len(t, running.Transitions, 2)
	assert.True(t, running.Transitions[1].Skipped)
	assert.False(t, running.Transitions[0].Skipped)

	end := start.Add(time.Minute)
	require.NoError(t, s.FinishExecution(ctx, Execution{
		ID: "ex-1", Status: "escalated", Phase: "speculative_execution",
		Reason: "confidence 0.60 below 0.80", Confidence: 0.6, FinishedAt: &end,
	}))

	done, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, "escalated", done.Status)
	assert.Equal(t, "speculative_execution", done.Phase)
	assert.InDelta(t, 0.6, done.Confidence, 1e-9)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, end, *done.FinishedAt)
}

func TestExecutionNotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.FinishExecution(ctx, Execution{ID: "missing", Status: "completed"})
	assert.ErrorIs(t, err, ErrNotFound)

	// Transitions need their execution.
	err = s.RecordTransition(ctx, "missing", Transition{From: "a", To: "b", At: time.Now()})
	assert.Error(t, err)
}

func TestListExecutions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond)

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.StartExecution(ctx, Execution{
			ID: id, IssueID: id, Phase: "issue_analysis", StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.ListExecutions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)

	all, err := s.ListExecutions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTaskResults(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond).UTC()

	require.NoError(t, s.RecordTask(ctx, TaskRecord{
		BatchID: "b1", TaskID: "t2", Index: 1, Outcome: "failure", Error: "handler failed: boom",
		Duration: 1500 * time.Millisecond, FinishedAt: now,
	}))
	require.NoError(t, s.RecordTask(ctx, TaskRecord{
		BatchID: "b1", TaskID: "t1", Index: 0, Outcome: "success", SandboxPath: "/tmp/sb",
		Duration: 20 * time.Millisecond, FinishedAt: now,
	}))
	require.NoError(t, s.RecordTask(ctx, TaskRecord{BatchID: "b2", TaskID: "x", Outcome: "success", FinishedAt: now}))

	got, err := s.TaskResults(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.Equal(t, "/tmp/sb", got[0].SandboxPath)
	assert.Equal(t, "failure", got[1].Outcome)
	assert.Equal(t, 1500*time.Millisecond, got[1].Duration)
	assert.Equal(t, now, got[1].FinishedAt)
}

func TestEvaluations(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, task := range []string{"t1", "t2"} {
		require.NoError(t, s.RecordEvaluation(ctx, Evaluation{
			ExecutionID: "ex-1", TaskID: task, Confidence: 0.5, Successful: 1, Total: 2, Threshold: 0.8,
			Worlds: []WorldRecord{
				{WorldID: 1, Success: false, Outcome: "timed_out", Message: "task timed out", Duration: time.Second},
				{WorldID: 0, Success: true, Outcome: "success", Duration: 2 * time.Second},
			},
			EvaluatedAt: time.Now(),
		}))
	}

	got, err := s.Evaluations(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.False(t, got[0].Accepted)
	require.Len(t, got[1].Worlds, 2)
	assert.Equal(t, WorldRecord{WorldID: 0, Success: true, Outcome: "success", Duration: 2 * time.Second}, got[1].Worlds[0])
	assert.Equal(t, "timed_out", got[1].Worlds[1].Outcome)

	none, err := s.Evaluations(ctx, "ex-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecorder(t *testing.T) {
	s := newStore(t)
	bus := events.NewBus()
	ch := bus.SubscribeAll(64)
	now := time.Now()

	done := make(chan error, 1)
	go func() { done <- NewRecorder(s, nil).Run(context.Background(), ch) }()

	bus.Publish(events.TopicExecution, events.ExecutionStartedEvent{
		ExecutionID: "ex-1", IssueID: "ISSUE-1", Title: "t", Phase: "issue_analysis", Timestamp: now,
	})
	bus.Publish(events.TopicExecution, events.PhaseChangedEvent{
		ExecutionID: "ex-1", From: "issue_analysis", To: "task_decomposition", Timestamp: now,
	})
	bus.Publish(events.TopicTask, events.TaskFinishedEvent{
		ExecutionID: "ex-1", BatchID: "b1", ID: "t1-world-0", Outcome: "success", Timestamp: now,
	})
	bus.Publish(events.TopicWorld, events.WorldsEvaluatedEvent{
		ExecutionID: "ex-1", ID: "t1", Confidence: 1, Successful: 1, Total: 1, Threshold: 0.8, Accepted: true,
		Worlds:    []events.WorldSummary{{WorldID: 0, Success: true, Outcome: "success"}},
		Timestamp: now,
	})
	bus.Publish(events.TopicSandbox, events.SandboxCreatedEvent{ID: "t1-world-0", Timestamp: now})
	bus.Publish(events.TopicExecution, events.ExecutionFinishedEvent{
		ExecutionID: "ex-1", Status: "completed", FinalPhase: "done", Timestamp: now,
	})
	bus.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not stop after the bus was closed")
	}

	ex, err := s.GetExecution(context.Background(), "ex-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", ex.Status)
	assert.Equal(t, "done", ex.Phase)
	assert.Len(t, ex.Transitions, 1)

	tasks, err := s.TaskResults(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "ex-1", tasks[0].ExecutionID)

	evals, err := s.Evaluations(context.Background(), "ex-1")
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.True(t, evals[0].Accepted)
	assert.Len(t, evals[0].Worlds, 1)
}

func TestRecorderDrainsOnCancel(t *testing.T) {
	s := newStore(t)
	ch := make(chan events.Event, 4)
	ch <- events.ExecutionStartedEvent{ExecutionID: "ex-1", IssueID: "i", Phase: "issue_analysis", Timestamp: time.Now()}
	// A failing write is skipped, not fatal.
	ch <- events.PhaseChangedEvent{ExecutionID: "ghost", From: "a", To: "b", Timestamp: time.Now()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, NewRecorder(s, nil).Run(ctx, ch))

	_, err := s.GetExecution(context.Background(), "ex-1")
	assert.NoError(t, err)
}
