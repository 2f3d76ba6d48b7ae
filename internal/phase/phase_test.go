package phase

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nworlds/internal/events"
	"github.com/aristath/nworlds/internal/pool"
	"github.com/aristath/nworlds/internal/sandbox"
	"github.com/aristath/nworlds/internal/speculative"
)

type staticOracle struct {
	decision Decision
	err      error
}

func (o staticOracle) Decide(context.Context, Issue) (Decision, error) { return o.decision, o.err }

type staticDecomposer []PlannedTask

func (d staticDecomposer) Decompose(context.Context, Issue) ([]PlannedTask, error) { return d, nil }

type countingPreparer struct{ calls int }

func (p *countingPreparer) Prepare(context.Context) (string, error) {
	p.calls++
	return "abc123", nil
}

// fakeSpeculator reports a fixed confidence per task id.
type fakeSpeculator struct {
	confidence map[string]float64
	block      chan struct{}

	mu  sync.Mutex
	ran []string
}

func (f *fakeSpeculator) Run(ctx context.Context, task pool.Task, numWorlds int, threshold float64, runner pool.Handler) (*speculative.Result, error) {
	f.mu.Lock()
	f.ran = append(f.ran, task.ID)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c, ok := f.confidence[task.ID]
	if !ok {
		c = 1
	}
	successful := int(math.Round(c * float64(numWorlds)))
	conf, accepted := speculative.Accept(successful, numWorlds, threshold)
	return &speculative.Result{
		TaskID:           task.ID,
		OverallSuccess:   accepted,
		Confidence:       conf,
		SuccessfulWorlds: successful,
		TotalWorlds:      numWorlds,
		Threshold:        threshold,
	}, nil
}

var noopRunner = pool.HandlerFunc(func(context.Context, sandbox.Info, pool.Task) (any, error) { return nil, nil })

func planned(id string, deps ...string) PlannedTask {
	return PlannedTask{Task: pool.Task{ID: id, Description: "task " + id}, DependsOn: deps}
}

func newTestSequencer(t *testing.T, cfg Config) *Sequencer {
	t.Helper()

	if cfg.Oracle == nil {
		cfg.Oracle = staticOracle{decision: Decision{Kind: AutoApprove}}
	}
	if cfg.Executor == nil {
		cfg.Executor = &fakeSpeculator{}
	}
	if cfg.Runner == nil {
		cfg.Runner = noopRunner
	}
	s, err := NewSequencer(cfg)
	require.NoError(t, err)
	return s
}

func phases(ts []Transition) []Phase {
	out := make([]Phase, len(ts))
	for i, t := range ts {
		out[i] = t.To
	}
	return out
}

func TestExecuteCompletes(t *testing.T) {
	spec := &fakeSpeculator{}
	prep := &countingPreparer{}
	s := newTestSequencer(t, Config{
		Decomposer: staticDecomposer{planned("b", "a"), planned("a"), planned("c", "b")},
		Executor:   spec,
		Preparer:   prep,
	})

	report, err := s.Execute(context.Background(), Issue{ID: "issue-1", Title: "Fix it", Complexity: 2})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, PhaseDone, report.FinalPhase)
	assert.Nil(t, report.Escalation)
	assert.NotEmpty(t, report.ExecutionID)
	assert.Equal(t, []Phase{PhaseTaskDecomposition, PhaseSandboxCreation, PhaseSpeculativeExecution, PhaseDone}, phases(report.Transitions))
	for _, tr := range report.Transitions {
		assert.False(t, tr.Skipped)
		assert.Less(t, tr.From, tr.To)
	}

	assert.Equal(t, []string{"a", "b", "c"}, spec.ran, "tasks run in dependency order")
	assert.Len(t, report.Tasks, 3)
	assert.Equal(t, 1, prep.calls)

	_, running := s.Registry().Status(report.ExecutionID)
	assert.False(t, running)
}

func TestExecuteSkipsSandboxCreationForSingleTask(t *testing.T) {
	prep := &countingPreparer{}
	s := newTestSequencer(t, Config{
		Decomposer: staticDecomposer{planned("only")},
		Preparer:   prep,
	})

	report, err := s.Execute(context.Background(), Issue{ID: "issue-1"})
	require.NoError(t, err)

	require.Len(t, report.Transitions, 4)
	assert.Equal(t, PhaseSandboxCreation, report.Transitions[1].To)
	assert.True(t, report.Transitions[1].Skipped)
	assert.Zero(t, prep.calls)
	assert.Equal(t, StatusCompleted, report.Status)
}

func TestExecuteEscalatesOnDecision(t *testing.T) {
	spec := &fakeSpeculator{}
	s := newTestSequencer(t, Config{
		Oracle:     staticOracle{decision: Decision{Kind: EscalateToHuman, Reason: "too complex"}},
		Decomposer: staticDecomposer{planned("a")},
		Executor:   spec,
	})

	report, err := s.Execute(context.Background(), Issue{ID: "issue-1", Complexity: 9})
	require.NoError(t, err)

	assert.Equal(t, StatusEscalated, report.Status)
	assert.Equal(t, PhaseIssueAnalysis, report.FinalPhase)
	require.NotNil(t, report.Escalation)
	assert.Equal(t, "too complex", report.Escalation.Reason)
	assert.Empty(t, report.Transitions)
	assert.Empty(t, spec.ran)
}

func TestExecuteNotifyAndProceedWaits(t *testing.T) {
	s := newTestSequencer(t, Config{
		Oracle:     staticOracle{decision: Decision{Kind: NotifyAndProceed, Delay: 50 * time.Millisecond}},
		Decomposer: staticDecomposer{planned("a")},
	})

	start := time.Now()
	report, err := s.Execute(context.Background(), Issue{ID: "issue-1"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, StatusCompleted, report.Status)
}

func TestExecuteNotifyDelayHonorsCancellation(t *testing.T) {
	s := newTestSequencer(t, Config{
		Oracle:     staticOracle{decision: Decision{Kind: NotifyAndProceed, Delay: time.Hour}},
		Decomposer: staticDecomposer{planned("a")},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Execute(ctx, Issue{ID: "issue-1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, s.Registry().List())
}

func TestExecuteEscalatesOnLowConfidence(t *testing.T) {
	spec := &fakeSpeculator{confidence: map[string]float64{"b": 0.6}}
	s := newTestSequencer(t, Config{
		Decomposer: staticDecomposer{planned("a"), planned("b", "a"), planned("c", "b")},
		Executor:   spec,
	})

	report, err := s.Execute(context.Background(), Issue{ID: "issue-1"})
	require.NoError(t, err)

	assert.Equal(t, StatusEscalated, report.Status)
	assert.Equal(t, PhaseSpeculativeExecution, report.FinalPhase)
	require.NotNil(t, report.Escalation)
	assert.Equal(t, "b", report.Escalation.TaskID)
	assert.InDelta(t, 0.6, report.Escalation.Confidence, 1e-9)
	assert.Equal(t, []string{"a", "b"}, spec.ran, "no task runs after the first rejection")
	assert.Len(t, report.Tasks, 2)
}

func TestExecuteRejectsBadDecompositions(t *testing.T) {
	tests := map[string]struct {
		tasks  staticDecomposer
		expErr error
	}{
		"No tasks at all.": {
			tasks:  staticDecomposer{},
			expErr: ErrNoTasks,
		},
		"Tasks depending on each other.": {
			tasks:  staticDecomposer{planned("a", "b"), planned("b", "a")},
			expErr: ErrCyclicDependency,
		},
		"A task depending on itself.": {
			tasks:  staticDecomposer{planned("a", "a")},
			expErr: ErrCyclicDependency,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			spec := &fakeSpeculator{}
			s := newTestSequencer(t, Config{Decomposer: test.tasks, Executor: spec})

			_, err := s.Execute(context.Background(), Issue{ID: "issue-1"})
			assert.ErrorIs(t, err, test.expErr)
			assert.Empty(t, spec.ran)
			assert.Empty(t, s.Registry().List())
		})
	}
}

func TestExecuteOracleFailure(t *testing.T) {
	s := newTestSequencer(t, Config{
		Oracle:     staticOracle{err: errors.New("oracle down")},
		Decomposer: staticDecomposer{planned("a")},
	})

	_, err := s.Execute(context.Background(), Issue{ID: "issue-1"})
	assert.ErrorContains(t, err, "oracle down")
}

func TestRegistryTracksRunningExecution(t *testing.T) {
	spec := &fakeSpeculator{block: make(chan struct{})}
	s := newTestSequencer(t, Config{
		Decomposer: staticDecomposer{planned("a")},
		Executor:   spec,
	})

	done := make(chan *Report, 1)
	go func() {
		report, err := s.Execute(context.Background(), Issue{ID: "issue-1"})
		assert.NoError(t, err)
		done <- report
	}()

	var id string
	require.Eventually(t, func() bool {
		for execID, p := range s.Registry().List() {
			if p == PhaseSpeculativeExecution {
				id = execID
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	p, ok := s.Registry().Status(id)
	assert.True(t, ok)
	assert.Equal(t, PhaseSpeculativeExecution, p)

	close(spec.block)
	report := <-done
	assert.Equal(t, id, report.ExecutionID)

	_, ok = s.Registry().Status(id)
	assert.False(t, ok)
}

func TestExecutePublishesPhaseEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicExecution, 16)

	s := newTestSequencer(t, Config{
		Decomposer: staticDecomposer{planned("a")},
		Bus:        bus,
	})
	report, err := s.Execute(context.Background(), Issue{ID: "issue-1"})
	require.NoError(t, err)

	var types []string
	for len(ch) > 0 {
		e := <-ch
		types = append(types, e.EventType())
		switch ev := e.(type) {
		case events.PhaseChangedEvent:
			assert.Equal(t, report.ExecutionID, ev.ExecutionID)
		case events.ExecutionFinishedEvent:
			assert.Equal(t, "completed", ev.Status)
			assert.Equal(t, "done", ev.FinalPhase)
		}
	}
	assert.Equal(t, []string{
		events.EventTypeExecutionStarted,
		events.EventTypePhaseChanged,
		events.EventTypePhaseChanged,
		events.EventTypePhaseChanged,
		events.EventTypePhaseChanged,
		events.EventTypeExecutionFinished,
	}, types)
}

func TestCursorIsForwardOnly(t *testing.T) {
	var c cursor
	require.NoError(t, c.advance(PhaseTaskDecomposition, false))
	assert.ErrorIs(t, c.advance(PhaseIssueAnalysis, false), ErrBackwardTransition)
	assert.ErrorIs(t, c.advance(PhaseTaskDecomposition, false), ErrBackwardTransition)
	require.NoError(t, c.advance(PhaseDone, false))
	assert.Len(t, c.transitions, 2)
}

func TestOrder(t *testing.T) {
	ordered, err := Order([]PlannedTask{planned("c", "a", "b"), planned("b", "a"), planned("a")})
	require.NoError(t, err)

	pos := map[string]int{}
	for i, pt := range ordered {
		pos[pt.Task.ID] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])

	_, err = Order([]PlannedTask{planned("a", "missing")})
	assert.ErrorContains(t, err, "non-existent")

	_, err = Order([]PlannedTask{planned("a"), planned("a")})
	assert.ErrorContains(t, err, "already exists")
}

type dirSandboxes struct{ root string }

func (d dirSandboxes) Create(_ context.Context, taskID string) (*sandbox.Info, error) {
	id := sandbox.Name(taskID)
	path := filepath.Join(d.root, id)
	return &sandbox.Info{ID: id, Path: path, OwnerTaskID: taskID}, os.MkdirAll(path, 0755)
}

func (d dirSandboxes) Release(context.Context, string) error { return nil }

func (d dirSandboxes) Remove(_ context.Context, id string) error {
	return os.RemoveAll(filepath.Join(d.root, id))
}

func TestExecuteWithSpeculativeExecutor(t *testing.T) {
	tests := map[string]struct {
		succeeding    int
		expStatus     Status
		expConfidence float64
	}{
		"Four of five worlds succeeding is accepted.": {
			succeeding:    4,
			expStatus:     StatusCompleted,
			expConfidence: 0.8,
		},
		"Three of five worlds succeeding is escalated.": {
			succeeding:    3,
			expStatus:     StatusEscalated,
			expConfidence: 0.6,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			exec, err := speculative.New(pool.Config{MaxConcurrency: 5, AutoCleanup: true, Sandboxes: dirSandboxes{root: t.TempDir()}})
			require.NoError(t, err)

			runner := pool.HandlerFunc(func(ctx context.Context, sb sandbox.Info, task pool.Task) (any, error) {
				if task.Metadata[speculative.MetadataWorld].(int) < test.succeeding {
					return "ok", nil
				}
				return nil, errors.New("failed")
			})

			s := newTestSequencer(t, Config{
				Decomposer: staticDecomposer{planned("a")},
				Executor:   exec,
				Runner:     runner,
				Worlds:     5,
				Threshold:  0.8,
			})

			report, err := s.Execute(context.Background(), Issue{ID: "issue-1"})
			require.NoError(t, err)
			assert.Equal(t, test.expStatus, report.Status)
			require.Len(t, report.Tasks, 1)
			assert.Equal(t, test.expConfidence, report.Tasks[0].Result.Confidence)
			if test.expStatus == StatusEscalated {
				assert.Equal(t, test.expConfidence, report.Escalation.Confidence)
			}
		})
	}
}
