package speculative

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/samber/lo"

	"github.com/aristath/nworlds/internal/events"
	"github.com/aristath/nworlds/internal/log"
	"github.com/aristath/nworlds/internal/pool"
	"github.com/aristath/nworlds/internal/sandbox"
)

const (
	// DefaultWorlds is the number of worlds used when none is configured.
	DefaultWorlds = 5
	// DefaultThreshold is the acceptance threshold used when none is configured.
	DefaultThreshold = 0.8

	// MetadataWorld is the task metadata key holding the world index seen by
	// the runner.
	MetadataWorld = "world"
)

var (
	ErrInvalidWorlds    = errors.New("number of worlds must be at least 1")
	ErrInvalidThreshold = errors.New("threshold must be within [0, 1]")
)

// WorldResult is the outcome of one world.
type WorldResult struct {
	WorldID     int           `json:"world_id"`
	Success     bool          `json:"success"`
	Message     string        `json:"message"`
	Outcome     pool.Outcome  `json:"outcome"`
	Duration    time.Duration `json:"duration"`
	SandboxPath string        `json:"sandbox_path,omitempty"`
}

// Result is the reduction of all worlds of a task.
type Result struct {
	TaskID           string        `json:"task_id"`
	OverallSuccess   bool          `json:"overall_success"`
	Confidence       float64       `json:"confidence"`
	SuccessfulWorlds int           `json:"successful_worlds"`
	TotalWorlds      int           `json:"total_worlds"`
	Threshold        float64       `json:"threshold"`
	Worlds           []WorldResult `json:"worlds"` // Indexed by world id
	WallTime         time.Duration `json:"wall_time"`
}

// Executor runs a task in several independent worlds and accepts it when
// enough of them succeed.
type Executor struct {
	pool   *pool.Pool
	bus    *events.Bus
	logger log.Logger
}

// New creates an executor on a pool built from cfg. Fail-fast is always
// disabled: a failing world is information, not a reason to stop the others.
func New(cfg pool.Config) (*Executor, error) {
	cfg.FailFast = false
	if cfg.Logger == nil {
		cfg.Logger = log.Noop
	}
	logger := cfg.Logger.WithValues(log.Kv{"svc": "speculative.Executor"})

	p, err := pool.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Executor{pool: p, bus: cfg.Bus, logger: logger}, nil
}

// Pool returns the pool worlds run on.
func (e *Executor) Pool() *pool.Pool { return e.pool }

// Run executes task once per world, each in its own sandbox, and reduces the
// outcomes. A rejected task is not an error; the returned error is only set
// when the worlds could not run at all, or with the result when ctx ended.
func (e *Executor) Run(ctx context.Context, task pool.Task, numWorlds int, threshold float64, runner pool.Handler) (*Result, error) {
	if numWorlds < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWorlds, numWorlds)
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidThreshold, threshold)
	}
	if runner == nil {
		return nil, fmt.Errorf("%w: no runner", pool.ErrInvalidBatch)
	}

	logger := e.logger.WithCtxValues(ctx).WithValues(log.Kv{"task": task.ID})

	worlds := make([]pool.Task, numWorlds)
	index := make(map[string]int, numWorlds)
	for i := range worlds {
		worlds[i] = pool.Task{
			ID:          WorldTaskID(task.ID, i),
			Description: task.Description,
			AgentKind:   task.AgentKind,
			Metadata:    task.Metadata,
		}
		index[worlds[i].ID] = i
	}

	// Every world sees the original task, tagged with its world index.
	handler := pool.HandlerFunc(func(ctx context.Context, sb sandbox.Info, t pool.Task) (any, error) {
		return runner.Run(ctx, sb, withWorld(task, index[t.ID]))
	})

	batch, err := e.pool.ExecuteParallel(ctx, worlds, handler)
	if batch == nil {
		return nil, fmt.Errorf("running worlds of %q: %w", task.ID, err)
	}

	res := reduce(task.ID, batch, threshold)
	logger.Infof("Worlds evaluated: %d/%d succeeded, confidence %.2f (threshold %.2f), accepted: %t",
		res.SuccessfulWorlds, res.TotalWorlds, res.Confidence, res.Threshold, res.OverallSuccess)

	e.bus.Publish(events.TopicWorld, events.WorldsEvaluatedEvent{
		ExecutionID: events.ExecutionID(ctx),
		ID:          task.ID,
		Confidence:  res.Confidence,
		Successful:  res.SuccessfulWorlds,
		Total:       res.TotalWorlds,
		Threshold:   res.Threshold,
		Accepted:    res.OverallSuccess,
		Worlds: lo.Map(res.Worlds, func(w WorldResult, _ int) events.WorldSummary {
			return events.WorldSummary{
				WorldID:  w.WorldID,
				Success:  w.Success,
				Outcome:  w.Outcome.String(),
				Message:  w.Message,
				Duration: w.Duration,
			}
		}),
		Timestamp: time.Now(),
	})

	return res, err
}

// WorldTaskID is the id of the sub-task running world i of taskID.
func WorldTaskID(taskID string, i int) string {
	return fmt.Sprintf("%s-world-%d", taskID, i)
}

func withWorld(task pool.Task, world int) pool.Task {
	md := make(map[string]any, len(task.Metadata)+1)
	maps.Copy(md, task.Metadata)
	md[MetadataWorld] = world
	task.Metadata = md
	return task
}

func reduce(taskID string, batch *pool.BatchResult, threshold float64) *Result {
	res := &Result{
		TaskID:      taskID,
		TotalWorlds: len(batch.Results),
		Threshold:   threshold,
		WallTime:    batch.WallTime,
		Worlds: lo.Map(batch.Results, func(r pool.TaskResult, i int) WorldResult {
			return WorldResult{
				WorldID:     i,
				Success:     r.Outcome == pool.OutcomeSuccess,
				Message:     message(r),
				Outcome:     r.Outcome,
				Duration:    r.Duration,
				SandboxPath: r.SandboxPath,
			}
		}),
	}
	res.SuccessfulWorlds = lo.CountBy(res.Worlds, func(w WorldResult) bool { return w.Success })
	res.Confidence, res.OverallSuccess = Accept(res.SuccessfulWorlds, res.TotalWorlds, threshold)
	return res
}

// Accept computes the confidence of successful out of total worlds and
// whether it meets threshold. No worlds means no confidence.
func Accept(successful, total int, threshold float64) (float64, bool) {
	if total <= 0 {
		return 0, false
	}
	confidence := float64(successful) / float64(total)
	return confidence, confidence >= threshold
}

func message(r pool.TaskResult) string {
	if r.Outcome != pool.OutcomeSuccess {
		return r.Error
	}
	switch v := r.Value.(type) {
	case nil:
		return "ok"
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
