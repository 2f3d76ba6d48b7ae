package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/nworlds/internal/events"
	"github.com/aristath/nworlds/internal/log"
	"github.com/aristath/nworlds/internal/sandbox"
)

var (
	// ErrTaskTimeout is the error of a task that exceeded TimeoutPerTask.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrTaskCancelled is the error of a task cancelled before it could finish.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrHandlerFailure wraps the error returned by a handler.
	ErrHandlerFailure = errors.New("handler failed")
	// ErrHandlerPanic is the error of a task whose handler panicked.
	ErrHandlerPanic = errors.New("handler panicked")
	// ErrFailFast is the cancellation cause of tasks stopped by another task's failure.
	ErrFailFast = errors.New("batch stopped after a task failure")
	// ErrInvalidBatch is returned when a batch cannot be started at all.
	ErrInvalidBatch = errors.New("invalid batch")
)

// Task is a unit of work executed in its own sandbox.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	AgentKind   string         `json:"agent_kind,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Handler does the actual work of a task inside its sandbox. It must return
// promptly once ctx is done. The returned value must be JSON serializable.
type Handler interface {
	Run(ctx context.Context, sb sandbox.Info, task Task) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sb sandbox.Info, task Task) (any, error)

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, sb sandbox.Info, task Task) (any, error) {
	return f(ctx, sb, task)
}

// Sandboxes is the part of the sandbox manager the pool needs.
type Sandboxes interface {
	Create(ctx context.Context, taskID string) (*sandbox.Info, error)
	Release(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// Watcher tracks file activity inside sandboxes.
type Watcher interface {
	Watch(info sandbox.Info) error
	Unwatch(id string)
}

// Outcome is the terminal state of a task.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimedOut
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// TaskResult is the result of one task of a batch.
type TaskResult struct {
	Index       int           `json:"index"`
	TaskID      string        `json:"task_id"`
	Outcome     Outcome       `json:"outcome"`
	Value       any           `json:"value,omitempty"` // Only set on success
	Err         error         `json:"-"`
	Error       string        `json:"error,omitempty"`
	Started     time.Time     `json:"started,omitzero"` // Zero if the task never started
	Duration    time.Duration `json:"duration"`
	SandboxID   string        `json:"sandbox_id,omitempty"`
	SandboxPath string        `json:"sandbox_path,omitempty"`
}

// BatchResult aggregates the results of one ExecuteParallel call.
type BatchResult struct {
	ID                   string        `json:"id"`
	Results              []TaskResult  `json:"results"` // In submission order
	Total                int           `json:"total"`
	Succeeded            int           `json:"succeeded"`
	Failed               int           `json:"failed"`
	TimedOut             int           `json:"timed_out"`
	Cancelled            int           `json:"cancelled"`
	WallTime             time.Duration `json:"wall_time"`
	SuccessRate          float64       `json:"success_rate"`
	AvgDuration          time.Duration `json:"avg_duration"`
	MinDuration          time.Duration `json:"min_duration"`
	MaxDuration          time.Duration `json:"max_duration"`
	Throughput           float64       `json:"throughput"`            // Finished tasks per second
	EffectiveConcurrency float64       `json:"effective_concurrency"` // Summed task time over wall time
}

// Stats is a point in time view of the pool.
type Stats struct {
	ActiveSandboxes int `json:"active_sandboxes"`
	AvailableSlots  int `json:"available_slots"`
	MaxConcurrency  int `json:"max_concurrency"`
}

// Config configures a Pool. It is fixed for the lifetime of the pool.
type Config struct {
	MaxConcurrency    int           // Tasks running at once (default: 4)
	TimeoutPerTask    time.Duration // Zero means no per-task timeout
	FailFast          bool          // Cancel the rest of the batch on the first failure
	AutoCleanup       bool          // Remove sandboxes after their task instead of releasing them
	CancelGracePeriod time.Duration // How long a cancelled handler gets to return (default: 5s)
	Sandboxes         Sandboxes
	Watcher           Watcher // Optional
	Bus               *events.Bus
	Logger            log.Logger
}

func (c *Config) defaults() error {
	if c.Sandboxes == nil {
		return fmt.Errorf("sandboxes are required")
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.TimeoutPerTask < 0 {
		c.TimeoutPerTask = 0
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pool.Pool"})
	return nil
}
