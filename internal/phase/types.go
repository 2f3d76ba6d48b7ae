package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/nworlds/internal/events"
	"github.com/aristath/nworlds/internal/log"
	"github.com/aristath/nworlds/internal/pool"
	"github.com/aristath/nworlds/internal/speculative"
)

var (
	// ErrCyclicDependency is returned when decomposed tasks depend on each other in a cycle.
	ErrCyclicDependency = errors.New("cyclic task dependency")
	// ErrNoTasks is returned when decomposition produced nothing to execute.
	ErrNoTasks = errors.New("decomposition produced no tasks")
	// ErrBackwardTransition is returned on an attempt to move an execution back.
	ErrBackwardTransition = errors.New("phase transitions only move forward")
)

// Issue is the unit of work entering the pipeline.
type Issue struct {
	ID         string `json:"id" yaml:"id"`
	Title      string `json:"title" yaml:"title"`
	Body       string `json:"body,omitempty" yaml:"body,omitempty"`
	Complexity int    `json:"complexity" yaml:"complexity"`
}

// DecisionKind is how an issue may proceed.
type DecisionKind int

const (
	AutoApprove DecisionKind = iota
	NotifyAndProceed
	EscalateToHuman
)

func (k DecisionKind) String() string {
	switch k {
	case AutoApprove:
		return "auto_approve"
	case NotifyAndProceed:
		return "notify_and_proceed"
	case EscalateToHuman:
		return "escalate_to_human"
	default:
		return fmt.Sprintf("decision(%d)", int(k))
	}
}

// Decision is the verdict of a DecisionOracle.
type Decision struct {
	Kind   DecisionKind
	Delay  time.Duration // Wait before proceeding, for NotifyAndProceed
	Reason string
}

// DecisionOracle decides whether an issue may be worked on without a human.
type DecisionOracle interface {
	Decide(ctx context.Context, issue Issue) (Decision, error)
}

// Decomposer splits an issue into tasks.
type Decomposer interface {
	Decompose(ctx context.Context, issue Issue) ([]PlannedTask, error)
}

// Preparer readies shared sandbox state before several tasks run.
type Preparer interface {
	Prepare(ctx context.Context) (string, error)
}

// Speculator runs a task in several worlds.
type Speculator interface {
	Run(ctx context.Context, task pool.Task, numWorlds int, threshold float64, runner pool.Handler) (*speculative.Result, error)
}

// Status is how an execution ended.
type Status int

const (
	StatusCompleted Status = iota
	StatusEscalated
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusEscalated:
		return "escalated"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Escalation explains why an execution was handed to a human.
type Escalation struct {
	Reason     string  `json:"reason"`
	TaskID     string  `json:"task_id,omitempty"`    // Set when a task fell below the threshold
	Confidence float64 `json:"confidence,omitempty"` // Confidence of that task
}

// TaskReport is the speculative result of one task.
type TaskReport struct {
	Task      pool.Task           `json:"task"`
	DependsOn []string            `json:"depends_on,omitempty"`
	Result    *speculative.Result `json:"result"`
}

// Report is the outcome of an execution.
type Report struct {
	ExecutionID string       `json:"execution_id"`
	IssueID     string       `json:"issue_id"`
	Status      Status       `json:"status"`
	FinalPhase  Phase        `json:"final_phase"`
	Escalation  *Escalation  `json:"escalation,omitempty"`
	Transitions []Transition `json:"transitions"`
	Tasks       []TaskReport `json:"tasks,omitempty"`
}

// Config configures a Sequencer.
type Config struct {
	Oracle     DecisionOracle
	Decomposer Decomposer
	Executor   Speculator
	Runner     pool.Handler
	Preparer   Preparer // Optional
	Worlds     int      // Worlds per task (default: 5)
	Threshold  float64  // Acceptance threshold (default: 0.8)
	Registry   *Registry
	Bus        *events.Bus
	Logger     log.Logger
}

func (c *Config) defaults() error {
	switch {
	case c.Oracle == nil:
		return fmt.Errorf("decision oracle is required")
	case c.Decomposer == nil:
		return fmt.Errorf("decomposer is required")
	case c.Executor == nil:
		return fmt.Errorf("speculative executor is required")
	case c.Runner == nil:
		return fmt.Errorf("runner is required")
	}
	if c.Worlds <= 0 {
		c.Worlds = speculative.DefaultWorlds
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = speculative.DefaultThreshold
	}
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "phase.Sequencer"})
	return nil
}
