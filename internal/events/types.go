package events

import (
	"context"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask      = "task"
	TopicSandbox   = "sandbox"
	TopicWorld     = "world"
	TopicExecution = "execution"
)

// Event type constants
const (
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskFinished      = "task.finished"
	EventTypeBatchFinished     = "batch.finished"
	EventTypeSandboxCreated    = "sandbox.created"
	EventTypeSandboxReleased   = "sandbox.released"
	EventTypeWorldsEvaluated   = "world.evaluated"
	EventTypeExecutionStarted  = "execution.started"
	EventTypePhaseChanged      = "execution.phase"
	EventTypeExecutionFinished = "execution.finished"
)

type executionKey struct{}

// WithExecutionID tags ctx with the id of the phase execution it belongs to,
// so events published deeper in the call chain can be correlated.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionKey{}, id)
}

// ExecutionID returns the execution id carried by ctx, or "".
func ExecutionID(ctx context.Context) string {
	id, _ := ctx.Value(executionKey{}).(string)
	return id
}

// TaskStartedEvent is published when a task got a slot and a sandbox.
type TaskStartedEvent struct {
	ExecutionID string
	BatchID     string
	ID          string
	SandboxID   string
	Timestamp   time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskFinishedEvent is published once per task with its final outcome.
type TaskFinishedEvent struct {
	ExecutionID string
	BatchID     string
	ID          string
	Index       int
	Outcome     string
	Err         string
	Duration    time.Duration
	SandboxPath string
	Timestamp   time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) TaskID() string    { return e.ID }

// BatchFinishedEvent is published when a whole batch has been aggregated.
type BatchFinishedEvent struct {
	ExecutionID string
	BatchID     string
	Total       int
	Succeeded   int
	Failed      int
	TimedOut    int
	Cancelled   int
	WallTime    time.Duration
	Timestamp   time.Time
}

func (e BatchFinishedEvent) EventType() string { return EventTypeBatchFinished }
func (e BatchFinishedEvent) TaskID() string    { return "" }

// SandboxCreatedEvent is published when a sandbox was created for a task.
type SandboxCreatedEvent struct {
	ID        string
	SandboxID string
	Path      string
	Timestamp time.Time
}

func (e SandboxCreatedEvent) EventType() string { return EventTypeSandboxCreated }
func (e SandboxCreatedEvent) TaskID() string    { return e.ID }

// SandboxReleasedEvent is published when a task gave its sandbox back, either
// removing it or leaving it idle.
type SandboxReleasedEvent struct {
	ID        string
	SandboxID string
	Removed   bool
	Err       string
	Timestamp time.Time
}

func (e SandboxReleasedEvent) EventType() string { return EventTypeSandboxReleased }
func (e SandboxReleasedEvent) TaskID() string    { return e.ID }

// WorldSummary is the outcome of one world of a speculative run.
type WorldSummary struct {
	WorldID  int
	Success  bool
	Outcome  string
	Message  string
	Duration time.Duration
}

// WorldsEvaluatedEvent is published when the worlds of a task were reduced to
// a confidence.
type WorldsEvaluatedEvent struct {
	ExecutionID string
	ID          string
	Confidence  float64
	Successful  int
	Total       int
	Threshold   float64
	Accepted    bool
	Worlds      []WorldSummary
	Timestamp   time.Time
}

func (e WorldsEvaluatedEvent) EventType() string { return EventTypeWorldsEvaluated }
func (e WorldsEvaluatedEvent) TaskID() string    { return e.ID }

// ExecutionStartedEvent is published when an issue enters the pipeline.
type ExecutionStartedEvent struct {
	ExecutionID string
	IssueID     string
	Title       string
	Phase       string
	Timestamp   time.Time
}

func (e ExecutionStartedEvent) EventType() string { return EventTypeExecutionStarted }
func (e ExecutionStartedEvent) TaskID() string    { return "" }

// PhaseChangedEvent is published on every phase transition of an execution.
type PhaseChangedEvent struct {
	ExecutionID string
	IssueID     string
	From        string
	To          string
	Skipped     bool
	Timestamp   time.Time
}

func (e PhaseChangedEvent) EventType() string { return EventTypePhaseChanged }
func (e PhaseChangedEvent) TaskID() string    { return "" }

// ExecutionFinishedEvent is published when an execution completed, escalated
// or failed.
type ExecutionFinishedEvent struct {
	ExecutionID string
	IssueID     string
	Status      string
	FinalPhase  string
	Reason      string
	Confidence  float64
	Timestamp   time.Time
}

func (e ExecutionFinishedEvent) EventType() string { return EventTypeExecutionFinished }
func (e ExecutionFinishedEvent) TaskID() string    { return "" }
