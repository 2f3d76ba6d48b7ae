package phase

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aristath/nworlds/internal/events"
	"github.com/aristath/nworlds/internal/log"
)

var tracer = otel.Tracer("github.com/aristath/nworlds/internal/phase")

// Sequencer drives issues through analysis, decomposition, sandbox
// preparation and speculative execution, in that order.
type Sequencer struct {
	config Config
	logger log.Logger
}

// NewSequencer creates a sequencer.
func NewSequencer(cfg Config) (*Sequencer, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid sequencer config: %w", err)
	}
	return &Sequencer{config: cfg, logger: cfg.Logger}, nil
}

// Registry returns the registry executions are tracked in.
func (s *Sequencer) Registry() *Registry { return s.config.Registry }

// execution is the state of one Execute call.
type execution struct {
	s      *Sequencer
	id     string
	issue  Issue
	cur    cursor
	logger log.Logger
	report *Report
}

// Execute runs an issue through every phase. Escalations are returned as a
// report with StatusEscalated, not as errors; an error means the execution
// could not be carried out.
func (s *Sequencer) Execute(ctx context.Context, issue Issue) (*Report, error) {
	id := ulid.Make().String()
	ctx = events.WithExecutionID(ctx, id)
	ctx = log.CtxWithValues(ctx, log.Kv{"execution": id, "issue": issue.ID})

	ctx, span := tracer.Start(ctx, "phase.Execute", trace.WithAttributes(
		attribute.String("execution.id", id),
		attribute.String("issue.id", issue.ID),
	))
	defer span.End()

	x := &execution{
		s:      s,
		id:     id,
		issue:  issue,
		logger: s.logger.WithCtxValues(ctx),
		report: &Report{ExecutionID: id, IssueID: issue.ID},
	}

	s.config.Registry.Insert(id)
	defer s.config.Registry.Remove(id)

	x.logger.Infof("Execution started for issue %q", issue.Title)
	s.config.Bus.Publish(events.TopicExecution, events.ExecutionStartedEvent{
		ExecutionID: id,
		IssueID:     issue.ID,
		Title:       issue.Title,
		Phase:       PhaseIssueAnalysis.String(),
		Timestamp:   time.Now(),
	})
	report, err := x.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.logger.Errorf("Execution failed in phase %s: %v", x.cur.current, err)
		x.finished("failed", err.Error(), 0)
		return nil, err
	}

	span.SetAttributes(attribute.String("execution.status", report.Status.String()))
	reason, confidence := "", 0.0
	if report.Escalation != nil {
		reason, confidence = report.Escalation.Reason, report.Escalation.Confidence
	}
	x.finished(report.Status.String(), reason, confidence)
	return report, nil
}

func (x *execution) run(ctx context.Context) (*Report, error) {
	cfg := x.s.config

	// Issue analysis.
	decision, err := inPhase(ctx, x, func(ctx context.Context) (Decision, error) {
		return cfg.Oracle.Decide(ctx, x.issue)
	})
	if err != nil {
		return nil, fmt.Errorf("deciding on issue %q: %w", x.issue.ID, err)
	}
	switch decision.Kind {
	case EscalateToHuman:
		x.logger.Warningf("Escalating issue: %s", decision.Reason)
		return x.escalate(&Escalation{Reason: decision.Reason}), nil
	case NotifyAndProceed:
		x.logger.Warningf("Proceeding in %s after notification: %s", decision.Delay, decision.Reason)
		if err := sleep(ctx, decision.Delay); err != nil {
			return nil, err
		}
	}

	// Task decomposition.
	if err := x.advance(PhaseTaskDecomposition, false); err != nil {
		return nil, err
	}
	ordered, err := inPhase(ctx, x, func(ctx context.Context) ([]PlannedTask, error) {
		planned, err := cfg.Decomposer.Decompose(ctx, x.issue)
		if err != nil {
			return nil, fmt.Errorf("decomposing issue %q: %w", x.issue.ID, err)
		}
		return Order(planned)
	})
	if err != nil {
		return nil, err
	}
	x.logger.Infof("Issue decomposed into %d tasks", len(ordered))

	// Sandbox creation. A lone task has no siblings to be isolated from.
	single := len(ordered) == 1
	if err := x.advance(PhaseSandboxCreation, single); err != nil {
		return nil, err
	}
	if !single && cfg.Preparer != nil {
		base, err := inPhase(ctx, x, func(ctx context.Context) (string, error) {
			return cfg.Preparer.Prepare(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("preparing sandboxes: %w", err)
		}
		x.logger.Debugf("Sandboxes prepared at base %s", base)
	}

	// Speculative execution.
	if err := x.advance(PhaseSpeculativeExecution, false); err != nil {
		return nil, err
	}
	for _, pt := range ordered {
		res, err := inPhase(ctx, x, func(ctx context.Context) (*TaskReport, error) {
			r, err := cfg.Executor.Run(ctx, pt.Task, cfg.Worlds, cfg.Threshold, cfg.Runner)
			if err != nil {
				return nil, fmt.Errorf("running task %q: %w", pt.Task.ID, err)
			}
			return &TaskReport{Task: pt.Task, DependsOn: pt.DependsOn, Result: r}, nil
		})
		if err != nil {
			return nil, err
		}
		x.report.Tasks = append(x.report.Tasks, *res)

		if !res.Result.OverallSuccess {
			x.logger.Warningf("Task %q rejected with confidence %.2f", pt.Task.ID, res.Result.Confidence)
			return x.escalate(&Escalation{
				Reason: fmt.Sprintf("confidence %.2f of task %q is below threshold %.2f",
					res.Result.Confidence, pt.Task.ID, res.Result.Threshold),
				TaskID:     pt.Task.ID,
				Confidence: res.Result.Confidence,
			}), nil
		}
	}

	if err := x.advance(PhaseDone, false); err != nil {
		return nil, err
	}
	x.logger.Infof("All %d tasks accepted", len(ordered))
	x.report.Status = StatusCompleted
	x.report.FinalPhase = PhaseDone
	x.report.Transitions = x.cur.transitions
	return x.report, nil
}

// inPhase runs fn in a span named after the current phase.
func inPhase[T any](ctx context.Context, x *execution, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "phase."+x.cur.current.String())
	defer span.End()

	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

func (x *execution) advance(to Phase, skipped bool) error {
	from := x.cur.current
	if err := x.cur.advance(to, skipped); err != nil {
		return err
	}
	x.s.config.Registry.set(x.id, to)

	if skipped {
		x.logger.Debugf("Phase %s -> %s (nothing to do)", from, to)
	} else {
		x.logger.Debugf("Phase %s -> %s", from, to)
	}
	x.s.config.Bus.Publish(events.TopicExecution, events.PhaseChangedEvent{
		ExecutionID: x.id,
		IssueID:     x.issue.ID,
		From:        from.String(),
		To:          to.String(),
		Skipped:     skipped,
		Timestamp:   time.Now(),
	})
	return nil
}

func (x *execution) escalate(e *Escalation) *Report {
	x.report.Status = StatusEscalated
	x.report.Escalation = e
	x.report.FinalPhase = x.cur.current
	x.report.Transitions = x.cur.transitions
	return x.report
}

func (x *execution) finished(status, reason string, confidence float64) {
	x.s.config.Bus.Publish(events.TopicExecution, events.ExecutionFinishedEvent{
		ExecutionID: x.id,
		IssueID:     x.issue.ID,
		Status:      status,
		FinalPhase:  x.cur.current.String(),
		Reason:      reason,
		Confidence:  confidence,
		Timestamp:   time.Now(),
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
