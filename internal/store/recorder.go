package store

import (
	"context"

	"github.com/aristath/nworlds/internal/events"
	"github.com/aristath/nworlds/internal/log"
)

// Recorder writes bus events into a Store.
type Recorder struct {
	store  *Store
	logger log.Logger
}

// NewRecorder creates a recorder. logger may be nil.
func NewRecorder(s *Store, logger log.Logger) *Recorder {
	if logger == nil {
		logger = log.Noop
	}
	return &Recorder{store: s, logger: logger.WithValues(log.Kv{"svc": "store.Recorder"})}
}

// Run records events from ch until it is closed or ctx is done. Events
// already buffered in ch when ctx is done are still recorded. Failed writes
// are logged and skipped.
func (r *Recorder) Run(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx), ch)
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) drain(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev events.Event) {
	if err := r.Record(ctx, ev); err != nil {
		r.logger.Errorf("Could not record %s event: %v", ev.EventType(), err)
	}
}

// Record stores one event. Events the store has no table for are ignored.
func (r *Recorder) Record(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.ExecutionStartedEvent:
		return r.store.StartExecution(ctx, Execution{
			ID:        e.ExecutionID,
			IssueID:   e.IssueID,
			Title:     e.Title,
			Phase:     e.Phase,
			StartedAt: e.Timestamp,
		})
	case events.PhaseChangedEvent:
		return r.store.RecordTransition(ctx, e.ExecutionID, Transition{
			From:    e.From,
			To:      e.To,
			Skipped: e.Skipped,
			At:      e.Timestamp,
		})
	case events.ExecutionFinishedEvent:
		return r.store.FinishExecution(ctx, Execution{
			ID:         e.ExecutionID,
			Status:     e.Status,
			Phase:      e.FinalPhase,
			Reason:     e.Reason,
			Confidence: e.Confidence,
			FinishedAt: &e.Timestamp,
		})
	case events.TaskFinishedEvent:
		return r.store.RecordTask(ctx, TaskRecord{
			ExecutionID: e.ExecutionID,
			BatchID:     e.BatchID,
			TaskID:      e.ID,
			Index:       e.Index,
			Outcome:     e.Outcome,
			Error:       e.Err,
			Duration:    e.Duration,
			SandboxPath: e.SandboxPath,
			FinishedAt:  e.Timestamp,
		})
	case events.WorldsEvaluatedEvent:
		worlds := make([]WorldRecord, 0, len(e.Worlds))
		for _, w := range e.Worlds {
			worlds = append(worlds, WorldRecord{
				WorldID:  w.WorldID,
				Success:  w.Success,
				Outcome:  w.Outcome,
				Message:  w.Message,
				Duration: w.Duration,
			})
		}
		return r.store.RecordEvaluation(ctx, Evaluation{
			ExecutionID: e.ExecutionID,
			TaskID:      e.ID,
			Confidence:  e.Confidence,
			Successful:  e.Successful,
			Total:       e.Total,
			Threshold:   e.Threshold,
			Accepted:    e.Accepted,
			Worlds:      worlds,
			EvaluatedAt: e.Timestamp,
		})
	}
	return nil
}
