package pool

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aristath/nworlds/internal/log"
)

const instrumentationName = "github.com/aristath/nworlds/internal/pool"

var meter = otel.Meter(instrumentationName)

type instruments struct {
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// newInstruments creates the pool instruments. Creation errors still return
// usable no-op instruments, so they are only logged.
func newInstruments(logger log.Logger) *instruments {
	var (
		ins instruments
		err error
	)
	ins.outcomes, err = meter.Int64Counter("nworlds.pool.tasks",
		metric.WithDescription("Finished tasks by outcome"),
		metric.WithUnit("{task}"))
	if err != nil {
		logger.Warningf("Failed to create metric: %v", err)
	}
	ins.duration, err = meter.Float64Histogram("nworlds.pool.task.duration",
		metric.WithDescription("Task duration including sandbox setup"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warningf("Failed to create metric: %v", err)
	}
	ins.inflight, err = meter.Int64UpDownCounter("nworlds.pool.tasks.inflight",
		metric.WithDescription("Tasks holding a slot"),
		metric.WithUnit("{task}"))
	if err != nil {
		logger.Warningf("Failed to create metric: %v", err)
	}
	return &ins
}

func (i *instruments) record(ctx context.Context, task Task, outcome Outcome, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome.String()),
		attribute.String("agent", task.AgentKind),
	)
	i.outcomes.Add(ctx, 1, attrs)
	i.duration.Record(ctx, d.Seconds(), attrs)
}
