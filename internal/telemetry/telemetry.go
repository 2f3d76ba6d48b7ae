// Package telemetry installs the global OpenTelemetry providers.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config configures the exporters.
type Config struct {
	ServiceName    string        // Default: "nworlds"
	ServiceVersion string        // Reported as service.version
	Writer         io.Writer     // Where spans and metrics are written, required
	MetricInterval time.Duration // Default: 30s
}

func (c *Config) defaults() error {
	if c.Writer == nil {
		return fmt.Errorf("writer is required")
	}
	if c.ServiceName == "" {
		c.ServiceName = "nworlds"
	}
	if c.MetricInterval <= 0 {
		c.MetricInterval = 30 * time.Second
	}
	return nil
}

// Shutdown flushes and stops the providers installed by Setup.
type Shutdown func(ctx context.Context) error

// Setup installs tracer and meter providers exporting to cfg.Writer as the
// otel globals. Instruments obtained from the globals before Setup start
// reporting once it returns.
func Setup(cfg Config) (Shutdown, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("could not create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)

	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("could not create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(cfg.MetricInterval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		var merr *multierror.Error
		if err := tp.Shutdown(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("tracer provider: %w", err))
		}
		if err := mp.Shutdown(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("meter provider: %w", err))
		}
		return merr.ErrorOrNil()
	}, nil
}
