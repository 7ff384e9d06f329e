// Package tracing sets up the OpenTelemetry tracer provider used to
// instrument every mutating Store call. By default it exports spans to
// stdout, which is enough to see the trace tree locally; wiring a real
// OTLP collector only requires swapping the exporter passed to
// sdktrace.NewTracerProvider.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope every Store span is recorded
// under.
const TracerName = "github.com/durably-dev/durably/internal/store"

// Config selects how spans leave the process.
type Config struct {
	ServiceName string
	// Disabled skips exporter setup entirely; Tracer() then returns a
	// no-op tracer. Useful for tests and for CLI invocations that don't
	// want a stdout span dump.
	Disabled bool
}

// Init builds the global tracer provider and returns a shutdown func
// that flushes pending spans. Callers should defer the returned func.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Disabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("merge resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the tracer every Store span is started from.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// WorkerTracerName is the instrumentation scope the dispatcher starts
// its per-run span under.
const WorkerTracerName = "github.com/durably-dev/durably/pkg/worker"

// WorkerTracer returns the tracer the worker uses to wrap each
// processed run in a span.
func WorkerTracer() trace.Tracer {
	return otel.Tracer(WorkerTracerName)
}
