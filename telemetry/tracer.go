package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this module's spans in any backend.
const tracerName = "github.com/arcflow/agentqueue"

// TracerProvider wraps an sdktrace.TracerProvider exporting spans via
// stdouttrace — a dependency-light default suitable for local runs and
// tests; swapping the exporter for an OTLP one is a construction-site
// change only, never a call-site one, since every span is opened
// through the package-level Tracer() accessor.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider builds a TracerProvider that pretty-prints spans to
// stdout, registers it as the global otel TracerProvider, and returns a
// handle whose Shutdown flushes and closes the exporter.
func NewTracerProvider(serviceName string) (*TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: create stdout trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &TracerProvider{provider: tp}, nil
}

// Shutdown flushes pending spans and releases exporter resources.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the package-wide tracer, fed by whatever
// TracerProvider was last registered globally (NewTracerProvider, or
// otel's no-op default if telemetry was never initialized).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span named by operation, carrying run_id and
// agent_name attributes. No package in this module calls it.
func StartSpan(ctx context.Context, operation, runID, agentName string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, operation, trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("agent_name", agentName),
	))
}
