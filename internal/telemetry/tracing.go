// Package telemetry configures OpenTelemetry tracing. Spans cover the three
// long-running concerns: tool dispatch, workflow execution and agent
// evolution. Custom attributes use the `cohort.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/evolvant/cohort"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Setup installs the global tracer provider. With an empty endpoint nothing
// is exported and span helpers become no-ops through the default provider.
// The returned shutdown flushes pending spans.
func Setup(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("cohortd"),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// StartToolCall opens a span around one tool invocation.
func StartToolCall(ctx context.Context, tool, keyName string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "cohort.tool_call",
		trace.WithAttributes(
			attribute.String("cohort.tool", tool),
			attribute.String("cohort.api_key_name", keyName),
		))
}

// StartWorkflowRun opens a span around one workflow execution.
func StartWorkflowRun(ctx context.Context, workflowID, crewID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "cohort.workflow_run",
		trace.WithAttributes(
			attribute.String("cohort.workflow_id", workflowID),
			attribute.String("cohort.crew_id", crewID),
		))
}

// StartEvolution opens a span around one evolution attempt.
func StartEvolution(ctx context.Context, agentID, strategy string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "cohort.evolution",
		trace.WithAttributes(
			attribute.String("cohort.agent_id", agentID),
			attribute.String("cohort.strategy", strategy),
		))
}

// EndWithError records err on the span (when non-nil) and ends it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
