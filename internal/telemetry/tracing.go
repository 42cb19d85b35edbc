package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracerProvider installs a batching OTLP/gRPC tracer provider as the
// global provider, so that every NewTracer call in this process exports
// real spans instead of the no-op default. When endpoint is empty, tracing
// stays disabled (NewTracer still works, against the no-op global
// provider) and the returned shutdown func is a no-op.
//
// Grounded on r3e-network-service_layer's pkg/tracing/otlp.go
// (NewOTLPTracerProvider): otlptracegrpc exporter, a resource carrying the
// service name, sdktrace.NewTracerProvider(WithBatcher, WithResource),
// installed globally via otel.SetTracerProvider.
func InitTracerProvider(ctx context.Context, service, endpoint string, insecure bool) (shutdown func(context.Context) error, err error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Tracer wraps an otel.Tracer with the attribute set every NoETL span
// carries: execution_id, node_id, event_id.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer backed by the global otel provider, scoped to
// the given service name ("noetl-server", "noetl-worker").
func NewTracer(service string) *Tracer {
	return &Tracer{tracer: otel.Tracer(service)}
}

// StartSpan starts a span named name, parented on ctx's existing span if
// any, tagging execution_id/node_id/event_id when non-zero.
func (t *Tracer) StartSpan(ctx context.Context, name string, executionID int64, nodeID string, eventID int64) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name)

	attrs := make([]attribute.KeyValue, 0, 3)
	if executionID != 0 {
		attrs = append(attrs, attribute.Int64("execution_id", executionID))
	}
	if nodeID != "" {
		attrs = append(attrs, attribute.String("node_id", nodeID))
	}
	if eventID != 0 {
		attrs = append(attrs, attribute.Int64("event_id", eventID))
	}
	span.SetAttributes(attrs...)

	return ctx, span
}

// EndWithError ends span, marking it as errored when err is non-nil.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}
