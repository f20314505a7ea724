// Package telemetry wires OpenTelemetry tracing around publish, each
// service task, each extractor run, and run_aggregation.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "reflexio"

// Provider owns the process-wide tracer provider and its exporter.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider configures an OTLP/HTTP trace exporter and installs it as the
// global tracer provider. endpoint is the collector's OTLP/HTTP host:port
// (e.g. "localhost:4318"); an empty endpoint defaults to that address.
func NewProvider(ctx context.Context, serviceName, endpoint string) (*Provider, error) {
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter for %s: %w", endpoint, err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{tp: tp}, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartPublish opens the root span for one publish(request) call (§4.1).
func StartPublish(ctx context.Context, userID, source string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "publish",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("source", source),
		))
}

// StartServiceTask opens a span for one of the three fanned-out service
// tasks (profile, feedback, evaluation) within a publish call.
func StartServiceTask(ctx context.Context, service, orgID, requestID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "service."+service,
		trace.WithAttributes(
			attribute.String("service", service),
			attribute.String("org_id", orgID),
			attribute.String("request_id", requestID),
		))
}

// StartExtractorRun opens a span for a single extractor's window read.
func StartExtractorRun(ctx context.Context, service, extractor string, mode string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "extractor."+extractor,
		trace.WithAttributes(
			attribute.String("service", service),
			attribute.String("extractor", extractor),
			attribute.String("mode", mode),
		))
}

// StartAggregation opens a span for one run_aggregation invocation (§4.4).
func StartAggregation(ctx context.Context, agentVersion, feedbackName string, rerun bool) (context.Context, trace.Span) {
	return tracer().Start(ctx, "run_aggregation",
		trace.WithAttributes(
			attribute.String("agent_version", agentVersion),
			attribute.String("feedback_name", feedbackName),
			attribute.Bool("rerun", rerun),
		))
}

// EndWithError records err on the span (if non-nil) and sets the span
// status accordingly, then ends it. Callers defer this immediately after
// a Start* call: `ctx, span := telemetry.StartX(...); defer telemetry.EndWithError(span, &err)`.
func EndWithError(span trace.Span, err *error) {
	if err != nil && *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}

// WithTimeoutSpan starts a child span scoped to a bounded operation and
// records its observed duration as an attribute, mirroring the
// per-extractor/per-service timeout accounting in §4.1/§4.2.
func WithTimeoutSpan(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, span := tracer().Start(ctx, name, trace.WithAttributes(
		attribute.Int64("timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
