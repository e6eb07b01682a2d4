// Package telemetry wires OpenTelemetry tracing for the process engine.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fluxorio/stepflow"

// Standard attribute keys for process operations.
var (
	AttrWorkflowID  = attribute.Key("stepflow.workflow_id")
	AttrStateID     = attribute.Key("stepflow.state_id")
	AttrSubjectType = attribute.Key("stepflow.subject_type")
	AttrSubjectID   = attribute.Key("stepflow.subject_id")
	AttrStepID      = attribute.Key("stepflow.step_id")
	AttrActorID     = attribute.Key("stepflow.actor_id")
)

// Config selects the exporter and sampling for Init.
type Config struct {
	// Enabled turns tracing on. When false Init is a no-op.
	Enabled bool

	// Exporter is one of "stdout", "jaeger", "zipkin". Default: "stdout".
	Exporter string

	// Endpoint is the collector URL for jaeger and zipkin.
	Endpoint string

	// SamplingRate in (0, 1]. Default: 0.1.
	SamplingRate float64
}

// Init initializes the global OpenTelemetry TracerProvider. It returns a
// shutdown function that flushes pending spans.
func Init(ctx context.Context, cfg Config, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newExporter(cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "jaeger":
		opts := []jaeger.CollectorEndpointOption{}
		if cfg.Endpoint != "" {
			opts = append(opts, jaeger.WithEndpoint(cfg.Endpoint))
		}
		return jaeger.New(jaeger.WithCollectorEndpoint(opts...))
	case "zipkin":
		return zipkin.New(cfg.Endpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: stdout, jaeger, zipkin)", cfg.Exporter)
	}
}

func newSampler(cfg Config) sdktrace.Sampler {
	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 0.1
	}
	if rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the package-level tracer for creating spans.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the package-level tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// EndSpanWithError ends a span, setting its status to error if err is non-nil.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext extracts the trace ID from the current span context.
// Returns an empty string if no active span is found.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
