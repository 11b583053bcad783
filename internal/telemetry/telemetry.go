// Package telemetry traces arena requests: one span per request, one per
// model instance, with cache and generation metrics as attributes.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "llm-arena"

var tracer trace.Tracer

type Config struct {
	ServiceName string
	Version     string
	// Endpoint is an OTLP gRPC collector address. Empty disables export.
	Endpoint string
	// SampleRatio applies to root spans; child spans follow their parent.
	SampleRatio float64
}

// Init installs the global tracer provider and propagator. The returned
// function flushes pending spans.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		tracer = otel.Tracer(cfg.ServiceName)
		slog.Info("telemetry disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(cfg.ServiceName)

	slog.Info("telemetry initialized", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)

	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func Tracer() trace.Tracer {
	if tracer == nil {
		tracer = otel.Tracer(defaultServiceName)
	}
	return tracer
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Extract continues a trace started by the caller, such as a browser or a
// proxy sending traceparent.
func Extract(r *http.Request) context.Context {
	return otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
}

func AddRequestAttributes(span trace.Span, requestID string, instances int, streaming bool) {
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.Int("arena.instances", instances),
		attribute.Bool("arena.streaming", streaming),
	)
}

func AddInstanceAttributes(span trace.Span, instanceID, provider, model string) {
	span.SetAttributes(
		attribute.String("arena.instance_id", instanceID),
		attribute.String("arena.provider", provider),
		attribute.String("arena.model", model),
	)
}

func AddMetricsAttributes(span trace.Span, tokens int, firstTokenSec, tokensPerSec float64) {
	span.SetAttributes(
		attribute.Int("arena.tokens", tokens),
		attribute.Float64("arena.first_token_s", firstTokenSec),
		attribute.Float64("arena.tokens_per_s", tokensPerSec),
	)
}

func AddCacheAttribute(span trace.Span, hit bool) {
	span.SetAttributes(attribute.Bool("arena.cache_hit", hit))
}

func AddErrorAttribute(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the active trace id, or "" outside a recording span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
