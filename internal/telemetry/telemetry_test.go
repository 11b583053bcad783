package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := tracer
	tracer = tp.Tracer("test")
	t.Cleanup(func() { tracer = prev })
	return rec
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestInit_NoEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "arena-test", Version: "0.0.0"})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
	if Tracer() == nil {
		t.Error("Tracer() should not be nil")
	}
}

func TestSpanAttributes(t *testing.T) {
	rec := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "dispatch.instance")
	AddInstanceAttributes(span, "a", "ollama", "gemma3:1b")
	AddMetricsAttributes(span, 12, 0.25, 30)
	AddCacheAttribute(span, true)
	if TraceID(ctx) == "" {
		t.Error("TraceID() should return the active trace")
	}
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("got %d spans, want 1", len(ended))
	}
	got := attrs(ended[0])
	if got["arena.instance_id"].AsString() != "a" || got["arena.model"].AsString() != "gemma3:1b" {
		t.Errorf("instance attributes = %v", got)
	}
	if got["arena.tokens"].AsInt64() != 12 || !got["arena.cache_hit"].AsBool() {
		t.Errorf("metrics attributes = %v", got)
	}
}

func TestAddErrorAttribute(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "api.chat")
	AddErrorAttribute(span, errors.New("backend down"))
	span.End()

	s := rec.Ended()[0]
	if s.Status().Code != codes.Error || s.Status().Description != "backend down" {
		t.Errorf("status = %+v", s.Status())
	}
	if len(s.Events()) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestTraceID_NoSpan(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Errorf("TraceID() = %q, want empty", id)
	}
}

func TestExtract(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	r.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	ctx := Extract(r)
	sc := trace.SpanContextFromContext(ctx)
	if sc.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s", sc.TraceID())
	}
	if !sc.IsRemote() {
		t.Error("extracted span context should be remote")
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
		{0, "TraceIDRatioBased{0}"},
	}

	for _, tt := range tests {
		got := sampler(tt.ratio).Description()
		if !strings.Contains(got, tt.want) {
			t.Errorf("sampler(%v) = %q, want it to contain %q", tt.ratio, got, tt.want)
		}
	}
}
