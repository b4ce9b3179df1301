package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer makes an in-memory exporting provider the global one for the
// duration of the test.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]string {
	out := make(map[attribute.Key]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestStartSessionSpan(t *testing.T) {
	exp := installTracer(t)

	_, span := StartSessionSpan(context.Background(), "connect", "sess-1", VoiceKey.String("Kore"))
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "session.connect" {
		t.Errorf("name = %q, want session.connect", spans[0].Name)
	}
	attrs := attrMap(spans[0].Attributes)
	if attrs[SessionIDKey] != "sess-1" || attrs[VoiceKey] != "Kore" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestStartToolSpan_NestsUnderSession(t *testing.T) {
	exp := installTracer(t)

	ctx, sess := StartSessionSpan(context.Background(), "connect", "sess-2")
	_, tool := StartToolSpan(ctx, "schedule_meeting", "call-7")
	tool.End()
	sess.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	toolSpan, sessSpan := spans[0], spans[1]
	if toolSpan.Name != "tool.schedule_meeting" {
		t.Errorf("tool span name = %q", toolSpan.Name)
	}
	if toolSpan.Parent.SpanID() != sessSpan.SpanContext.SpanID() {
		t.Error("tool span is not a child of the session span")
	}
	if got := attrMap(toolSpan.Attributes)[ToolCallIDKey]; got != "call-7" {
		t.Errorf("call id attribute = %q, want call-7", got)
	}
}

func TestFail(t *testing.T) {
	exp := installTracer(t)

	_, ok := StartSpan(context.Background(), "ok")
	Fail(ok, nil)
	ok.End()

	_, bad := StartSpan(context.Background(), "bad")
	Fail(bad, errors.New("handshake refused"))
	bad.End()

	spans := exp.GetSpans()
	if spans[0].Status.Code != codes.Unset || len(spans[0].Events) != 0 {
		t.Errorf("nil error changed span: status=%v events=%d", spans[0].Status.Code, len(spans[0].Events))
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "handshake refused" {
		t.Errorf("status = %+v, want error", spans[1].Status)
	}
	if len(spans[1].Events) != 1 || spans[1].Events[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception", spans[1].Events)
	}
}

func TestCorrelationID(t *testing.T) {
	installTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "probe")
		id := CorrelationID(ctx)
		span.End()
		if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
			t.Fatalf("correlation id %q is not 32 hex chars", id)
		}
		if seen[id] {
			t.Fatalf("duplicate correlation id %s", id)
		}
		seen[id] = true
	}
}

func TestWithTrace(t *testing.T) {
	installTracer(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("session_id", "sess-3")

	WithTrace(context.Background(), base).Info("idle")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("logger without span gained trace_id: %s", buf.String())
	}
	buf.Reset()

	ctx, span := StartSpan(context.Background(), "connect")
	defer span.End()
	WithTrace(ctx, base).Info("connected")

	line := buf.String()
	for _, want := range []string{"session_id=sess-3", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %q: %s", want, line)
		}
	}
}

func TestLogger_UsesDefault(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Logger(context.Background()).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("Logger did not write to the default handler: %s", buf.String())
	}
}
