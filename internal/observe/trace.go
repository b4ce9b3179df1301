package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/aurora"

// Span attribute keys shared by session and tool spans.
const (
	SessionIDKey  = attribute.Key("aurora.session.id")
	VoiceKey      = attribute.Key("aurora.session.voice")
	ToolNameKey   = attribute.Key("aurora.tool.name")
	ToolCallIDKey = attribute.Key("aurora.tool.call_id")
)

// Tracer returns the Aurora tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the span covering one session lifecycle operation
// such as "connect" or "disconnect". The span is named "session.<op>".
func StartSessionSpan(ctx context.Context, op, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "session."+op,
		trace.WithAttributes(append([]attribute.KeyValue{SessionIDKey.String(sessionID)}, attrs...)...),
	)
}

// StartToolSpan starts the span for answering one tool call.
func StartToolSpan(ctx context.Context, tool, callID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "tool."+tool,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(ToolNameKey.String(tool), ToolCallIDKey.String(callID)),
	)
}

// Fail marks span as failed with err. A nil err leaves the span untouched.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID is the hex trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithTrace returns l with trace_id and span_id attributes from ctx. l is
// returned as is when ctx carries no span.
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// Logger is [WithTrace] applied to the default logger.
func Logger(ctx context.Context) *slog.Logger {
	return WithTrace(ctx, slog.Default())
}
