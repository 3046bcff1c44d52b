package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// scopeName identifies agentline's instrumentation scope for both metrics
// and traces.
const scopeName = "github.com/voicehalo/agentline"

// StartSpan opens a span on agentline's tracer. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name, opts...)
}

// FailSpan marks a span failed with err. A nil err is a no-op, so it can sit
// unconditionally before a return.
func FailSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID returns the trace id of the active span in ctx, or the empty
// string when there is none. It doubles as the X-Correlation-ID response
// header on the diagnostics listener.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default slog logger enriched with the trace and span
// ids from ctx, when present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return l
}
