package observe

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Instrument wraps the diagnostics listener's handler with tracing and
// request metrics: it continues any W3C trace context from the caller, opens
// a server span, echoes the trace id back as X-Correlation-ID, and records
// the request duration on m.
func Instrument(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()

		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		if cid := CorrelationID(ctx); cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}
		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		elapsed := time.Since(begin)
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.code))
		m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
			),
		)

		Logger(ctx).Debug("diagnostics request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.code,
			"elapsed", elapsed,
		)
	})
}

// statusWriter captures the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
