package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// scopeName identifies this module as the instrumentation scope on every
// span it creates.
const scopeName = "github.com/mgrote/clinscribe"

// StartSpan opens a span on the globally registered tracer provider. The
// caller owns the span and must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name, opts...)
}

// CorrelationID is the trace ID of the active span, or "" when ctx carries
// no sampled trace. The same value goes to the client in the
// X-Correlation-ID response header, so a physician reporting a failed
// diagnosis request gives support exactly the ID needed to find the trace
// and the matching log lines.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries an active span. Handlers use it so that degradation notices
// and provider failures line up with the request trace.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
