package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// routeLabel collapses a request path into the fixed set of routes this
// service exposes. Unknown paths become "other" so a misbehaving client
// cannot blow up metric cardinality with arbitrary URLs.
func routeLabel(path string) string {
	switch path {
	case "/api/detect-symptoms", "/api/diagnose", "/api/writeup",
		"/api/token", "/api/record", "/ws",
		"/metrics", "/healthz", "/readyz":
		return path
	}
	if strings.HasPrefix(path, "/api/record/") {
		return "/api/record"
	}
	return "other"
}

// quietRoute reports whether a route is probe or scrape traffic. Kubernetes
// hits the health endpoints every few seconds and Prometheus scrapes
// /metrics; logging each of those at info level would drown out the
// consultation traffic.
func quietRoute(route string) bool {
	switch route {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

// captureWriter remembers the status code the handler writes.
type captureWriter struct {
	http.ResponseWriter
	status int
}

func (w *captureWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer so http.ResponseController and
// websocket upgrades can reach http.Hijacker through the wrapper.
func (w *captureWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware wraps a handler with the service's per-request telemetry. It
// continues the W3C trace context sent by the consultation client (or
// starts a fresh trace), echoes the trace ID back in the X-Correlation-ID
// header so client-side error reports can be matched to server logs,
// records the request duration histogram under the collapsed route label,
// and logs every completed request. Probe and scrape routes log at debug
// level only.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeLabel(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.HTTPRoute(route),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r.WithContext(ctx))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(cw.status))

			level := slog.LevelInfo
			if quietRoute(route) {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", cw.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
