// Package observe provides application-wide observability primitives for
// Clinscribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Setup] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Clinscribe metrics.
const meterName = "github.com/mgrote/clinscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// GenerateDuration tracks single model inference latency.
	GenerateDuration metric.Float64Histogram

	// DiagnoseDuration tracks end-to-end diagnose pipeline latency (vision
	// analysis through parsed record).
	DiagnoseDuration metric.Float64Histogram

	// DetectDuration tracks symptom-detection pipeline latency.
	DetectDuration metric.Float64Histogram

	// WriteUpDuration tracks clinical write-up generation latency.
	WriteUpDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// RelayFrames counts audio frames forwarded to the transcription stream.
	RelayFrames metric.Int64Counter

	// RelayResults counts transcription payloads relayed back to clients.
	RelayResults metric.Int64Counter

	// RelayReconnects counts upstream stream re-establishments.
	RelayReconnects metric.Int64Counter

	// RepairOutcomes counts structured-output repair results. Use with attribute:
	//   attribute.String("tier", ...) — "strict", "sanitized", "partial",
	//   "scraped", or "fallback"
	RepairOutcomes metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live transcription relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Model
// inference regularly takes tens of seconds, so the buckets extend well past
// typical HTTP latencies.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerateDuration, err = m.Float64Histogram("clinscribe.generate.duration",
		metric.WithDescription("Latency of a single model inference call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DiagnoseDuration, err = m.Float64Histogram("clinscribe.diagnose.duration",
		metric.WithDescription("End-to-end diagnose pipeline latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DetectDuration, err = m.Float64Histogram("clinscribe.detect.duration",
		metric.WithDescription("Symptom-detection pipeline latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WriteUpDuration, err = m.Float64Histogram("clinscribe.writeup.duration",
		metric.WithDescription("Clinical write-up generation latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("clinscribe.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.RelayFrames, err = m.Int64Counter("clinscribe.relay.frames",
		metric.WithDescription("Total audio frames forwarded upstream."),
	); err != nil {
		return nil, err
	}
	if met.RelayResults, err = m.Int64Counter("clinscribe.relay.results",
		metric.WithDescription("Total transcription payloads relayed to clients."),
	); err != nil {
		return nil, err
	}
	if met.RelayReconnects, err = m.Int64Counter("clinscribe.relay.reconnects",
		metric.WithDescription("Total upstream transcription stream re-establishments."),
	); err != nil {
		return nil, err
	}
	if met.RepairOutcomes, err = m.Int64Counter("clinscribe.repair.outcomes",
		metric.WithDescription("Structured-output repair results by tier."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("clinscribe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("clinscribe.active_sessions",
		metric.WithDescription("Number of live transcription relay sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("clinscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordRepairOutcome is a convenience method that records which repair tier
// produced (or failed to produce) a structured result.
func (m *Metrics) RecordRepairOutcome(ctx context.Context, tier string) {
	m.RepairOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tier", tier)),
	)
}
