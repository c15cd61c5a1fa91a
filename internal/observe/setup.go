package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config describes the telemetry identity and export targets of the
// process.
type Config struct {
	// ServiceName overrides the service.name resource attribute.
	// Default: "clinscribe".
	ServiceName string

	// ServiceVersion is stamped into the service.version resource
	// attribute, so dashboards can tell which build produced a trace.
	ServiceVersion string

	// TraceExporter receives finished spans. Leave nil to keep tracing
	// local: trace IDs (and therefore correlation IDs) still work, spans
	// are just never shipped anywhere.
	TraceExporter sdktrace.SpanExporter
}

// Setup installs the global OpenTelemetry meter and tracer providers.
// Metrics are bridged into the default Prometheus registry, which the
// server's /metrics route serves; spans go to cfg.TraceExporter when one is
// configured.
//
// The returned function flushes and stops both providers. Call it during
// shutdown with a deadline so a wedged exporter cannot hold the process.
func Setup(cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "clinscribe"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	stop := func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}
	return stop, nil
}
