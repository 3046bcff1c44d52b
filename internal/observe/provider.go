package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Config describes the telemetry identity and exporters of this process.
type Config struct {
	// ServiceName is reported on every metric and span. Default "agentline".
	ServiceName string

	// ServiceVersion is reported alongside ServiceName.
	ServiceVersion string

	// SpanExporter, when set, receives finished spans in batches. Left nil,
	// spans are created for correlation ids and log enrichment but never
	// leave the process; the CLI has no collector to ship them to.
	SpanExporter sdktrace.SpanExporter
}

// Telemetry bundles the SDK providers set up by [Setup] so the caller can
// shut them down together.
type Telemetry struct {
	Meter  *sdkmetric.MeterProvider
	Tracer *sdktrace.TracerProvider
}

// Setup wires the OpenTelemetry SDK for agentline and registers both
// providers globally. Metrics flow through a Prometheus exporter so the
// diagnostics /metrics endpoint can be scraped with promhttp.
func Setup(_ context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentline"
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

	exp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		Meter: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exp),
		),
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SpanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	t.Tracer = sdktrace.NewTracerProvider(traceOpts...)

	otel.SetMeterProvider(t.Meter)
	otel.SetTracerProvider(t.Tracer)
	return t, nil
}

// Shutdown flushes and closes both providers. Call it in a defer from main.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Meter.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}
