// Package observe provides application-wide observability primitives for
// agentline: OpenTelemetry metrics, tracing helpers, and HTTP middleware for
// the diagnostics listener.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [Setup] so that metrics can be
// scraped from the diagnostics /metrics endpoint. A package-level default
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

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// HandshakeDuration tracks the time from dial start until the start
	// handshake has been written.
	HandshakeDuration metric.Float64Histogram

	// FramesSent counts outbound media frames written to the gateway.
	FramesSent metric.Int64Counter

	// FramesReceived counts inbound media frames decoded from the gateway.
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames discarded anywhere in the pipeline. Use
	// with attribute.String("reason", ...): "not_ready", "queue_overflow",
	// "capture_backpressure".
	FramesDropped metric.Int64Counter

	// ReconnectAttempts counts automatic reconnection attempts.
	ReconnectAttempts metric.Int64Counter

	// PlaybackStarts counts idle → playing transitions of the playback
	// scheduler; each one after the first implies the queue ran dry.
	PlaybackStarts metric.Int64Counter

	// PeerErrors counts error events reported by the gateway.
	PeerErrors metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks diagnostics HTTP request processing time.
	// Use with attributes: attribute.String("method", ...),
	// attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection-handshake latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{}

	if met.HandshakeDuration, err = m.Float64Histogram("agentline.session.handshake.duration",
		metric.WithDescription("Time from dial start to start handshake written."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("agentline.frames.sent",
		metric.WithDescription("Outbound media frames written to the gateway."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("agentline.frames.received",
		metric.WithDescription("Inbound media frames decoded from the gateway."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("agentline.frames.dropped",
		metric.WithDescription("Frames discarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("agentline.session.reconnects",
		metric.WithDescription("Automatic reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackStarts, err = m.Int64Counter("agentline.playback.starts",
		metric.WithDescription("Playback scheduler idle-to-playing transitions."),
	); err != nil {
		return nil, err
	}
	if met.PeerErrors, err = m.Int64Counter("agentline.session.peer_errors",
		metric.WithDescription("Error events reported by the gateway."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("agentline.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("agentline.http.request.duration",
		metric.WithDescription("Diagnostics HTTP request latency by method and path."),
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

// RecordFrameDrop increments the dropped-frame counter with the standard
// reason attribute.
func (m *Metrics) RecordFrameDrop(ctx context.Context, reason string, n int64) {
	m.FramesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
