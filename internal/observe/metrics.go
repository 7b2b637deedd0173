// Package observe provides application-wide observability primitives for
// Aria: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all Aria metrics.
const meterName = "github.com/veridian-labs/aria"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks live-session connection establishment latency.
	ConnectDuration metric.Float64Histogram

	// TurnDuration tracks wall-clock time per conversational turn.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts capture frames forwarded to the transport.
	FramesSent metric.Int64Counter

	// FramesReceived counts model audio chunks received from the transport.
	FramesReceived metric.Int64Counter

	// AudioBytes counts raw PCM bytes by direction. Use with attribute:
	//   attribute.String("direction", "in"|"out")
	AudioBytes metric.Int64Counter

	// Interruptions counts model turns cut short by the user.
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// TransportErrors counts classified transport errors. Use with attribute:
	//   attribute.String("kind", ...)
	TransportErrors metric.Int64Counter

	// DeviceErrors counts classified audio device errors. Use with attribute:
	//   attribute.String("kind", ...)
	DeviceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions (0 or 1 in practice).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("aria.session.connect.duration",
		metric.WithDescription("Latency of live-session connection establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("aria.session.turn.duration",
		metric.WithDescription("Wall-clock duration per conversational turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("aria.audio.frames.sent",
		metric.WithDescription("Capture frames forwarded to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("aria.audio.frames.received",
		metric.WithDescription("Model audio chunks received from the transport."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("aria.audio.bytes",
		metric.WithDescription("Raw PCM bytes exchanged by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("aria.session.interruptions",
		metric.WithDescription("Model turns cut short by user speech."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TransportErrors, err = m.Int64Counter("aria.transport.errors",
		metric.WithDescription("Classified transport errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.DeviceErrors, err = m.Int64Counter("aria.device.errors",
		metric.WithDescription("Classified audio device errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("aria.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aria.http.request.duration",
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

// RecordAudioBytes records PCM byte throughput for one direction
// ("in" for capture→transport, "out" for transport→playback).
func (m *Metrics) RecordAudioBytes(ctx context.Context, direction string, n int) {
	m.AudioBytes.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordTransportError records a classified transport error.
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordDeviceError records a classified audio device error.
func (m *Metrics) RecordDeviceError(ctx context.Context, kind string) {
	m.DeviceErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
