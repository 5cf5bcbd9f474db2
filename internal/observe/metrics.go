// Package observe provides application-wide observability primitives for
// Viva: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Viva metrics.
const meterName = "github.com/vantagehq/viva"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from dial to setup acknowledgement
	// on the live transport.
	ConnectDuration metric.Float64Histogram

	// ResponseTime tracks the gap between the end of a candidate turn and
	// the first interviewer audio of the reply.
	ResponseTime metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// TransportFrames counts websocket frames on the live connection. Use
	// with attribute: attribute.String("direction", "in"|"out")
	TransportFrames metric.Int64Counter

	// ScheduledFrames counts audio frames handed to the playback output.
	ScheduledFrames metric.Int64Counter

	// Turns counts finalized conversation turns. Use with attribute:
	//   attribute.String("role", "user"|"assistant")
	Turns metric.Int64Counter

	// Interruptions counts barge-ins that hard-stopped playback.
	Interruptions metric.Int64Counter

	// ScreenCaptures counts screen frames captured and forwarded.
	ScreenCaptures metric.Int64Counter

	// --- Error counters ---

	// TransportErrors counts live connection failures by stage. Use with
	// attribute: attribute.String("stage", "dial"|"setup"|"receive")
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live interview sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PlaybackBuffer samples the audio queued in the playback scheduler but
	// not yet delivered, in milliseconds. Sources are registered per session
	// via [Metrics.ObservePlaybackBuffer].
	PlaybackBuffer metric.Int64ObservableGauge

	// meter backs callback registration for observable instruments.
	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("viva.live.connect.duration",
		metric.WithDescription("Time from websocket dial to setup acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseTime, err = m.Float64Histogram("viva.interview.response_time",
		metric.WithDescription("Gap between end of candidate turn and first interviewer audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("viva.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TransportFrames, err = m.Int64Counter("viva.live.frames",
		metric.WithDescription("Total websocket frames on the live connection by direction."),
	); err != nil {
		return nil, err
	}
	if met.ScheduledFrames, err = m.Int64Counter("viva.playback.scheduled_frames",
		metric.WithDescription("Total audio frames handed to the playback output."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("viva.interview.turns",
		metric.WithDescription("Total finalized conversation turns by role."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("viva.interview.interruptions",
		metric.WithDescription("Total barge-ins that hard-stopped playback."),
	); err != nil {
		return nil, err
	}
	if met.ScreenCaptures, err = m.Int64Counter("viva.screen.captures",
		metric.WithDescription("Total screen frames captured and forwarded."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TransportErrors, err = m.Int64Counter("viva.live.errors",
		metric.WithDescription("Total live connection failures by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("viva.active_sessions",
		metric.WithDescription("Number of live interview sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBuffer, err = m.Int64ObservableGauge("viva.playback.buffered_ms",
		metric.WithDescription("Audio queued in the playback scheduler but not yet delivered."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObservePlaybackBuffer registers sample as a source for the playback-buffer
// gauge. The function is polled on every metric collection, so it must be
// cheap and safe to call concurrently. The returned func unregisters the
// source; call it when the owning session ends.
func (m *Metrics) ObservePlaybackBuffer(sample func() int64) (func(), error) {
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.PlaybackBuffer, sample())
		return nil
	}, m.PlaybackBuffer)
	if err != nil {
		return nil, err
	}
	return func() { _ = reg.Unregister() }, nil
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

// RecordTurn records a finalized conversation turn for the given role.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordTransportFrame records a websocket frame in the given direction
// ("in" or "out").
func (m *Metrics) RecordTransportFrame(ctx context.Context, direction string) {
	m.TransportFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordTransportError records a live connection failure at the given stage.
func (m *Metrics) RecordTransportError(ctx context.Context, stage string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
