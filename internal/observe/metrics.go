// Package observe provides application-wide observability primitives for
// Eburon: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Eburon metrics.
const meterName = "github.com/MrWong99/eburon"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionConnects counts connect attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	SessionConnects metric.Int64Counter

	// ConnectDuration tracks how long opening a session took.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of open voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Audio path ---

	// FramesSent counts microphone frames queued to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames dropped on a full send queue.
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts inbound chunks placed on the playback timeline.
	ChunksScheduled metric.Int64Counter

	// DecodeFailures counts inbound chunks dropped as undecodable.
	DecodeFailures metric.Int64Counter

	// Interruptions counts playback flushes. Use with attribute:
	//   attribute.String("cause", ...)
	Interruptions metric.Int64Counter

	// --- Tools ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolExecutionDuration tracks tool handler latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Recording ---

	// RecordingBytes counts bytes of finished recording artifacts.
	RecordingBytes metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake and tool latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session lifecycle.
	if met.SessionConnects, err = m.Int64Counter("eburon.session.connects",
		metric.WithDescription("Total session connect attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("eburon.session.connect.duration",
		metric.WithDescription("Latency of opening a session, handshake included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("eburon.active_sessions",
		metric.WithDescription("Number of open voice sessions."),
	); err != nil {
		return nil, err
	}

	// Audio path.
	if met.FramesSent, err = m.Int64Counter("eburon.audio.frames_sent",
		metric.WithDescription("Microphone frames queued to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("eburon.audio.frames_dropped",
		metric.WithDescription("Microphone frames dropped because the send queue was full."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("eburon.playback.chunks_scheduled",
		metric.WithDescription("Inbound audio chunks placed on the playback timeline."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("eburon.playback.decode_failures",
		metric.WithDescription("Inbound audio chunks dropped as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("eburon.playback.interruptions",
		metric.WithDescription("Playback flushes by cause."),
	); err != nil {
		return nil, err
	}

	// Tools.
	if met.ToolCalls, err = m.Int64Counter("eburon.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("eburon.tool.duration",
		metric.WithDescription("Latency of tool handlers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Recording.
	if met.RecordingBytes, err = m.Int64Counter("eburon.recording.bytes",
		metric.WithDescription("Bytes of finished recording artifacts."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("eburon.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordConnect records one connect attempt and its latency.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.SessionConnects.Add(ctx, 1, attrs)
	m.ConnectDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordToolCall records one tool invocation and its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolExecutionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordInterruption records one playback flush.
func (m *Metrics) RecordInterruption(ctx context.Context, cause string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}
