// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// CaptureFrames counts PCM frames leaving the capture pipeline. Use with
	// attribute.String("result", "sent"|"dropped").
	CaptureFrames metric.Int64Counter

	// ActiveCaptures tracks sessions in the Connecting or Streaming state.
	ActiveCaptures metric.Int64UpDownCounter

	// RecognitionEvents counts inbound events. Use with
	// attribute.String("kind", "ack"|"partial"|"final").
	RecognitionEvents metric.Int64Counter

	// ReplyTriggers counts final-driven reply decisions. Use with
	// attribute.String("outcome", "triggered"|"discarded"|"skipped").
	ReplyTriggers metric.Int64Counter

	// --- Playback ---

	// PlaybackStreams counts playback runs. Use with attributes:
	//   attribute.String("route", ...), attribute.String("outcome", ...)
	PlaybackStreams metric.Int64Counter

	// TimeToFirstAudio tracks the delay between a playback request and the
	// first decoded samples reaching the jitter buffer.
	TimeToFirstAudio metric.Float64Histogram

	// JitterUnderruns counts output callbacks that found the buffer short
	// while a stream was in progress.
	JitterUnderruns metric.Int64Counter

	// --- Backend ---

	// AgentDuration tracks text reply round trips.
	AgentDuration metric.Float64Histogram

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.CaptureFrames, err = m.Int64Counter("parley.capture.frames",
		metric.WithDescription("PCM frames produced by the capture pipeline by result."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("parley.capture.active",
		metric.WithDescription("Number of capture sessions holding the microphone."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionEvents, err = m.Int64Counter("parley.recognition.events",
		metric.WithDescription("Inbound recognition events by kind."),
	); err != nil {
		return nil, err
	}
	if met.ReplyTriggers, err = m.Int64Counter("parley.reply.triggers",
		metric.WithDescription("Final-driven reply decisions by outcome."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackStreams, err = m.Int64Counter("parley.playback.streams",
		metric.WithDescription("Playback runs by route and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstAudio, err = m.Float64Histogram("parley.playback.time_to_first_audio",
		metric.WithDescription("Delay from playback request to first decoded audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JitterUnderruns, err = m.Int64Counter("parley.jitter.underruns",
		metric.WithDescription("Output callbacks that found the jitter buffer short mid-stream."),
	); err != nil {
		return nil, err
	}

	// Backend.
	if met.AgentDuration, err = m.Float64Histogram("parley.agent.duration",
		metric.WithDescription("Latency of text reply round trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("parley.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordCaptureFrame records one frame leaving the capture pipeline.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, sent bool) {
	result := "sent"
	if !sent {
		result = "dropped"
	}
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRecognitionEvent records one inbound recognition event.
func (m *Metrics) RecordRecognitionEvent(ctx context.Context, kind string) {
	m.RecognitionEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordReplyTrigger records a reply decision taken on a final.
func (m *Metrics) RecordReplyTrigger(ctx context.Context, outcome string) {
	m.ReplyTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPlayback records the end of a playback run.
func (m *Metrics) RecordPlayback(ctx context.Context, route, outcome string) {
	m.PlaybackStreams.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordFirstAudio records the time to first audio of a playback run.
func (m *Metrics) RecordFirstAudio(ctx context.Context, route string, d time.Duration) {
	m.TimeToFirstAudio.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("route", route)))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}

// RecordAgentQuery records the round trip of a text reply request.
func (m *Metrics) RecordAgentQuery(ctx context.Context, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.AgentDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}
