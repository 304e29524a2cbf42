// Package observe provides the observability primitives of a voice call:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware for
// the local status server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed on
// /metrics through the Prometheus exporter installed by [InitProvider]. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/sumnex/voicecall"

// Metrics holds all OpenTelemetry metric instruments for a call client.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks the time from sending a user turn to the AI's
	// textual response.
	TurnDuration metric.Float64Histogram

	// TTSDuration tracks time to first synthesised audio.
	TTSDuration metric.Float64Histogram

	// SpeakDuration tracks how long AI speech played.
	SpeakDuration metric.Float64Histogram

	// UtteranceVoiced tracks the voiced length of delivered utterances.
	UtteranceVoiced metric.Float64Histogram

	// --- Counters ---

	// Utterances counts finalised utterances. Use with attribute:
	//   attribute.String("status", "sent"|"failed")
	Utterances metric.Int64Counter

	// FalseTriggers counts bursts discarded by the minimum-duration gate.
	FalseTriggers metric.Int64Counter

	// Messages counts transcript messages. Use with attribute:
	//   attribute.String("speaker", "user"|"ai")
	Messages metric.Int64Counter

	// TransportErrors counts transport and backend failures. Use with
	// attribute: attribute.String("kind", ...)
	TransportErrors metric.Int64Counter

	// SurfacedErrors counts errors shown to the user. Use with attribute:
	//   attribute.String("kind", ...)
	SurfacedErrors metric.Int64Counter

	// ProviderRequests counts TTS provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of started calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status server request time. Use with
	// attributes: attribute.String("method", ...), attribute.String("route", ...),
	// attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// conversational turn latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("voicecall.turn.duration",
		metric.WithDescription("Time from a user turn to the AI response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voicecall.tts.duration",
		metric.WithDescription("Time to first synthesised audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeakDuration, err = m.Float64Histogram("voicecall.speak.duration",
		metric.WithDescription("Playback time of AI speech."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceVoiced, err = m.Float64Histogram("voicecall.utterance.voiced",
		metric.WithDescription("Voiced duration of delivered utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("voicecall.utterances",
		metric.WithDescription("Finalised utterances by send status."),
	); err != nil {
		return nil, err
	}
	if met.FalseTriggers, err = m.Int64Counter("voicecall.vad.false_triggers",
		metric.WithDescription("Voice bursts discarded as too short."),
	); err != nil {
		return nil, err
	}
	if met.Messages, err = m.Int64Counter("voicecall.messages",
		metric.WithDescription("Transcript messages by speaker."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voicecall.transport.errors",
		metric.WithDescription("Transport and backend failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.SurfacedErrors, err = m.Int64Counter("voicecall.errors.surfaced",
		metric.WithDescription("Errors surfaced to the user by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voicecall.provider.requests",
		metric.WithDescription("TTS provider requests by provider and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicecall.active_calls",
		metric.WithDescription("Number of started calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicecall.http.request.duration",
		metric.WithDescription("Status server request latency by method, route and status."),
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

// RecordUtterance records a finalised utterance with its send status and
// voiced length.
func (m *Metrics) RecordUtterance(ctx context.Context, status string, voiced time.Duration) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.UtteranceVoiced.Record(ctx, voiced.Seconds())
}

// RecordFalseTrigger records one discarded voice burst.
func (m *Metrics) RecordFalseTrigger(ctx context.Context) {
	m.FalseTriggers.Add(ctx, 1)
}

// RecordMessage records one transcript message.
func (m *Metrics) RecordMessage(ctx context.Context, speaker string) {
	m.Messages.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

// RecordTransportError records one transport or backend failure.
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSurfacedError records one user-visible error.
func (m *Metrics) RecordSurfacedError(ctx context.Context, kind string) {
	m.SurfacedErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProviderRequest records a TTS provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}
