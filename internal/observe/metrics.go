// Package observe provides application-wide observability primitives for
// Attune: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter is wired up via [InitProvider] so that metrics can be scraped from
// the standard /metrics endpoint. Tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Attune metrics.
const meterName = "github.com/attune-voice/attune"

// Metrics holds all OpenTelemetry metric instruments for the voice pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// FramesCaptured counts audio frames analysed by the capture pipeline
	// (muted frames are dropped upstream and never counted).
	FramesCaptured metric.Int64Counter

	// FramesForwarded counts frames the VAD gate marked for sending.
	FramesForwarded metric.Int64Counter

	// PreRollFlushes counts Silent→SpeechActive transitions (each flushes the
	// pre-roll ring).
	PreRollFlushes metric.Int64Counter

	// SendDrops counts outbound chunks dropped because the send queue was
	// full (transport slower than real time).
	SendDrops metric.Int64Counter

	// SendDuration tracks transport SendAudio latency.
	SendDuration metric.Float64Histogram

	// --- Playback path ---

	// BuffersScheduled counts decoded buffers handed to the playback scheduler.
	BuffersScheduled metric.Int64Counter

	// DecodeErrors counts inbound audio chunks that failed to decode and were
	// dropped.
	DecodeErrors metric.Int64Counter

	// Interruptions counts barge-in events that flushed scheduled playback.
	Interruptions metric.Int64Counter

	// PlaybackUnderruns counts render callbacks that ran dry while buffers
	// were still scheduled.
	PlaybackUnderruns metric.Int64Counter

	// --- Session lifecycle ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks the wall-clock length of completed sessions.
	SessionDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for real-time audio path latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for
// session lifetimes.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesCaptured, err = m.Int64Counter("attune.capture.frames",
		metric.WithDescription("Audio frames analysed by the capture pipeline."),
	); err != nil {
		return nil, err
	}
	if met.FramesForwarded, err = m.Int64Counter("attune.capture.frames_forwarded",
		metric.WithDescription("Frames forwarded to the transport by the VAD gate."),
	); err != nil {
		return nil, err
	}
	if met.PreRollFlushes, err = m.Int64Counter("attune.capture.preroll_flushes",
		metric.WithDescription("Speech-start transitions that flushed the pre-roll ring."),
	); err != nil {
		return nil, err
	}
	if met.SendDrops, err = m.Int64Counter("attune.capture.send_drops",
		metric.WithDescription("Outbound chunks dropped due to a full send queue."),
	); err != nil {
		return nil, err
	}
	if met.SendDuration, err = m.Float64Histogram("attune.transport.send_duration",
		metric.WithDescription("Latency of transport SendAudio calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BuffersScheduled, err = m.Int64Counter("attune.playback.buffers_scheduled",
		metric.WithDescription("Decoded audio buffers scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("attune.playback.decode_errors",
		metric.WithDescription("Inbound audio chunks dropped because they failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("attune.playback.interruptions",
		metric.WithDescription("Barge-in events that flushed scheduled playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("attune.playback.underruns",
		metric.WithDescription("Render callbacks that ran dry mid-stream."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("attune.sessions.active",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("attune.sessions.duration",
		metric.WithDescription("Wall-clock length of completed sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}
