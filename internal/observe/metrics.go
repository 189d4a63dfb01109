// Package observe provides application-wide observability primitives for
// Lectern: OpenTelemetry metrics, distributed tracing, structured logging,
// a readable in-process stats collector, and threshold-based alerting.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a custom [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Lectern metrics.
const meterName = "github.com/podiumlabs/lectern"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FinalLatency tracks the delay between sending an audio frame and
	// receiving the final recognition event that covers it.
	FinalLatency metric.Float64Histogram

	// MatchDuration tracks slide-matcher latency per final utterance.
	MatchDuration metric.Float64Histogram

	// RenewalDuration tracks how long a stream renewal took end to end.
	RenewalDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts audio frames forwarded to the recognizer.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames lost to backpressure or buffer overflow.
	// Use with attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// AudioSeconds accumulates seconds of audio forwarded upstream; the
	// basis for cost estimation.
	AudioSeconds metric.Float64Counter

	// Results counts emitted recognition results. Use with
	// attribute.String("kind", "interim"|"final").
	Results metric.Int64Counter

	// Renewals counts stream renewals. Use with
	// attribute.String("status", "completed"|"failed").
	Renewals metric.Int64Counter

	// Errors counts errors by kind. Use with attribute.String("kind", ...).
	Errors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming-transcription latencies.
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
	if met.FinalLatency, err = m.Float64Histogram("lectern.result.final_latency",
		metric.WithDescription("Latency between frame sent and the covering final event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MatchDuration, err = m.Float64Histogram("lectern.match.duration",
		metric.WithDescription("Slide-matcher latency per final utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RenewalDuration, err = m.Float64Histogram("lectern.session.renewal_duration",
		metric.WithDescription("End-to-end duration of recognizer stream renewals."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("lectern.audio.frames_sent",
		metric.WithDescription("Total audio frames forwarded to the recognizer."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("lectern.audio.frames_dropped",
		metric.WithDescription("Total frames dropped, by reason."),
	); err != nil {
		return nil, err
	}
	if met.AudioSeconds, err = m.Float64Counter("lectern.audio.seconds",
		metric.WithDescription("Cumulative seconds of audio forwarded upstream."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.Results, err = m.Int64Counter("lectern.results",
		metric.WithDescription("Total recognition results emitted, by kind."),
	); err != nil {
		return nil, err
	}
	if met.Renewals, err = m.Int64Counter("lectern.session.renewals",
		metric.WithDescription("Total stream renewals, by status."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("lectern.errors",
		metric.WithDescription("Total errors, by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lectern.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lectern.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordResult records one emitted recognition result of the given kind
// ("interim" or "final").
func (m *Metrics) RecordResult(ctx context.Context, kind string) {
	m.Results.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordError records one error of the given kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFrameDropped records one dropped frame with the given reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRenewal records one completed or failed stream renewal.
func (m *Metrics) RecordRenewal(ctx context.Context, status string, duration float64) {
	m.Renewals.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.RenewalDuration.Record(ctx, duration)
}
