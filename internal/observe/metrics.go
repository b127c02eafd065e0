// Package observe holds avatalk's telemetry: OpenTelemetry metrics and
// traces, Sentry error capture, session-aware logging and the HTTP
// middleware that joins them.
//
// [InitProvider] bridges metrics to Prometheus for the /metrics endpoint.
// [DefaultMetrics] records on the global meter provider.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all avatalk metrics.
const meterName = "github.com/MrWong99/avatalk"

// Turn outcomes recorded on [Metrics.Turns].
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
	OutcomeTimeout     = "timeout"
	OutcomeBusy        = "busy"
)

// Metrics holds the application's instruments. Tests build their own with
// [NewMetrics] on a private provider.
type Metrics struct {
	// Stage latencies in seconds, labelled by provider.
	STTDuration  metric.Float64Histogram
	LLMDuration  metric.Float64Histogram
	TTSDuration  metric.Float64Histogram
	TurnDuration metric.Float64Histogram

	// ProviderRequests is labelled provider, kind and status.
	ProviderRequests metric.Int64Counter
	// ProviderErrors is labelled provider and kind.
	ProviderErrors metric.Int64Counter

	// Turns is labelled outcome; see the Outcome constants.
	Turns             metric.Int64Counter
	DiscardedSegments metric.Int64Counter
	BargeIns          metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled route and status. For /ws it spans the
	// whole session.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram bounds in seconds sized for voice turns.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// instruments creates instruments on one meter and keeps every error.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}

	met := &Metrics{
		STTDuration:  b.latency("avatalk.stt.duration", "Latency of speech-to-text transcription."),
		LLMDuration:  b.latency("avatalk.llm.duration", "Latency of reply generation."),
		TTSDuration:  b.latency("avatalk.tts.duration", "Latency of text-to-speech synthesis."),
		TurnDuration: b.latency("avatalk.turn.duration", "End-to-end pipeline latency of one turn."),

		ProviderRequests: b.counter("avatalk.provider.requests", "Provider API requests by provider, kind and status."),
		ProviderErrors:   b.counter("avatalk.provider.errors", "Provider errors by provider and kind."),

		Turns:             b.counter("avatalk.turns", "Finished turns by outcome."),
		DiscardedSegments: b.counter("avatalk.segments.discarded", "Captured segments dropped for being too small."),
		BargeIns:          b.counter("avatalk.barge_ins", "Replies interrupted by user speech."),
	}

	var err error
	met.ActiveSessions, err = b.meter.Int64UpDownCounter("avatalk.active_sessions",
		metric.WithDescription("Number of live avatar sessions."))
	b.errs = append(b.errs, err)

	met.HTTPRequestDuration, err = b.meter.Float64Histogram("avatalk.http.request.duration",
		metric.WithDescription("HTTP request latency by route and status."),
		metric.WithUnit("s"))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] on the global meter
// provider, creating it on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind), Attr("status", status)))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordTurn counts one finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordDiscard counts one too-small segment.
func (m *Metrics) RecordDiscard(ctx context.Context) { m.DiscardedSegments.Add(ctx, 1) }

// RecordBargeIn counts one interrupted reply.
func (m *Metrics) RecordBargeIn(ctx context.Context) { m.BargeIns.Add(ctx, 1) }
