// Package observe carries parley's telemetry: OpenTelemetry metrics and
// traces, trace-aware slog loggers and the HTTP middleware that ties a
// request to all three.
//
// Instruments live in [Metrics]. Production code uses [DefaultMetrics], bound
// to the global meter provider that [InitProvider] installs; tests build
// their own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// scope names parley's meter and tracer.
const scope = "github.com/MrWong99/parley"

// Stage labels for [Metrics.RecordStage].
const (
	StageDetect     = "detect"
	StageTranslate  = "translate"
	StageSynthesize = "synthesize"
)

// Speech latencies run from tens of milliseconds for a detect call to
// several seconds for a long synthesis.
var speechBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Control API calls are local and fast.
var httpBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Metrics are the instruments parley records. Attribute keys are noted per
// field.
type Metrics struct {
	// RoundTripLatency: speech onset to the first translated chunk reaching
	// playback.
	RoundTripLatency metric.Float64Histogram

	// StageDuration by "stage".
	StageDuration metric.Float64Histogram

	// DeviceSwitchDuration by "outcome": confirmed, rejected, timeout,
	// superseded or error.
	DeviceSwitchDuration metric.Float64Histogram

	// CaptureFrames by "rate".
	CaptureFrames     metric.Int64Counter
	CaptureShortReads metric.Int64Counter

	// PlaybackDropped counts frames flushed when the playback queue overflows.
	PlaybackDropped metric.Int64Counter

	// ProviderRequests by "provider", "kind" and "status"; ProviderErrors by
	// "provider" and "kind".
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	// ActiveSessions is 0 or 1.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration by "method", "route" and "status". Upgraded
	// streams are not recorded.
	HTTPRequestDuration metric.Float64Histogram
}

// instruments creates instruments on one meter and keeps the first error of
// each. Failed instruments are no-ops, so construction can run to the end.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) histogram(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
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
	b := &instruments{meter: mp.Meter(scope)}
	m := &Metrics{
		RoundTripLatency:     b.histogram("parley.roundtrip.latency", "Time from speech onset to the first translated audio.", speechBuckets),
		StageDuration:        b.histogram("parley.stage.duration", "Latency of one utterance stage.", speechBuckets),
		DeviceSwitchDuration: b.histogram("parley.device.switch.duration", "Time until a device switch was confirmed or abandoned.", speechBuckets),
		HTTPRequestDuration:  b.histogram("parley.http.request.duration", "HTTP request latency by route.", httpBuckets),

		CaptureFrames:     b.counter("parley.capture.frames", "Full capture frames by sample rate."),
		CaptureShortReads: b.counter("parley.capture.short_reads", "Discarded short capture reads."),
		PlaybackDropped:   b.counter("parley.playback.dropped", "Playback frames dropped on queue overflow."),
		ProviderRequests:  b.counter("parley.provider.requests", "Remote provider calls by outcome."),
		ProviderErrors:    b.counter("parley.provider.errors", "Failed remote provider calls."),
	}
	var err error
	m.ActiveSessions, err = b.meter.Int64UpDownCounter("parley.sessions.active",
		metric.WithDescription("Live translation sessions."))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider, created on
// first use. Call [InitProvider] first so they export.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) RecordRoundTrip(ctx context.Context, d time.Duration) {
	m.RoundTripLatency.Record(ctx, d.Seconds())
}

func (m *Metrics) RecordDeviceSwitch(ctx context.Context, outcome string, d time.Duration) {
	m.DeviceSwitchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordCaptureFrame(ctx context.Context, rate int) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.Int("rate", rate)))
}
