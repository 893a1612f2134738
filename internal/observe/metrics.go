// Package observe provides vigil's observability primitives: OpenTelemetry
// metrics, tracing spans, trace-aware logging and HTTP middleware for the
// admin listener.
//
// Metrics go through the OpenTelemetry Metrics API and are scraped from
// /metrics via the Prometheus exporter set up by [InitProvider]. Components
// receive a *[Metrics] at construction; [DefaultMetrics] serves code that has
// none injected. Tests build their own with [NewMetrics] and a ManualReader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/vigil"

// Metrics holds every instrument vigil records. The OTel types are safe for
// concurrent use.
type Metrics struct {
	// Capture path.
	FramesDropped  metric.Int64Counter // attr: stage
	Dropouts       metric.Int64Counter // attr: source
	VADActivations metric.Int64Counter

	// Wake detection.
	WakeDetections metric.Int64Counter // attrs: phrase, variant
	WakeScore      metric.Float64Histogram

	// Dialog.
	StateTransitions metric.Int64Counter // attrs: from, to
	BargeIns         metric.Int64Counter
	QueueOverflows   metric.Int64Counter

	// Provider latencies and failures.
	TranscriptionDuration metric.Float64Histogram
	BackendDuration       metric.Float64Histogram
	BackendErrors         metric.Int64Counter // attr: kind
	SynthesisDuration     metric.Float64Histogram
	SynthesisErrors       metric.Int64Counter
	ProviderRequests      metric.Int64Counter // attrs: provider, kind, status
	CircuitTransitions    metric.Int64Counter // attrs: name, to

	// StopLatency is the time from Stop to the sink going silent.
	StopLatency metric.Float64Histogram

	HTTPRequestDuration metric.Float64Histogram // attrs: method, path
}

// latencyBuckets are in seconds and cover provider round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

var stopBuckets = []float64{
	0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25,
}

var scoreBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	b := builder{m: m}

	met.FramesDropped = b.counter("vigil.frames.dropped", "Frames evicted from a full queue, by stage.")
	met.Dropouts = b.counter("vigil.capture.dropouts", "Capture stream dropouts that forced a reopen.")
	met.VADActivations = b.counter("vigil.vad.activations", "Times the voice activity gate opened.")
	met.WakeDetections = b.counter("vigil.wake.detections", "Accepted wake phrases by phrase and variant.")
	met.WakeScore = b.histogram("vigil.wake.score", "Best phrase score of every spotted window.", "1", scoreBuckets)
	met.StateTransitions = b.counter("vigil.dialog.transitions", "Dialog state transitions by from and to state.")
	met.BargeIns = b.counter("vigil.dialog.barge_ins", "Wake events that interrupted playback.")
	met.QueueOverflows = b.counter("vigil.dialog.queue_overflows", "Events dropped because the orchestrator queue was full.")
	met.TranscriptionDuration = b.histogram("vigil.stt.final.duration", "Time from end of speech to the final transcript.", "s", latencyBuckets)
	met.BackendDuration = b.histogram("vigil.backend.duration", "Reasoning backend reply latency.", "s", latencyBuckets)
	met.BackendErrors = b.counter("vigil.backend.errors", "Failed backend calls by kind (timeout, error).")
	met.SynthesisDuration = b.histogram("vigil.tts.first_audio.duration", "Time from Speak to the first synthesised audio.", "s", latencyBuckets)
	met.SynthesisErrors = b.counter("vigil.tts.errors", "Synthesis failures.")
	met.ProviderRequests = b.counter("vigil.provider.requests", "Provider calls by provider, kind and status.")
	met.CircuitTransitions = b.counter("vigil.circuit.transitions", "Circuit breaker transitions by breaker name and target state.")
	met.StopLatency = b.histogram("vigil.playback.stop.duration", "Time from Stop to silence.", "s", stopBuckets)
	met.HTTPRequestDuration = b.histogram("vigil.http.request.duration", "Admin HTTP request latency by method and path.", "s", nil)

	if b.err != nil {
		return nil, b.err
	}
	return met, nil
}

// builder keeps the first instrument creation error.
type builder struct {
	m   metric.Meter
	err error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil && b.err == nil {
		b.err = err
	}
	return c
}

func (b *builder) histogram(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit(unit)}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.m.Float64Histogram(name, opts...)
	if err != nil && b.err == nil {
		b.err = err
	}
	return h
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide instance on the global meter
// provider. It panics if the instruments cannot be created.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordWake counts an accepted wake phrase.
func (m *Metrics) RecordWake(ctx context.Context, phrase, variant string) {
	m.WakeDetections.Add(ctx, 1, metric.WithAttributes(Attr("phrase", phrase), Attr("variant", variant)))
}

// RecordTransition counts a dialog state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
}

// RecordDrop counts n frames dropped by stage.
func (m *Metrics) RecordDrop(ctx context.Context, stage string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n, metric.WithAttributes(Attr("stage", stage)))
}

// RecordBackend records one backend call. kind is "" on success, otherwise
// "timeout" or "error".
func (m *Metrics) RecordBackend(ctx context.Context, d time.Duration, kind string) {
	m.BackendDuration.Record(ctx, d.Seconds())
	if kind != "" {
		m.BackendErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
	}
}

// RecordProviderRequest counts a provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("kind", kind),
		Attr("status", status),
	))
}

// RecordCircuit counts a breaker transition.
func (m *Metrics) RecordCircuit(ctx context.Context, name, to string) {
	m.CircuitTransitions.Add(ctx, 1, metric.WithAttributes(Attr("name", name), Attr("to", to)))
}
