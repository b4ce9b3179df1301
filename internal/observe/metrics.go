// Package observe wires Aurora's telemetry: OpenTelemetry metrics exported
// to Prometheus, tracing helpers for session and tool spans, trace-aware
// slog loggers, and the middleware for the operational HTTP endpoints.
//
// Components never depend on this package directly. The audio and tool
// packages declare small recorder interfaces which [*Metrics] satisfies.
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

const meterName = "github.com/MrWong99/aurora"

// Metrics holds the instruments for one meter provider. Instruments are safe
// for concurrent use.
type Metrics struct {
	// ── Session ──────────────────────────────────────────────────────────────

	ActiveSessions  metric.Int64UpDownCounter // live sessions
	ConnectDuration metric.Float64Histogram   // dial to setupComplete
	ProviderErrors  metric.Int64Counter       // by provider, kind

	// ── Audio ────────────────────────────────────────────────────────────────

	CaptureBlocks         metric.Int64Counter // by status: sent, dropped, queued, error
	PlaybackChunks        metric.Int64Counter
	PlaybackInterruptions metric.Int64Counter // items silenced
	MalformedFrames       metric.Int64Counter

	// ── Tools ────────────────────────────────────────────────────────────────

	ToolCalls             metric.Int64Counter // by tool, status
	ToolExecutionDuration metric.Float64Histogram

	// ── Operational HTTP ─────────────────────────────────────────────────────

	// HTTPRequestDuration is recorded by [Middleware] by method, route and
	// status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, spanning a fast tool
// handler to a slow backend handshake.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// instruments creates instruments on one meter and remembers the first
// failure of each, so NewMetrics can report them together.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

func (b *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ActiveSessions:  b.gauge("aurora.active_sessions", "Number of live voice sessions."),
		ConnectDuration: b.seconds("aurora.session.connect.duration", "Latency from dial to session setup acknowledgement.", latencyBuckets...),
		ProviderErrors:  b.counter("aurora.provider.errors", "Backend errors by provider and kind."),

		CaptureBlocks:         b.counter("aurora.capture.blocks", "Captured audio blocks by outcome."),
		PlaybackChunks:        b.counter("aurora.playback.chunks", "Audio chunks scheduled for playback."),
		PlaybackInterruptions: b.counter("aurora.playback.interruptions", "Playback items silenced by interruptions."),
		MalformedFrames:       b.counter("aurora.codec.malformed_frames", "Inbound audio frames that failed to decode."),

		ToolCalls:             b.counter("aurora.tool.calls", "Tool invocations by tool name and status."),
		ToolExecutionDuration: b.seconds("aurora.tool_execution.duration", "Latency of tool handler execution.", latencyBuckets...),

		HTTPRequestDuration: b.seconds("aurora.http.request.duration", "HTTP request latency by method, route and status."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns metrics on the global meter provider, created on
// first use. Install the provider with [InitProvider] before calling it.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// ── Recorders ────────────────────────────────────────────────────────────────

func (m *Metrics) SessionStarted(ctx context.Context) { m.ActiveSessions.Add(ctx, 1) }
func (m *Metrics) SessionEnded(ctx context.Context)   { m.ActiveSessions.Add(ctx, -1) }

// RecordConnectDuration records how long a backend handshake took.
func (m *Metrics) RecordConnectDuration(ctx context.Context, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds())
}

// RecordProviderError counts a backend failure. kind is a short stable label
// such as "connect" or "go_away".
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordCaptureBlock(ctx context.Context, status string) {
	m.CaptureBlocks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordPlaybackChunk(ctx context.Context) { m.PlaybackChunks.Add(ctx, 1) }

// RecordInterruption records an interruption that silenced n items.
func (m *Metrics) RecordInterruption(ctx context.Context, n int) {
	m.PlaybackInterruptions.Add(ctx, int64(n))
}

func (m *Metrics) RecordMalformedFrame(ctx context.Context) { m.MalformedFrames.Add(ctx, 1) }

func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordToolDuration(ctx context.Context, tool string, d time.Duration) {
	m.ToolExecutionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}
