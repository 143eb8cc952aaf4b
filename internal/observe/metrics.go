// Package observe provides application-wide observability primitives for
// StarBud: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all StarBud metrics.
const meterName = "github.com/starbud-ai/starbud"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks speech recognition latency per utterance.
	ASRDuration metric.Float64Histogram

	// LLMDuration tracks completion latency from request to final chunk.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks per-sentence synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-of-speech to first audio byte: the latency a
	// child actually feels.
	TurnDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts backend API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Utterances counts recognised user utterances. Use with attribute:
	//   attribute.String("agent_id", ...)
	Utterances metric.Int64Counter

	// BargeIns counts replies cut short by the user speaking over them.
	BargeIns metric.Int64Counter

	// BusyDropped counts utterances discarded because a generation was
	// already in flight.
	BusyDropped metric.Int64Counter

	// TokensIn and TokensOut mirror the usage recorder's prompt and
	// completion token totals. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("model", ...)
	TokensIn  metric.Int64Counter
	TokensOut metric.Int64Counter

	// RecordsDropped counts usage records lost to buffer overflow.
	RecordsDropped metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts backend errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live gateway sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveDevices tracks the number of devices currently online.
	ActiveDevices metric.Int64UpDownCounter

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

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("starbud.asr.duration",
		metric.WithDescription("Latency of speech recognition per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("starbud.llm.duration",
		metric.WithDescription("Latency of LLM completion streams."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("starbud.tts.duration",
		metric.WithDescription("Latency of per-sentence speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("starbud.turn.duration",
		metric.WithDescription("End-of-speech to first reply audio byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("starbud.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("starbud.provider.requests",
		metric.WithDescription("Total backend API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("starbud.utterances",
		metric.WithDescription("Total recognised user utterances by agent."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("starbud.barge_ins",
		metric.WithDescription("Total replies interrupted by the user."),
	); err != nil {
		return nil, err
	}
	if met.BusyDropped, err = m.Int64Counter("starbud.busy_dropped",
		metric.WithDescription("Total utterances dropped while a generation was in flight."),
	); err != nil {
		return nil, err
	}
	if met.TokensIn, err = m.Int64Counter("starbud.tokens.in",
		metric.WithDescription("Total prompt tokens by provider and model."),
	); err != nil {
		return nil, err
	}
	if met.TokensOut, err = m.Int64Counter("starbud.tokens.out",
		metric.WithDescription("Total completion tokens by provider and model."),
	); err != nil {
		return nil, err
	}
	if met.RecordsDropped, err = m.Int64Counter("starbud.metrics.records_dropped",
		metric.WithDescription("Usage records lost to buffer overflow."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("starbud.provider.errors",
		metric.WithDescription("Total backend errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("starbud.active_sessions",
		metric.WithDescription("Number of live gateway sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveDevices, err = m.Int64UpDownCounter("starbud.active_devices",
		metric.WithDescription("Number of devices currently online."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("starbud.http.request.duration",
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

// RecordProviderRequest records a backend request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a backend error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordUtterance records one recognised user utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, agentID string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("agent_id", agentID)),
	)
}

// AddTokens mirrors the usage recorder's token totals onto the Prometheus
// endpoint.
func (m *Metrics) AddTokens(ctx context.Context, provider, model string, prompt, completion int64) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	m.TokensIn.Add(ctx, prompt, attrs)
	m.TokensOut.Add(ctx, completion, attrs)
}

// AddDropped mirrors the usage recorder's overflow counter.
func (m *Metrics) AddDropped(ctx context.Context, n int64) {
	m.RecordsDropped.Add(ctx, n)
}
