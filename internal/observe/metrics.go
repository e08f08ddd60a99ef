// Package observe provides the observability primitives shared by the relay:
// OpenTelemetry metrics, tracing, trace-aware logging, and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed to
// Prometheus by [InitProvider]. [DefaultMetrics] is a lazily created
// package-level instance; tests should build their own with [NewMetrics] and
// a private [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all relay metrics.
const meterName = "github.com/CleanExpo/Chrome-n8n-Extention-sub001"

// Metrics holds every instrument the relay records. All fields are safe for
// concurrent use.
type Metrics struct {
	// RouterDuration tracks end-to-end ProcessMessage latency. Attributes:
	// source, outcome.
	RouterDuration metric.Float64Histogram

	// TransportDuration tracks single outbound HTTP calls. Attributes:
	// host, status.
	TransportDuration metric.Float64Histogram

	// ProviderRequests counts provider attempts. Attributes:
	// provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider attempts. Attributes:
	// provider, kind.
	ProviderErrors metric.Int64Counter

	// RouterOutcomes counts terminal router results. Attributes:
	// source, outcome.
	RouterOutcomes metric.Int64Counter

	// ConnectionTests counts connection tests. Attributes: provider, result.
	ConnectionTests metric.Int64Counter

	// ActiveRequests is the number of ProcessMessage calls in flight.
	ActiveRequests metric.Int64UpDownCounter

	// WSConnections is the number of open WebSocket RPC connections.
	WSConnections metric.Int64UpDownCounter

	// HTTPRequestDuration tracks inbound HTTP handling time. Attributes:
	// method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for completion
// calls that commonly take several seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 20, 30, 45,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RouterDuration, err = m.Float64Histogram("chatrelay.router.duration",
		metric.WithDescription("End-to-end latency of a routed chat message."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransportDuration, err = m.Float64Histogram("chatrelay.transport.duration",
		metric.WithDescription("Latency of a single outbound HTTP call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("chatrelay.provider.requests",
		metric.WithDescription("Provider attempts by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("chatrelay.provider.errors",
		metric.WithDescription("Failed provider attempts by provider and error kind."),
	); err != nil {
		return nil, err
	}
	if met.RouterOutcomes, err = m.Int64Counter("chatrelay.router.outcomes",
		metric.WithDescription("Terminal router results by source and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionTests, err = m.Int64Counter("chatrelay.connection.tests",
		metric.WithDescription("Connection tests by provider and result."),
	); err != nil {
		return nil, err
	}

	if met.ActiveRequests, err = m.Int64UpDownCounter("chatrelay.active_requests",
		metric.WithDescription("Chat messages currently being routed."),
	); err != nil {
		return nil, err
	}
	if met.WSConnections, err = m.Int64UpDownCounter("chatrelay.ws.connections",
		metric.WithDescription("Open WebSocket RPC connections."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("chatrelay.http.request.duration",
		metric.WithDescription("Inbound HTTP request latency by method, path, and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Call it after [InitProvider] so
// the instruments bind to the Prometheus-backed provider.
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

// RecordProviderRequest records one provider attempt. kind is "primary" or
// "retry"; status is "ok" or the error kind.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one failed provider attempt.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordOutcome records a terminal router result and its latency.
func (m *Metrics) RecordOutcome(ctx context.Context, source, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	)
	m.RouterOutcomes.Add(ctx, 1, attrs)
	m.RouterDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordConnectionTest records one connection test result.
func (m *Metrics) RecordConnectionTest(ctx context.Context, provider, result string) {
	m.ConnectionTests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("result", result),
		),
	)
}
