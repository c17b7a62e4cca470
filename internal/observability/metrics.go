package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	meterScope         = "github.com/boqpro/pricematch/internal/observability"
	defaultServiceName = "pricematch"
	cardinalityLimit   = 2000
)

// latencyBoundaries are second-based buckets for request, row and provider durations.
var latencyBoundaries = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// jobBoundaries cover whole-job durations in seconds.
var jobBoundaries = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}

// EngineMetrics is the metrics surface of the matching engine. Call sites accept nil
// when metrics are disabled.
type EngineMetrics interface {
	RecordRequest(ctx context.Context, method, route, statusClass string, duration time.Duration)
	RecordRowResolved(ctx context.Context, method, outcome string, duration time.Duration)
	RecordJobFinished(ctx context.Context, status string, duration time.Duration)
	RecordProviderCall(ctx context.Context, provider, operation, outcome string, duration time.Duration)
	RecordQueryCacheLookup(ctx context.Context, provider string, hit bool)
	RecordEventDropped(ctx context.Context, eventType string)
	RecordCatalogEmbedding(ctx context.Context, provider, outcome string)
	RecordRequestBodyTooLarge(ctx context.Context)
}

// MeterProviderShutdown is the subset of the SDK MeterProvider needed for shutdown.
type MeterProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// MeterProviderConfig holds configuration for creating the MeterProvider.
type MeterProviderConfig struct {
	// ServiceName is used in the resource (default: pricematch).
	ServiceName string
}

// NewMeterProvider creates a MeterProvider backed by a Prometheus exporter and returns the
// provider, an HTTP handler for /metrics, and the engine metrics built on its Meter.
// Caller must call provider.Shutdown on exit.
func NewMeterProvider(_ context.Context, cfg MeterProviderConfig) (provider MeterProviderShutdown, metricsHandler http.Handler, metrics EngineMetrics, err error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	reg := prometheus.NewRegistry()

	exporter, err := prometheusexporter.New(
		prometheusexporter.WithRegisterer(reg),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	histogram := func(name string, bounds []float64) sdkmetric.View {
		return sdkmetric.NewView(
			sdkmetric.Instrument{Name: name},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
		sdkmetric.WithCardinalityLimit(cardinalityLimit),
		sdkmetric.WithView(
			histogram(MetricNameRequestDuration, latencyBoundaries),
			histogram(MetricNameRowDuration, latencyBoundaries),
			histogram(MetricNameProviderDuration, latencyBoundaries),
			histogram(MetricNameJobDuration, jobBoundaries),
		),
	)

	m, err := NewEngineMetrics(mp.Meter(meterScope))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create metrics instruments: %w", err)
	}

	return mp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), m, nil
}

// NewEngineMetrics creates the engine instruments on meter.
func NewEngineMetrics(meter metric.Meter) (EngineMetrics, error) {
	m := &engineMetrics{}

	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.requestCount, MetricNameRequestCount, "Total HTTP requests"},
		{&m.rowsResolved, MetricNameRowsResolved, "BOQ rows resolved by method and outcome"},
		{&m.jobsFinished, MetricNameJobsFinished, "Matching jobs reaching a terminal status"},
		{&m.providerCalls, MetricNameProviderCalls, "Embedding and rerank provider calls by outcome"},
		{&m.cacheLookups, MetricNameQueryCacheLookups, "Query embedding cache lookups (hit, miss)"},
		{&m.eventsDropped, MetricNameEventsDropped, "Job events dropped because a subscriber was slow"},
		{&m.catalogEmbeddings, MetricNameCatalogEmbeddings, "Catalog item embeddings written by provider and outcome"},
		{&m.bodyTooLarge, MetricNameBodyTooLarge, "Requests rejected because the body exceeded the limit"},
	}

	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.requestDuration, MetricNameRequestDuration, "HTTP request duration in seconds"},
		{&m.rowDuration, MetricNameRowDuration, "Per-row resolution duration in seconds"},
		{&m.jobDuration, MetricNameJobDuration, "Matching job duration in seconds"},
		{&m.providerDuration, MetricNameProviderDuration, "Provider call duration in seconds"},
	}

	for _, h := range histograms {
		*h.dst, err = meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", h.name, err)
		}
	}

	return m, nil
}

type engineMetrics struct {
	requestCount      metric.Int64Counter
	requestDuration   metric.Float64Histogram
	rowsResolved      metric.Int64Counter
	rowDuration       metric.Float64Histogram
	jobsFinished      metric.Int64Counter
	jobDuration       metric.Float64Histogram
	providerCalls     metric.Int64Counter
	providerDuration  metric.Float64Histogram
	cacheLookups      metric.Int64Counter
	eventsDropped     metric.Int64Counter
	catalogEmbeddings metric.Int64Counter
	bodyTooLarge      metric.Int64Counter
}

func (m *engineMetrics) RecordRequest(ctx context.Context, method, route, statusClass string, duration time.Duration) {
	m.requestCount.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String(AttrMethod, method),
		attribute.String(AttrRoute, route),
		attribute.String(AttrClass, statusClass),
	)))
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributeSet(attribute.NewSet(
		attribute.String(AttrMethod, method),
		attribute.String(AttrRoute, route),
	)))
}

func (m *engineMetrics) RecordRowResolved(ctx context.Context, method, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(AttrMethod, Normalize(method, AllowedMethods)),
		attribute.String(AttrOutcome, Normalize(outcome, AllowedRowOutcomes)),
	)
	m.rowsResolved.Add(ctx, 1, attrs)
	m.rowDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *engineMetrics) RecordJobFinished(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String(AttrStatus, Normalize(status, AllowedJobStatuses)))
	m.jobsFinished.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *engineMetrics) RecordProviderCall(ctx context.Context, provider, operation, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(AttrProvider, Normalize(provider, AllowedProviders)),
		attribute.String(AttrOperation, operation),
		attribute.String(AttrOutcome, Normalize(outcome, AllowedProviderOutcomes)),
	)
	m.providerCalls.Add(ctx, 1, attrs)
	m.providerDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *engineMetrics) RecordQueryCacheLookup(ctx context.Context, provider string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}

	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProvider, Normalize(provider, AllowedProviders)),
		attribute.String(AttrResult, result),
	))
}

func (m *engineMetrics) RecordEventDropped(ctx context.Context, eventType string) {
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrEventType, eventType)))
}

func (m *engineMetrics) RecordCatalogEmbedding(ctx context.Context, provider, outcome string) {
	m.catalogEmbeddings.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProvider, Normalize(provider, AllowedProviders)),
		attribute.String(AttrOutcome, outcome),
	))
}

func (m *engineMetrics) RecordRequestBodyTooLarge(ctx context.Context) {
	m.bodyTooLarge.Add(ctx, 1)
}
