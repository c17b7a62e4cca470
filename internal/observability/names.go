// Package observability provides OpenTelemetry metrics and slog context enrichment for the engine.
package observability

// Metric names (Prometheus / OpenTelemetry).
const (
	MetricNameRequestCount      = "pricematch_http_requests_total"
	MetricNameRequestDuration   = "pricematch_http_request_duration_seconds"
	MetricNameRowsResolved      = "pricematch_rows_resolved_total"
	MetricNameRowDuration       = "pricematch_row_duration_seconds"
	MetricNameJobsFinished      = "pricematch_jobs_finished_total"
	MetricNameJobDuration       = "pricematch_job_duration_seconds"
	MetricNameProviderCalls     = "pricematch_provider_calls_total"
	MetricNameProviderDuration  = "pricematch_provider_call_duration_seconds"
	MetricNameQueryCacheLookups = "pricematch_query_embedding_cache_lookups_total"
	MetricNameEventsDropped     = "pricematch_job_events_dropped_total"
	MetricNameCatalogEmbeddings = "pricematch_catalog_embeddings_total"
	MetricNameBodyTooLarge      = "pricematch_http_request_body_too_large_total"
)

// Attribute keys.
const (
	AttrMethod    = "method"
	AttrOutcome   = "outcome"
	AttrStatus    = "status"
	AttrProvider  = "provider"
	AttrOperation = "operation"
	AttrResult    = "result"
	AttrRoute     = "route"
	AttrClass     = "status_class"
	AttrEventType = "event_type"
)

// AllowedRowOutcomes for pricematch_rows_resolved_total.
var AllowedRowOutcomes = map[string]bool{
	"matched":  true,
	"no_match": true,
	"context":  true,
	"fallback": true,
	"degraded": true,
}

// AllowedJobStatuses for pricematch_jobs_finished_total.
var AllowedJobStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
}

// AllowedProviders for provider call metrics.
var AllowedProviders = map[string]bool{
	"openai": true,
	"cohere": true,
	"gemini": true,
}

// AllowedProviderOutcomes for pricematch_provider_calls_total.
var AllowedProviderOutcomes = map[string]bool{
	"success":   true,
	"transient": true,
	"permanent": true,
	"timeout":   true,
}

// AllowedMethods for per-method attributes.
var AllowedMethods = map[string]bool{
	"LOCAL": true, "FUZZY": true, "OPENAI": true, "COHERE": true, "GEMINI": true,
	"RERANK": true, "HYBRID": true, "HYBRID_RERANK": true, "CONTEXT": true, "MANUAL": true,
}

// Normalize returns value if allowed, otherwise "other".
func Normalize(value string, allowed map[string]bool) string {
	if allowed[value] {
		return value
	}

	return "other"
}
