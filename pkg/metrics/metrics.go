// Package metrics defines the Prometheus metric collectors used by the
// indexer and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the indexer.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	BatchesTotal         *prometheus.CounterVec
	BatchDuration        prometheus.Histogram
	BatchRetriesTotal    prometheus.Counter
	ActiveBatches        prometheus.Gauge
	DocsExtractedTotal   prometheus.Counter
	PostingsTotal        prometheus.Counter
	FieldsTruncatedTotal prometheus.Counter
	SorterSpillsTotal    prometheus.Counter
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_batches_total",
				Help: "Extraction batches by outcome (success, error).",
			},
			[]string{"status"},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexer_batch_duration_seconds",
				Help:    "Time to extract one batch, retries included.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
		),
		BatchRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_batch_retries_total",
				Help: "Batches re-run after a retryable failure.",
			},
		),
		ActiveBatches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexer_active_batches",
				Help: "Number of batches currently being extracted.",
			},
		),
		DocsExtractedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_documents_extracted_total",
				Help: "Total documents processed by the extractor.",
			},
		),
		PostingsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_postings_emitted_total",
				Help: "Total (document, term, position) entries written to the sorter.",
			},
		),
		FieldsTruncatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_fields_truncated_total",
				Help: "Fields whose words ran past the attribute span.",
			},
		),
		SorterSpillsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_sorter_spills_total",
				Help: "In-memory sorter buffers written to disk.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of document-set cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of document-set cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.BatchesTotal,
		m.BatchDuration,
		m.BatchRetriesTotal,
		m.ActiveBatches,
		m.DocsExtractedTotal,
		m.PostingsTotal,
		m.FieldsTruncatedTotal,
		m.SorterSpillsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler for the default
// registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a scrape handler for a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
