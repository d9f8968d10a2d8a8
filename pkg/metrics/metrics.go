// Package metrics defines the Prometheus collectors of the indexer and
// exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result types recorded by SearchQueriesTotal.
const (
	ResultHit        = "hit"
	ResultZeroResult = "zero_result"
	ResultError      = "error"
	ResultCached     = "cached"
)

// Metrics holds all collectors. A zero-value pointer is never handed out;
// use New or NewNop.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	IngestVisibleLatency prometheus.Histogram
	DocsIndexedTotal     prometheus.Counter
	SearchLatency        prometheus.Histogram
	SearchQueriesTotal   *prometheus.CounterVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	MergesTotal          *prometheus.CounterVec
	SegmentsMergedTotal  prometheus.Counter
	LiveSegments         prometheus.Gauge
	SegmentLoadFailures  prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),
		IngestVisibleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "index_ingest_visible_seconds",
			Help:    "Time from receiving a file event until its document is searchable.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		DocsIndexedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docs_indexed_total",
			Help: "Total documents written into delta segments.",
		}),
		SearchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "search_latency_seconds",
			Help:    "Search query latency in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, zero_result, cached, error).",
			},
			[]string{"result_type"},
		),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of search cache hits.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of search cache misses.",
		}),
		MergesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merges_total",
				Help: "Merge runs by strategy and status (merged, noop, error).",
			},
			[]string{"strategy", "status"},
		),
		SegmentsMergedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segments_merged_total",
			Help: "Total input segments consumed by merges.",
		}),
		LiveSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_segments",
			Help: "Number of segments currently visible to queries.",
		}),
		SegmentLoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segment_load_failures_total",
			Help: "Registered segments that could not be loaded at startup.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.IngestVisibleLatency,
		m.DocsIndexedTotal,
		m.SearchLatency,
		m.SearchQueriesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.MergesTotal,
		m.SegmentsMergedTotal,
		m.LiveSegments,
		m.SegmentLoadFailures,
	)
	return m
}

// NewNop returns collectors registered on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Since observes the seconds elapsed from start on h. Use with defer:
//
//	defer metrics.Since(m.SearchLatency, time.Now())
func Since(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Handler returns the scrape handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
