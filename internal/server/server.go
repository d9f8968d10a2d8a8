// Package server assembles the indexer's HTTP API: routes, middleware and
// health endpoints.
package server

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	ingesthandler "github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion/handler"
	searchhandler "github.com/Adithya-Monish-Kumar-K/segment-index/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/middleware"
)

type Deps struct {
	Ingest  *ingesthandler.Handler
	Search  *searchhandler.Handler
	Health  *health.Checker
	Metrics *metrics.Metrics

	// WriteLimiter throttles ingest, merge and load endpoints; nil disables
	// it.
	WriteLimiter *rate.Limiter
	// RequestTimeout bounds every request; zero disables it.
	RequestTimeout time.Duration
}

// New returns the root handler.
func New(d Deps) http.Handler {
	m := d.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	limit := middleware.RateLimit(d.WriteLimiter)
	write := func(h http.HandlerFunc) http.Handler { return limit(h) }

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/ingest", write(d.Ingest.Ingest))
	mux.Handle("POST /api/v1/merge/knapsack", write(d.Ingest.MergeKnapsack))
	mux.Handle("POST /api/v1/merge/greedy", write(d.Ingest.MergeGreedy))
	mux.Handle("POST /api/v1/debug/load", write(d.Ingest.GenerateLoad))
	mux.HandleFunc("GET /api/v1/debug/segments", d.Ingest.Segments)
	mux.HandleFunc("GET /api/v1/debug/load-failures", d.Ingest.LoadFailures)

	mux.HandleFunc("GET /api/v1/search", d.Search.Search)
	mux.HandleFunc("POST /api/v1/cache/invalidate", d.Search.CacheInvalidate)

	mux.HandleFunc("GET /health/live", d.Health.LiveHandler())
	mux.HandleFunc("GET /health/ready", d.Health.ReadyHandler())

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.Metrics(m),
		middleware.Timeout(d.RequestTimeout),
	)
}
