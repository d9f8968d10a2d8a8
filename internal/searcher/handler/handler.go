package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/searcher/executor"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/resilience"
)

type SearchExecutor interface {
	Execute(ctx context.Context, query string) (*executor.SearchResult, error)
}

type Handler struct {
	executor SearchExecutor
	cache    *cache.QueryCache
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New returns a search handler. queryCache may be nil to disable caching; a
// zero timeout leaves queries unbounded.
func New(exec SearchExecutor, queryCache *cache.QueryCache, timeout time.Duration, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Handler{
		executor: exec,
		cache:    queryCache,
		timeout:  timeout,
		metrics:  m,
		logger:   slog.Default().With("component", "search-handler"),
	}
}

// Search answers GET /api/v1/search?q=... with the file ids of documents
// containing every term of q.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if !r.URL.Query().Has("q") {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	query := r.URL.Query().Get("q")

	out, err := resilience.WithTimeout(ctx, h.timeout, "search",
		func(ctx context.Context) (searchOutcome, error) {
			if h.cache != nil {
				res, hit, err := h.cache.GetOrCompute(ctx, query, func(ctx context.Context) (*executor.SearchResult, error) {
					return h.executor.Execute(ctx, query)
				})
				return searchOutcome{res, hit}, err
			}
			res, err := h.executor.Execute(ctx, query)
			return searchOutcome{res, false}, err
		})
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		log.Error("search failed", "query", query, "error", err, "status_code", status)
		h.writeError(w, status, "search failed")
		return
	}
	result, cacheHit := out.result, out.hit
	if cacheHit {
		h.metrics.SearchQueriesTotal.WithLabelValues(metrics.ResultCached).Inc()
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}

	log.Info("search completed",
		"query", query,
		"total_hits", result.TotalHits,
		"cache_hit", cacheHit,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, result)
}

type searchOutcome struct {
	result *executor.SearchResult
	hit    bool
}

// CacheInvalidate answers POST /api/v1/cache/invalidate.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		logger.FromContext(r.Context()).Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "invalidated",
		"generation": h.cache.Generation(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
