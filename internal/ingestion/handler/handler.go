package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/logger"
)

const (
	defaultBudgetBytes = 50000
	defaultMaxPick     = 3
	defaultLoadDocs    = 50
	maxLoadDocs        = 100000
	maxBodyBytes       = 2 << 20
)

// Indexer is the write side of the engine.
type Indexer interface {
	ApplyEvent(ctx context.Context, ev *ingestion.FileEvent) (*indexer.ApplyResult, error)
	MergeWithBudget(ctx context.Context, budgetBytes int) (int, error)
	MergeGreedy(ctx context.Context, maxPick int) (int, error)
	Stats() []segment.Stats
	LoadFailures() []indexer.LoadFailure
}

type Handler struct {
	indexer Indexer
	logger  *slog.Logger
}

func New(idx Indexer) *Handler {
	return &Handler{
		indexer: idx,
		logger:  slog.Default().With("component", "ingestion-handler"),
	}
}

// Ingest applies one FileEvent and answers 202 once the document is
// searchable.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var ev ingestion.FileEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validator.ValidateFileEvent(&ev); err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.indexer.ApplyEvent(ctx, &ev)
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		log.Error("ingestion failed",
			"file_id", ev.FileIDOrEmpty(),
			"kind", ev.Kind,
			"error", err,
			"status_code", status,
		)
		h.writeError(w, status, "ingestion failed")
		return
	}
	log.Info("event applied",
		"file_id", ev.FileIDOrEmpty(),
		"kind", ev.Kind,
		"segment_id", res.SegmentID,
		"doc_id", res.DocID,
		"tombstoned", res.Tombstoned,
	)
	h.writeJSON(w, http.StatusAccepted, &ingestion.IngestResponse{
		SegmentID:  res.SegmentID,
		DocID:      res.DocID,
		FileID:     ev.FileIDOrEmpty(),
		Kind:       ev.Kind,
		Tombstoned: res.Tombstoned,
	})
}

// MergeKnapsack answers POST /api/v1/merge/knapsack?budgetBytes=N.
func (h *Handler) MergeKnapsack(w http.ResponseWriter, r *http.Request) {
	budget, ok := h.intParam(w, r, "budgetBytes", defaultBudgetBytes)
	if !ok {
		return
	}
	if budget > config.MaxMergeBudgetBytes {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("budgetBytes must be at most %d", config.MaxMergeBudgetBytes))
		return
	}
	n, err := h.indexer.MergeWithBudget(r.Context(), budget)
	h.writeMerge(w, r, "knapsack", n, err, map[string]any{"budget_bytes": budget})
}

// MergeGreedy answers POST /api/v1/merge/greedy?maxPick=N.
func (h *Handler) MergeGreedy(w http.ResponseWriter, r *http.Request) {
	maxPick, ok := h.intParam(w, r, "maxPick", defaultMaxPick)
	if !ok {
		return
	}
	n, err := h.indexer.MergeGreedy(r.Context(), maxPick)
	h.writeMerge(w, r, "greedy", n, err, map[string]any{"max_pick": maxPick})
}

func (h *Handler) writeMerge(w http.ResponseWriter, r *http.Request, strategy string, n int, err error, body map[string]any) {
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		logger.FromContext(r.Context()).Error("merge failed", "strategy", strategy, "error", err)
		h.writeError(w, status, "merge failed")
		return
	}
	body["strategy"] = strategy
	body["merged_segments"] = n
	h.writeJSON(w, http.StatusOK, body)
}

// Segments answers GET /api/v1/debug/segments with one row per live
// segment in live-set order.
func (h *Handler) Segments(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.indexer.Stats())
}

// LoadFailures answers GET /api/v1/debug/load-failures with the registered
// segments that could not be loaded at startup.
func (h *Handler) LoadFailures(w http.ResponseWriter, r *http.Request) {
	failures := h.indexer.LoadFailures()
	rows := make([]map[string]string, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, map[string]string{"segment_id": f.SegmentID, "error": f.Err.Error()})
	}
	h.writeJSON(w, http.StatusOK, rows)
}

// GenerateLoad answers POST /api/v1/debug/load?docs=N by ingesting N
// synthetic documents with file ids ld-0..ld-N-1. The text is seeded, so
// repeated runs produce the same corpus.
func (h *Handler) GenerateLoad(w http.ResponseWriter, r *http.Request) {
	docs, ok := h.intParam(w, r, "docs", defaultLoadDocs)
	if !ok {
		return
	}
	if docs > maxLoadDocs {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("docs must be at most %d", maxLoadDocs))
		return
	}
	start := time.Now()
	for i, ev := range SyntheticEvents(docs) {
		if _, err := h.indexer.ApplyEvent(r.Context(), ev); err != nil {
			logger.FromContext(r.Context()).Error("synthetic load failed", "doc", i, "error", err)
			h.writeError(w, apperrors.HTTPStatusCode(err), "synthetic load failed")
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"docs_ingested": docs,
		"elapsed_ms":    time.Since(start).Milliseconds(),
		"hint":          "GET /api/v1/search?q=quick+fox to exercise the query path",
	})
}

// SyntheticEvents builds the debug load corpus: "doc i quick fox" followed
// by either "latency" or "freshness".
func SyntheticEvents(n int) []*ingestion.FileEvent {
	rng := rand.New(rand.NewPCG(42, 42))
	now := time.Now().UTC()
	out := make([]*ingestion.FileEvent, n)
	for i := range n {
		tail := "freshness"
		if rng.IntN(2) == 0 {
			tail = "latency"
		}
		out[i] = &ingestion.FileEvent{
			FileID:    ingestion.StrPtr("ld-" + strconv.Itoa(i)),
			Kind:      ingestion.KindAdd,
			Text:      "doc " + strconv.Itoa(i) + " quick fox " + tail,
			Metadata:  map[string]string{"source": "synthetic"},
			Timestamp: now,
		}
	}
	return out
}

func (h *Handler) intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		h.writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
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
