package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/config"
)

func newTestServer(t *testing.T) (http.Handler, *indexer.Engine, *registry.Memory) {
	t.Helper()
	reg := registry.NewMemory()
	e, err := indexer.NewEngine(context.Background(), config.IndexerConfig{
		DataDir:           t.TempDir(),
		MergeStrategy:     config.StrategyKnapsack,
		ReloadConcurrency: 1,
	}, reg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	h := New(e)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/ingest", h.Ingest)
	mux.HandleFunc("POST /api/v1/merge/knapsack", h.MergeKnapsack)
	mux.HandleFunc("POST /api/v1/merge/greedy", h.MergeGreedy)
	mux.HandleFunc("GET /api/v1/debug/segments", h.Segments)
	mux.HandleFunc("GET /api/v1/debug/load-failures", h.LoadFailures)
	mux.HandleFunc("POST /api/v1/debug/load", h.GenerateLoad)
	return mux, e, reg
}

func do(t *testing.T, srv http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestIngest_Accepted(t *testing.T) {
	srv, _, reg := newTestServer(t)
	rec, body := do(t, srv, http.MethodPost, "/api/v1/ingest", `{"fileId":"f1","kind":"add","text":"quick fox"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "delta-1", body["segment_id"])
	assert.EqualValues(t, 1, body["doc_id"])
	assert.Equal(t, "ADD", body["kind"])

	fid, ok, err := reg.ResolveFileID(context.Background(), "delta-1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "f1", fid)
}

func TestIngest_DeleteHasNoSegment(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/ingest", `{"fileId":"f1","text":"quick fox"}`)
	rec, body := do(t, srv, http.MethodPost, "/api/v1/ingest", `{"fileId":"f1","kind":"DELETE"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotContains(t, body, "segment_id")
	assert.EqualValues(t, 1, body["tombstoned"])
}

func TestIngest_Rejects(t *testing.T) {
	srv, e, _ := newTestServer(t)
	cases := map[string]string{
		"bad json":          `{"fileId":`,
		"unknown kind":      `{"fileId":"f1","kind":"RENAME"}`,
		"delete without id": `{"kind":"DELETE"}`,
		"blank id":          `{"fileId":"  ","text":"x"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			rec, _ := do(t, srv, http.MethodPost, "/api/v1/ingest", payload)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, e.Segments())
}

func TestMerge_Endpoints(t *testing.T) {
	srv, e, _ := newTestServer(t)
	for _, body := range []string{
		`{"fileId":"a","text":"quick fox"}`,
		`{"fileId":"b","text":"lazy dog"}`,
		`{"fileId":"c","text":"quick dog"}`,
	} {
		rec, _ := do(t, srv, http.MethodPost, "/api/v1/ingest", body)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec, body := do(t, srv, http.MethodPost, "/api/v1/merge/greedy?maxPick=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["merged_segments"])
	assert.EqualValues(t, 2, body["max_pick"])
	assert.Len(t, e.Segments(), 2)

	rec, body = do(t, srv, http.MethodPost, "/api/v1/merge/knapsack", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 50000, body["budget_bytes"])
	assert.EqualValues(t, 2, body["merged_segments"])
	assert.Len(t, e.Segments(), 1)

	rec, _ = do(t, srv, http.MethodPost, "/api/v1/merge/knapsack?budgetBytes=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMergeKnapsack_RejectsOversizedBudget(t *testing.T) {
	srv, e, _ := newTestServer(t)
	rec, _ := do(t, srv, http.MethodPost, "/api/v1/ingest", `{"fileId":"a","text":"quick fox"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	target := "/api/v1/merge/knapsack?budgetBytes=" + strconv.Itoa(config.MaxMergeBudgetBytes+1)
	rec, body := do(t, srv, http.MethodPost, target, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "budgetBytes must be at most")
	assert.Len(t, e.Segments(), 1)

	target = "/api/v1/merge/knapsack?budgetBytes=" + strconv.Itoa(config.MaxMergeBudgetBytes)
	rec, _ = do(t, srv, http.MethodPost, target, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSegments_ListsLiveSegments(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/ingest", `{"fileId":"a","text":"quick fox"}`)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/debug/segments", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "delta-1", rows[0]["segment_id"])
	assert.EqualValues(t, 16, rows[0]["size_bytes_estimate"])
	assert.EqualValues(t, 0, rows[0]["deleted_ratio"])
}

func TestLoadFailures_EmptyList(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/debug/load-failures", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestGenerateLoad(t *testing.T) {
	srv, e, _ := newTestServer(t)
	rec, body := do(t, srv, http.MethodPost, "/api/v1/debug/load?docs=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, body["docs_ingested"])
	assert.Len(t, e.Segments(), 5)
}

func TestSyntheticEvents_Deterministic(t *testing.T) {
	a, b := SyntheticEvents(20), SyntheticEvents(20)
	require.Len(t, a, 20)
	for i := range a {
		assert.Equal(t, a[i].Text, b[i].Text)
		assert.Equal(t, "ld-"+strconv.Itoa(i), *a[i].FileID)
		assert.Regexp(t, `^doc \d+ quick fox (latency|freshness)$`, a[i].Text)
	}
}
