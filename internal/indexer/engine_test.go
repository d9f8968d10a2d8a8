package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/resilience"
)

func testConfig(dir string) config.IndexerConfig {
	return config.IndexerConfig{
		DataDir:           dir,
		MergeStrategy:     config.StrategyKnapsack,
		MergeBudgetBytes:  50000,
		MergeMaxPick:      3,
		ReloadConcurrency: 4,
	}
}

func newTestEngine(t *testing.T, reg registry.Registry, opts ...Option) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	e, err := NewEngine(context.Background(), testConfig(dir), reg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, dir
}

func add(fileID, text string) *ingestion.FileEvent {
	return &ingestion.FileEvent{FileID: ingestion.StrPtr(fileID), Kind: ingestion.KindAdd, Text: text}
}

func TestApplyEvent_AddCreatesMappedDeltaSegment(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	e, dir := newTestEngine(t, reg)

	res, err := e.ApplyEvent(ctx, add("f1", "Quick fox"))
	require.NoError(t, err)
	assert.Equal(t, "delta-1", res.SegmentID)
	assert.Equal(t, int32(1), res.DocID)

	segs := e.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, []int32{1}, segs[0].Postings("quick"))
	assert.FileExists(t, filepath.Join(dir, "delta-1.seg"))

	fid, ok, err := reg.ResolveFileID(ctx, "delta-1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "f1", fid)

	ids, err := reg.ListSegmentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"delta-1"}, ids)
}

func TestApplyEvent_AnonymousAddIsUnmapped(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	e, _ := newTestEngine(t, reg)

	res, err := e.ApplyEvent(ctx, &ingestion.FileEvent{Kind: ingestion.KindAdd, Text: "orphan text"})
	require.NoError(t, err)
	_, ok, err := reg.ResolveFileID(ctx, res.SegmentID, res.DocID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, e.Segments(), 1)
}

func TestApplyEvent_UpdateRetiresPreviousDoc(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	e, dir := newTestEngine(t, reg)

	_, err := e.ApplyEvent(ctx, add("f1", "quick fox"))
	require.NoError(t, err)
	res, err := e.ApplyEvent(ctx, &ingestion.FileEvent{FileID: ingestion.StrPtr("f1"), Kind: ingestion.KindUpdate, Text: "lazy dog"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tombstoned)

	old, ok := e.live.Get("delta-1")
	require.True(t, ok)
	assert.True(t, old.IsDeleted(1))
	assert.Empty(t, old.Postings("quick"))

	ptrs, err := reg.FindDocsByFileID(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []segment.DocPointer{{SegmentID: "delta-2", DocID: 1}}, ptrs)

	dead, err := reg.IsSegmentTombstoned(ctx, "delta-1", 1)
	require.NoError(t, err)
	assert.True(t, dead)

	// The tombstone survives a reload.
	reloaded, err := segment.Load(dir, "delta-1")
	require.NoError(t, err)
	assert.True(t, reloaded.IsDeleted(1))
}

func TestApplyEvent_DeleteTombstonesFileWithoutNewSegment(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	e, _ := newTestEngine(t, reg)

	_, err := e.ApplyEvent(ctx, add("f1", "quick fox"))
	require.NoError(t, err)
	res, err := e.ApplyEvent(ctx, &ingestion.FileEvent{FileID: ingestion.StrPtr("f1"), Kind: ingestion.KindDelete})
	require.NoError(t, err)
	assert.Empty(t, res.SegmentID)
	assert.Equal(t, 1, res.Tombstoned)
	assert.Len(t, e.Segments(), 1)

	dead, err := reg.IsFileTombstoned(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, dead)

	// Re-adding the file lifts the file tombstone.
	_, err = e.ApplyEvent(ctx, add("f1", "quick fox again"))
	require.NoError(t, err)
	dead, err = reg.IsFileTombstoned(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, dead)
}

func TestApplyEvent_EmptyTextStillAllocatesDoc(t *testing.T) {
	e, _ := newTestEngine(t, registry.NewMemory())
	res, err := e.ApplyEvent(context.Background(), add("f1", ""))
	require.NoError(t, err)
	assert.Equal(t, int32(1), res.DocID)
	assert.Empty(t, e.Segments()[0].Terms())
}

func TestApplyEvent_RegistryFailureLeavesNoSegment(t *testing.T) {
	reg := &failingRegistry{Registry: registry.NewMemory(), failUpsert: true}
	e, dir := newTestEngine(t, reg)

	_, err := e.ApplyEvent(context.Background(), add("f1", "quick fox"))
	require.Error(t, err)
	assert.Empty(t, e.Segments())
	_, statErr := os.Stat(filepath.Join(dir, "delta-1.seg"))
	assert.True(t, os.IsNotExist(statErr))
	ptrs, err := reg.FindDocsByFileID(context.Background(), "f1")
	require.NoError(t, err)
	assert.Empty(t, ptrs)
}

// histogramCount returns the sample count of the named histogram in g.
func histogramCount(t *testing.T, g prometheus.Gatherer, name string) uint64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatalf("histogram %s not gathered", name)
	return 0
}

func TestApplyEvent_RecordsLatencyOnEveryOutcome(t *testing.T) {
	promReg := prometheus.NewRegistry()
	e, _ := newTestEngine(t, registry.NewMemory(), WithMetrics(metrics.New(promReg)))

	_, err := e.ApplyEvent(context.Background(), add("f1", "quick fox"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), histogramCount(t, promReg, "index_ingest_visible_seconds"))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.ApplyEvent(cancelled, add("f2", "lazy dog"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(2), histogramCount(t, promReg, "index_ingest_visible_seconds"))

	require.NoError(t, e.Close())
	_, err = e.ApplyEvent(context.Background(), add("f3", "x"))
	assert.ErrorIs(t, err, apperrors.ErrEngineClosed)
	assert.Equal(t, uint64(3), histogramCount(t, promReg, "index_ingest_visible_seconds"))
}

func TestApplyEvent_ClosedEngine(t *testing.T) {
	e, _ := newTestEngine(t, registry.NewMemory())
	require.NoError(t, e.Close())
	_, err := e.ApplyEvent(context.Background(), add("f1", "x"))
	assert.ErrorIs(t, err, apperrors.ErrEngineClosed)
	_, err = e.MergeGreedy(context.Background(), 2)
	assert.ErrorIs(t, err, apperrors.ErrEngineClosed)
	assert.ErrorIs(t, e.Ping(context.Background()), apperrors.ErrEngineClosed)
}

func TestApplyEvent_ConcurrentIngestUniqueSegments(t *testing.T) {
	e, _ := newTestEngine(t, registry.NewMemory())
	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ApplyEvent(context.Background(), add(fmt.Sprintf("f%d", i), "quick fox"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := make(map[string]struct{})
	for _, s := range e.Segments() {
		seen[s.ID()] = struct{}{}
	}
	assert.Len(t, seen, n)
}

func TestMerge_RewritesDocMappings(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	m := metrics.NewNop()
	clock := time.UnixMilli(1700000000000)
	e, dir := newTestEngine(t, reg, WithMetrics(m), WithClock(func() time.Time { return clock }))

	for i, text := range []string{"quick fox", "lazy dog", "quick dog"} {
		_, err := e.ApplyEvent(ctx, add(fmt.Sprintf("f%d", i+1), text))
		require.NoError(t, err)
	}
	// f2 is updated, leaving a tombstone in delta-2.
	_, err := e.ApplyEvent(ctx, &ingestion.FileEvent{FileID: ingestion.StrPtr("f2"), Kind: ingestion.KindUpdate, Text: "sleepy dog"})
	require.NoError(t, err)
	dead, err := reg.IsSegmentTombstoned(ctx, "delta-2", 1)
	require.NoError(t, err)
	require.True(t, dead)

	n, err := e.MergeWithBudget(ctx, 50000)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	segs := e.Segments()
	require.Len(t, segs, 1)
	merged := segs[0]
	assert.Equal(t, "merge-1700000000000-1", merged.ID())

	dead, err = reg.IsSegmentTombstoned(ctx, "delta-2", 1)
	require.NoError(t, err)
	assert.False(t, dead, "merged-away segment tombstones are purged")
	assert.Equal(t, int32(3), merged.MaxDocID())
	assert.Zero(t, merged.DeletedCount())

	// Remap follows live-set order: delta-1, delta-3, delta-4.
	for newID, want := range []string{"f1", "f3", "f2"} {
		fid, ok, err := reg.ResolveFileID(ctx, merged.ID(), int32(newID))
		require.NoError(t, err)
		require.True(t, ok, "doc %d", newID)
		assert.Equal(t, want, fid)
	}

	ids, err := reg.ListSegmentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{merged.ID()}, ids)
	for _, old := range []string{"delta-1", "delta-2", "delta-3", "delta-4"} {
		_, ok, err := reg.ResolveFileID(ctx, old, 1)
		require.NoError(t, err)
		assert.False(t, ok, old)
		assert.NoFileExists(t, filepath.Join(dir, old+".seg"))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergesTotal.WithLabelValues("knapsack", "merged")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SegmentsMergedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveSegments))
}

func TestMerge_EmptyPlanIsNoop(t *testing.T) {
	m := metrics.NewNop()
	e, _ := newTestEngine(t, registry.NewMemory(), WithMetrics(m))

	n, err := e.MergeGreedy(context.Background(), 3)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = e.ApplyEvent(context.Background(), add("f1", "x"))
	require.NoError(t, err)
	n, err = e.MergeWithBudget(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MergesTotal.WithLabelValues("greedy", "noop"))+
		testutil.ToFloat64(m.MergesTotal.WithLabelValues("knapsack", "noop")))
}

func TestMerge_GreedyPicksMostDeleted(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	e, _ := newTestEngine(t, reg)

	for i := 1; i <= 5; i++ {
		_, err := e.ApplyEvent(ctx, add(fmt.Sprintf("f%d", i), fmt.Sprintf("shared term%d", i)))
		require.NoError(t, err)
	}
	// Deleting f2 and f4 gives delta-2 and delta-4 a ratio of 1.
	for _, f := range []string{"f2", "f4"} {
		_, err := e.ApplyEvent(ctx, &ingestion.FileEvent{FileID: ingestion.StrPtr(f), Kind: ingestion.KindDelete})
		require.NoError(t, err)
	}

	n, err := e.MergeGreedy(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var live []string
	for _, s := range e.Segments() {
		live = append(live, s.ID())
	}
	assert.Equal(t, []string{"delta-1", "delta-3", "delta-5"}, live[:3])
	require.Len(t, live, 4)
	merged := e.Segments()[3]
	assert.Zero(t, merged.MaxDocID())
	assert.Empty(t, merged.Terms())
}

func TestMerge_CleanupRetriesRegistry(t *testing.T) {
	ctx := context.Background()
	reg := &failingRegistry{Registry: registry.NewMemory()}
	e, _ := newTestEngine(t, reg, WithCleanupRetry(resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}))
	for i := 1; i <= 2; i++ {
		_, err := e.ApplyEvent(ctx, add(fmt.Sprintf("f%d", i), "quick"))
		require.NoError(t, err)
	}
	reg.removeFailures.Store(2)

	n, err := e.MergeWithBudget(ctx, 50000)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err := reg.ListSegmentIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestMerge_CommitFailureKeepsInputs(t *testing.T) {
	ctx := context.Background()
	reg := &failingRegistry{Registry: registry.NewMemory()}
	e, dir := newTestEngine(t, reg)
	for i := 1; i <= 2; i++ {
		_, err := e.ApplyEvent(ctx, add(fmt.Sprintf("f%d", i), "quick"))
		require.NoError(t, err)
	}
	reg.failUpsert = true

	_, err := e.MergeWithBudget(ctx, 50000)
	require.Error(t, err)
	assert.Len(t, e.Segments(), 2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "merge output must be removed")
	ptrs, err := reg.FindDocsByFileID(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []segment.DocPointer{{SegmentID: "delta-1", DocID: 1}}, ptrs)
}

func TestMerge_ConcurrentWithIngestAndDeletes(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	e, _ := newTestEngine(t, reg)

	const files = 40
	for i := range files {
		_, err := e.ApplyEvent(ctx, add(fmt.Sprintf("f%d", i), "quick fox"))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for range 5 {
			_, err := e.MergeGreedy(ctx, 8)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < files; i += 2 {
			_, err := e.ApplyEvent(ctx, &ingestion.FileEvent{FileID: ingestion.StrPtr(fmt.Sprintf("f%d", i)), Kind: ingestion.KindDelete})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for range 5 {
			_, err := e.MergeWithBudget(ctx, 50000)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	// Every odd file resolves to exactly one live, undeleted document.
	for i := 1; i < files; i += 2 {
		fid := fmt.Sprintf("f%d", i)
		ptrs, err := reg.FindDocsByFileID(ctx, fid)
		require.NoError(t, err)
		require.Len(t, ptrs, 1, fid)
		seg, ok := e.live.Get(ptrs[0].SegmentID)
		require.True(t, ok, fid)
		assert.False(t, seg.IsDeleted(ptrs[0].DocID), fid)
	}
	// Deleted files map to nothing.
	for i := 0; i < files; i += 2 {
		ptrs, err := reg.FindDocsByFileID(ctx, fmt.Sprintf("f%d", i))
		require.NoError(t, err)
		assert.Empty(t, ptrs)
	}
}

func TestNewEngine_ReloadsAndReportsFailures(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	dir := t.TempDir()
	m := metrics.NewNop()

	e, err := NewEngine(ctx, testConfig(dir), reg)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := e.ApplyEvent(ctx, add(fmt.Sprintf("f%d", i), "quick fox"))
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	// Corrupt one segment and register one that was never written.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "delta-2.seg"), []byte{0, 0}, 0644))
	require.NoError(t, reg.UpsertSegment(ctx, "delta-99", filepath.Join(dir, "delta-99.seg")))

	e2, err := NewEngine(ctx, testConfig(dir), reg, WithMetrics(m))
	require.NoError(t, err)
	defer e2.Close()

	var live []string
	for _, s := range e2.Segments() {
		live = append(live, s.ID())
	}
	assert.Equal(t, []string{"delta-1", "delta-3"}, live)

	failures := e2.LoadFailures()
	require.Len(t, failures, 2)
	assert.Equal(t, "delta-2", failures[0].SegmentID)
	assert.ErrorIs(t, failures[0].Err, apperrors.ErrCorruptSegment)
	assert.Equal(t, "delta-99", failures[1].SegmentID)
	assert.ErrorIs(t, failures[1].Err, apperrors.ErrSegmentNotFound)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SegmentLoadFailures))

	// New deltas never reuse a registered or existing name.
	res, err := e2.ApplyEvent(ctx, add("f4", "quick"))
	require.NoError(t, err)
	assert.Equal(t, "delta-100", res.SegmentID)
}

func TestNewEngine_ListFailureIsFatal(t *testing.T) {
	reg := &failingRegistry{Registry: registry.NewMemory(), failList: true}
	_, err := NewEngine(context.Background(), testConfig(t.TempDir()), reg)
	assert.Error(t, err)
}

func TestChangeHook_FiresOnIngestAndMerge(t *testing.T) {
	var calls atomic.Int32
	e, _ := newTestEngine(t, registry.NewMemory(), WithChangeHook(func(context.Context) { calls.Add(1) }))
	ctx := context.Background()

	_, err := e.ApplyEvent(ctx, add("f1", "a"))
	require.NoError(t, err)
	_, err = e.ApplyEvent(ctx, add("f2", "b"))
	require.NoError(t, err)
	_, err = e.MergeGreedy(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStartMergeLoop_MergesPeriodically(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.MergeInterval = 10 * time.Millisecond
	cfg.MergeStrategy = config.StrategyGreedy
	cfg.MergeMaxPick = 10
	e, err := NewEngine(context.Background(), cfg, registry.NewMemory())
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := e.ApplyEvent(context.Background(), add(fmt.Sprintf("f%d", i), "quick"))
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.StartMergeLoop(ctx)

	assert.Eventually(t, func() bool { return len(e.Segments()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Close())
}

func TestMergeScheduled_UnknownStrategy(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.MergeStrategy = "lsm"
	e, err := NewEngine(context.Background(), cfg, registry.NewMemory())
	require.NoError(t, err)
	defer e.Close()
	_, err = e.MergeScheduled(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrUnknownStrategy)
}

// failingRegistry injects registry failures around a working Memory.
type failingRegistry struct {
	registry.Registry
	failUpsert     bool
	failList       bool
	removeFailures atomic.Int32
}

var errInjected = errors.New("injected registry failure")

func (f *failingRegistry) UpsertSegment(ctx context.Context, segID, path string) error {
	if f.failUpsert {
		return errInjected
	}
	return f.Registry.UpsertSegment(ctx, segID, path)
}

func (f *failingRegistry) ListSegmentIDs(ctx context.Context) ([]string, error) {
	if f.failList {
		return nil, errInjected
	}
	return f.Registry.ListSegmentIDs(ctx)
}

func (f *failingRegistry) RemoveSegment(ctx context.Context, segID string) error {
	if f.removeFailures.Add(-1) >= 0 {
		return errInjected
	}
	return f.Registry.RemoveSegment(ctx, segID)
}
