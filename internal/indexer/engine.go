// Package indexer coordinates the live segment set: it turns file events
// into one-document delta segments, keeps the registry's document identity
// in step with them, and compacts segments with the merge planners.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/planner"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/tracing"
)

const (
	deltaPrefix = "delta-"
	mergePrefix = "merge-"

	defaultReloadConcurrency = 8
)

// ApplyResult describes what ApplyEvent did. SegmentID is empty for DELETE
// events, which never create a segment.
type ApplyResult struct {
	SegmentID  string
	DocID      int32
	Tombstoned int
}

// LoadFailure records a registered segment that could not be loaded at
// startup. The segment stays registered but is not searchable.
type LoadFailure struct {
	SegmentID string
	Err       error
}

type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithChangeHook registers fn to run after every change to searchable
// state: an applied event or a completed merge.
func WithChangeHook(fn func(ctx context.Context)) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, fn) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCleanupRetry overrides the retry policy for post-merge registry
// cleanup.
func WithCleanupRetry(cfg resilience.RetryConfig) Option {
	return func(e *Engine) { e.cleanupRetry = cfg }
}

// Engine owns the live segment set.
//
// Queries and planners read lock-free snapshots. identityMu orders the
// short registry bookkeeping phases of ingest and merge commit, so a
// tombstone can never be lost between a merge's build and its swap.
// mergeMu serialises merges.
type Engine struct {
	cfg     config.IndexerConfig
	reg     registry.Registry
	live    *liveSet
	metrics *metrics.Metrics
	logger  *slog.Logger
	hooks   []func(ctx context.Context)
	now     func() time.Time

	cleanupRetry resilience.RetryConfig

	deltaSeq atomic.Int64
	mergeSeq atomic.Int64

	identityMu sync.Mutex
	mergeMu    sync.Mutex

	loadFailures []LoadFailure

	closed atomic.Bool
	stop   chan struct{}
	loopWG sync.WaitGroup
}

// NewEngine creates the data directory and reloads every segment the
// registry lists. Segments that fail to load are skipped and reported
// through LoadFailures.
func NewEngine(ctx context.Context, cfg config.IndexerConfig, reg registry.Registry, opts ...Option) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating index data directory: %w", err)
	}
	e := &Engine{
		cfg:          cfg,
		reg:          reg,
		logger:       slog.Default().With("component", "indexer"),
		now:          time.Now,
		cleanupRetry: resilience.DefaultRetryConfig(),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewNop()
	}

	ids, err := reg.ListSegmentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing registered segments: %w", err)
	}
	segs := e.reload(ctx, ids)
	e.live = newLiveSet(segs)
	e.metrics.LiveSegments.Set(float64(len(segs)))
	if err := e.seedDeltaSeq(ids); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) reload(ctx context.Context, ids []string) []*segment.Segment {
	limit := e.cfg.ReloadConcurrency
	if limit <= 0 {
		limit = defaultReloadConcurrency
	}
	loaded := make([]*segment.Segment, len(ids))
	errs := make([]error, len(ids))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			loaded[i], errs[i] = segment.Load(e.cfg.DataDir, id)
			return nil
		})
	}
	g.Wait()

	segs := make([]*segment.Segment, 0, len(ids))
	for i, id := range ids {
		if errs[i] != nil {
			e.logger.Warn("skipping segment that failed to load",
				"segment_id", id,
				"error", errs[i],
			)
			e.loadFailures = append(e.loadFailures, LoadFailure{SegmentID: id, Err: errs[i]})
			e.metrics.SegmentLoadFailures.Inc()
			continue
		}
		segs = append(segs, loaded[i])
	}
	e.logger.Info("segment reload complete",
		"registered", len(ids),
		"loaded", len(segs),
		"failed", len(e.loadFailures),
	)
	return segs
}

// seedDeltaSeq starts the delta sequence above every delta id that is
// registered or on disk, so a restart never reuses the name of an existing,
// unloadable or orphaned segment.
func (e *Engine) seedDeltaSeq(registered []string) error {
	entries, err := os.ReadDir(e.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("reading data directory: %w", err)
	}
	ids := append([]string(nil), registered...)
	for _, entry := range entries {
		if id, ok := segment.IDFromFileName(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	var maxSeq int64
	for _, id := range ids {
		if !strings.HasPrefix(id, deltaPrefix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(id, deltaPrefix), 10, 64)
		if err == nil && n > maxSeq {
			maxSeq = n
		}
	}
	e.deltaSeq.Store(maxSeq)
	return nil
}

// LoadFailures lists the segments skipped during startup reload.
func (e *Engine) LoadFailures() []LoadFailure {
	return append([]LoadFailure(nil), e.loadFailures...)
}

// Segments returns a point-in-time snapshot of the live set.
func (e *Engine) Segments() []*segment.Segment {
	return e.live.Snapshot()
}

// Stats describes every live segment, in live-set order.
func (e *Engine) Stats() []segment.Stats {
	snap := e.live.Snapshot()
	out := make([]segment.Stats, len(snap))
	for i, s := range snap {
		out[i] = s.Stats()
	}
	return out
}

// ApplyEvent retires any documents previously indexed for the event's file,
// then, unless the event is a DELETE, indexes its text as a new one-document
// delta segment. The new document is mapped in the registry before the
// segment becomes searchable.
func (e *Engine) ApplyEvent(ctx context.Context, ev *ingestion.FileEvent) (*ApplyResult, error) {
	defer metrics.Since(e.metrics.IngestVisibleLatency, time.Now())
	if e.closed.Load() {
		return nil, apperrors.ErrEngineClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var delta *segment.Segment
	var docID int32
	if ev.Kind != ingestion.KindDelete {
		delta = segment.New(e.cfg.DataDir, deltaPrefix+strconv.FormatInt(e.deltaSeq.Add(1), 10))
		docID = delta.AddDoc(tokenizer.Tokenize(ev.Text))
		if err := delta.Persist(); err != nil {
			return nil, fmt.Errorf("persisting delta segment: %w", err)
		}
	}

	e.identityMu.Lock()
	res, err := e.applyLocked(ctx, ev, delta, docID)
	e.identityMu.Unlock()
	if err != nil {
		if delta != nil {
			e.discardDelta(ctx, delta)
		}
		return nil, err
	}

	if delta != nil {
		e.metrics.DocsIndexedTotal.Inc()
	}
	e.logger.Debug("event applied",
		"kind", ev.Kind,
		"file_id", ev.FileIDOrEmpty(),
		"segment_id", res.SegmentID,
		"doc_id", res.DocID,
		"tombstoned", res.Tombstoned,
	)
	e.notify(ctx)
	return res, nil
}

// discardDelta removes a delta segment that was never published, along with
// any mapping written for it.
func (e *Engine) discardDelta(ctx context.Context, delta *segment.Segment) {
	if err := delta.Remove(); err != nil {
		e.logger.Warn("removing unpublished delta segment", "segment_id", delta.ID(), "error", err)
	}
	if err := e.reg.DeleteDocsBySegment(ctx, delta.ID()); err != nil {
		e.logger.Warn("removing unpublished delta mappings", "segment_id", delta.ID(), "error", err)
	}
}

func (e *Engine) applyLocked(ctx context.Context, ev *ingestion.FileEvent, delta *segment.Segment, docID int32) (*ApplyResult, error) {
	res := &ApplyResult{}
	if ev.HasFileID() {
		n, err := e.retireFile(ctx, *ev.FileID)
		if err != nil {
			return nil, err
		}
		res.Tombstoned = n
		if ev.Kind == ingestion.KindDelete {
			if err := e.reg.AddFileTombstone(ctx, *ev.FileID); err != nil {
				return nil, fmt.Errorf("tombstoning file %s: %w", *ev.FileID, err)
			}
		}
	}
	if delta == nil {
		return res, nil
	}

	if ev.HasFileID() {
		if err := e.reg.MapDoc(ctx, delta.ID(), docID, *ev.FileID); err != nil {
			return nil, fmt.Errorf("mapping doc %s/%d: %w", delta.ID(), docID, err)
		}
	}
	if err := e.reg.UpsertSegment(ctx, delta.ID(), delta.Path()); err != nil {
		return nil, fmt.Errorf("registering segment %s: %w", delta.ID(), err)
	}
	if ev.HasFileID() {
		if err := e.reg.ClearFileTombstone(ctx, *ev.FileID); err != nil {
			return nil, fmt.Errorf("clearing tombstone for %s: %w", *ev.FileID, err)
		}
	}
	n := e.live.Add(delta)
	e.metrics.LiveSegments.Set(float64(n))

	res.SegmentID = delta.ID()
	res.DocID = docID
	return res, nil
}

// retireFile tombstones every document currently mapped to fileID. Live
// segments record the deletion and are re-persisted so it survives a
// restart and counts towards their deleted ratio.
func (e *Engine) retireFile(ctx context.Context, fileID string) (int, error) {
	prev, err := e.reg.FindDocsByFileID(ctx, fileID)
	if err != nil {
		return 0, fmt.Errorf("finding docs for file %s: %w", fileID, err)
	}
	touched := make(map[*segment.Segment]struct{})
	for _, p := range prev {
		if err := e.reg.AddSegmentTombstone(ctx, p.SegmentID, p.DocID); err != nil {
			return 0, fmt.Errorf("tombstoning %s/%d: %w", p.SegmentID, p.DocID, err)
		}
		if err := e.reg.UnmapDoc(ctx, p.SegmentID, p.DocID); err != nil {
			return 0, fmt.Errorf("unmapping %s/%d: %w", p.SegmentID, p.DocID, err)
		}
		if seg, ok := e.live.Get(p.SegmentID); ok {
			seg.DeleteDoc(p.DocID)
			touched[seg] = struct{}{}
		}
	}
	for seg := range touched {
		if err := seg.Persist(); err != nil {
			return 0, fmt.Errorf("persisting tombstones for %s: %w", seg.ID(), err)
		}
	}
	return len(prev), nil
}

// MergeWithBudget compacts the knapsack selection under budgetBytes and
// returns the number of segments consumed.
func (e *Engine) MergeWithBudget(ctx context.Context, budgetBytes int) (int, error) {
	return e.merge(ctx, planner.StrategyKnapsack, budgetBytes)
}

// MergeGreedy compacts the maxPick segments with the highest deleted ratio.
func (e *Engine) MergeGreedy(ctx context.Context, maxPick int) (int, error) {
	return e.merge(ctx, planner.StrategyGreedy, maxPick)
}

func (e *Engine) merge(ctx context.Context, strategy planner.Strategy, limit int) (n int, err error) {
	if e.closed.Load() {
		return 0, apperrors.ErrEngineClosed
	}
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	status := "merged"
	defer func() {
		if err != nil {
			status = "error"
		}
		e.metrics.MergesTotal.WithLabelValues(string(strategy), status).Inc()
	}()

	snap := e.live.Snapshot()
	plan, err := planner.Plan(strategy, snap, limit)
	if err != nil {
		return 0, err
	}
	plan = inLiveOrder(snap, plan)
	if len(plan) == 0 {
		status = "noop"
		return 0, nil
	}

	id := e.nextMergeID()
	ctx, span := tracing.StartSpan(ctx, "merge", id)
	span.SetAttr("strategy", string(strategy))
	span.SetAttr("inputs", len(plan))
	defer func() {
		span.RecordError(err)
		span.End()
		span.Log(e.logger)
	}()

	_, build := tracing.StartChildSpan(ctx, "build")
	out, err := segment.MergeWithRemap(e.cfg.DataDir, id, plan)
	build.RecordError(err)
	build.End()
	if err != nil {
		return 0, fmt.Errorf("merging %d segments: %w", len(plan), err)
	}
	build.SetAttr("live_docs", len(out.Remap))

	_, commit := tracing.StartChildSpan(ctx, "commit")
	err = e.commitMerge(ctx, plan, out)
	commit.RecordError(err)
	commit.End()
	if err != nil {
		if rmErr := out.Segment.Remove(); rmErr != nil {
			e.logger.Warn("removing uncommitted merge output", "segment_id", id, "error", rmErr)
		}
		if rmErr := e.reg.DeleteDocsBySegment(ctx, id); rmErr != nil {
			e.logger.Warn("removing uncommitted merge mappings", "segment_id", id, "error", rmErr)
		}
		return 0, err
	}

	cleanupCtx, cleanup := tracing.StartChildSpan(ctx, "cleanup")
	e.cleanupInputs(cleanupCtx, plan)
	cleanup.End()

	e.metrics.SegmentsMergedTotal.Add(float64(len(plan)))
	e.logger.Info("segments merged",
		"merge_id", id,
		"strategy", strategy,
		"inputs", len(plan),
		"live_docs", len(out.Remap),
	)
	e.notify(ctx)
	return len(plan), nil
}

// commitMerge carries document identity over to the merged segment and
// swaps it into the live set. Inputs deleted while the merge was building
// are deleted in the output too.
func (e *Engine) commitMerge(ctx context.Context, inputs []*segment.Segment, out *segment.MergeOutcome) error {
	byID := make(map[string]*segment.Segment, len(inputs))
	for _, s := range inputs {
		byID[s.ID()] = s
	}
	merged := out.Segment

	e.identityMu.Lock()
	defer e.identityMu.Unlock()

	lateDeletes := false
	for i, src := range out.Remap {
		newID := int32(i)
		if byID[src.SegmentID].IsDeleted(src.DocID) {
			merged.DeleteDoc(newID)
			lateDeletes = true
			continue
		}
		fileID, ok, err := e.reg.ResolveFileID(ctx, src.SegmentID, src.DocID)
		if err != nil {
			return fmt.Errorf("resolving %s/%d: %w", src.SegmentID, src.DocID, err)
		}
		if !ok {
			continue
		}
		if err := e.reg.MapDoc(ctx, merged.ID(), newID, fileID); err != nil {
			return fmt.Errorf("mapping merged doc %s/%d: %w", merged.ID(), newID, err)
		}
	}
	if lateDeletes {
		if err := merged.Persist(); err != nil {
			return fmt.Errorf("persisting merged segment %s: %w", merged.ID(), err)
		}
	}
	if err := e.reg.UpsertSegment(ctx, merged.ID(), merged.Path()); err != nil {
		return fmt.Errorf("registering merged segment %s: %w", merged.ID(), err)
	}
	e.live.Replace(inputs, merged)
	e.metrics.LiveSegments.Set(float64(e.live.Len()))
	return nil
}

// cleanupInputs forgets merged-away segments. Failures are logged: the
// inputs are no longer searchable, so leftover rows only waste space.
func (e *Engine) cleanupInputs(ctx context.Context, inputs []*segment.Segment) {
	for _, s := range inputs {
		segID := s.ID()
		err := resilience.Retry(ctx, "registry-cleanup", e.cleanupRetry, func(ctx context.Context) error {
			if err := e.reg.RemoveSegment(ctx, segID); err != nil {
				return err
			}
			if err := e.reg.DeleteDocsBySegment(ctx, segID); err != nil {
				return err
			}
			return e.reg.DeleteSegmentTombstones(ctx, segID)
		})
		if err != nil {
			e.logger.Warn("registry cleanup failed", "segment_id", segID, "error", err)
		}
		if err := s.Remove(); err != nil {
			e.logger.Warn("removing merged segment file", "segment_id", segID, "error", err)
		}
	}
}

// inLiveOrder returns picked sorted by position in snap, which fixes the
// remap order of a merge regardless of how the planner ranked its inputs.
func inLiveOrder(snap, picked []*segment.Segment) []*segment.Segment {
	want := make(map[*segment.Segment]struct{}, len(picked))
	for _, s := range picked {
		want[s] = struct{}{}
	}
	out := make([]*segment.Segment, 0, len(picked))
	for _, s := range snap {
		if _, ok := want[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) nextMergeID() string {
	return fmt.Sprintf("%s%d-%d", mergePrefix, e.now().UnixMilli(), e.mergeSeq.Add(1))
}

// MergeScheduled runs one merge with the configured strategy.
func (e *Engine) MergeScheduled(ctx context.Context) (int, error) {
	strategy, err := planner.ParseStrategy(e.cfg.MergeStrategy)
	if err != nil {
		return 0, err
	}
	switch strategy {
	case planner.StrategyGreedy:
		return e.MergeGreedy(ctx, e.cfg.MergeMaxPick)
	default:
		return e.MergeWithBudget(ctx, e.cfg.MergeBudgetBytes)
	}
}

// StartMergeLoop merges on every MergeInterval tick until ctx is done. Ticks
// with a single clean segment are skipped since rewriting it gains nothing.
func (e *Engine) StartMergeLoop(ctx context.Context) {
	if e.cfg.MergeInterval <= 0 {
		e.logger.Info("merge loop disabled")
		return
	}
	ticker := time.NewTicker(e.cfg.MergeInterval)
	e.loopWG.Add(1)
	go func() {
		defer e.loopWG.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("merge loop stopping", "reason", ctx.Err())
				return
			case <-e.stop:
				e.logger.Info("merge loop stopping", "reason", "engine closed")
				return
			case <-ticker.C:
				if !worthMerging(e.live.Snapshot()) {
					continue
				}
				if _, err := e.MergeScheduled(ctx); err != nil && !errors.Is(err, context.Canceled) {
					e.logger.Error("periodic merge failed", "error", err)
				}
			}
		}
	}()
}

func worthMerging(segs []*segment.Segment) bool {
	if len(segs) > 1 {
		return true
	}
	return len(segs) == 1 && segs[0].DeletedCount() > 0
}

// Close stops accepting work and waits for the merge loop to exit. The
// registry is owned by the caller and stays open.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	close(e.stop)
	e.loopWG.Wait()
	e.logger.Info("engine closed", "live_segments", e.live.Len())
	return nil
}

// Ping fails once the engine is closed.
func (e *Engine) Ping(context.Context) error {
	if e.closed.Load() {
		return apperrors.ErrEngineClosed
	}
	return nil
}

func (e *Engine) notify(ctx context.Context) {
	for _, fn := range e.hooks {
		fn(ctx)
	}
}
