// Package executor answers boolean AND queries over a snapshot of the live
// segment set and resolves matching documents to file ids.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/searcher/parser"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/metrics"
)

// SegmentSource supplies the segments to search. indexer.Engine implements
// it.
type SegmentSource interface {
	Segments() []*segment.Segment
}

// FileResolver maps documents to file ids and reports deleted files.
// registry.Registry implements it.
type FileResolver interface {
	ResolveFileID(ctx context.Context, segID string, docID int32) (string, bool, error)
	IsFileTombstoned(ctx context.Context, fileID string) (bool, error)
}

// Hit is one matching document, reported for the first time its file was
// seen.
type Hit struct {
	SegmentID string `json:"segment_id"`
	DocID     int32  `json:"doc_id"`
	FileID    string `json:"file_id"`
}

type SearchResult struct {
	Query     string   `json:"query"`
	TotalHits int      `json:"total_hits"`
	FileIDs   []string `json:"file_ids"`
	Hits      []Hit    `json:"hits"`
}

func emptyResult(query string) *SearchResult {
	return &SearchResult{Query: query, FileIDs: []string{}, Hits: []Hit{}}
}

type Executor struct {
	segments SegmentSource
	files    FileResolver
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New returns an executor. A nil m records into a throwaway registry.
func New(segments SegmentSource, files FileResolver, m *metrics.Metrics) *Executor {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Executor{
		segments: segments,
		files:    files,
		metrics:  m,
		logger:   slog.Default().With("component", "query-executor"),
	}
}

// Execute returns the file ids of documents containing every query term.
// Files are ordered by first discovery: segments in live-set order, then
// ascending local doc id. Documents without a file mapping and files with a
// file-level tombstone are skipped.
func (x *Executor) Execute(ctx context.Context, query string) (result *SearchResult, err error) {
	start := time.Now()
	defer func() {
		x.metrics.SearchLatency.Observe(time.Since(start).Seconds())
		switch {
		case err != nil:
			x.metrics.SearchQueriesTotal.WithLabelValues(metrics.ResultError).Inc()
		case result.TotalHits == 0:
			x.metrics.SearchQueriesTotal.WithLabelValues(metrics.ResultZeroResult).Inc()
		default:
			x.metrics.SearchQueriesTotal.WithLabelValues(metrics.ResultHit).Inc()
		}
	}()

	plan := parser.Parse(query)
	if len(plan.Terms) == 0 {
		return emptyResult(query), nil
	}
	segs := x.segments.Segments()
	matches := intersect(segs, plan.Terms)
	if matches == nil {
		return emptyResult(query), nil
	}

	result = emptyResult(query)
	seen := make(map[string]struct{})
	tombstoned := make(map[string]bool)
	for i, s := range segs {
		bm := matches[i]
		if bm == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("executing query: %w", err)
		}
		it := bm.Iterator()
		for it.HasNext() {
			docID := int32(it.Next())
			fileID, ok, err := x.files.ResolveFileID(ctx, s.ID(), docID)
			if err != nil {
				return nil, fmt.Errorf("resolving %s/%d: %w", s.ID(), docID, err)
			}
			if !ok {
				continue
			}
			if _, dup := seen[fileID]; dup {
				continue
			}
			dead, checked := tombstoned[fileID]
			if !checked {
				dead, err = x.files.IsFileTombstoned(ctx, fileID)
				if err != nil {
					return nil, fmt.Errorf("checking tombstone for %s: %w", fileID, err)
				}
				tombstoned[fileID] = dead
			}
			if dead {
				continue
			}
			seen[fileID] = struct{}{}
			result.FileIDs = append(result.FileIDs, fileID)
			result.Hits = append(result.Hits, Hit{SegmentID: s.ID(), DocID: docID, FileID: fileID})
		}
	}
	result.TotalHits = len(result.FileIDs)

	logger.FromContext(ctx).Debug("query executed",
		"query", query,
		"terms", plan.Terms,
		"segments", len(segs),
		"hits", result.TotalHits,
	)
	return result, nil
}

// intersect returns, per segment index, the local ids containing every
// term, or nil when no segment matches. Postings are raw: deleted documents
// are filtered later through the registry.
func intersect(segs []*segment.Segment, terms []string) []*roaring.Bitmap {
	acc := make([]*roaring.Bitmap, len(segs))
	for i, s := range segs {
		acc[i] = termBitmap(s, terms[0])
	}
	for _, term := range terms[1:] {
		matched := false
		for i, s := range segs {
			if acc[i] == nil {
				continue
			}
			next := termBitmap(s, term)
			if next == nil {
				acc[i] = nil
				continue
			}
			acc[i].And(next)
			if acc[i].IsEmpty() {
				acc[i] = nil
				continue
			}
			matched = true
		}
		if !matched {
			return nil
		}
	}
	for _, bm := range acc {
		if bm != nil {
			return acc
		}
	}
	return nil
}

func termBitmap(s *segment.Segment, term string) *roaring.Bitmap {
	if !s.MightContainTerm(term) {
		return nil
	}
	ids := s.RawPostings(term)
	if len(ids) == 0 {
		return nil
	}
	bm := roaring.New()
	for _, id := range ids {
		bm.Add(uint32(id))
	}
	return bm
}
