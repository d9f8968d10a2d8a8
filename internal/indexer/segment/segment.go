// Package segment implements the index segment: a term → postings table over
// a local document id space, a set of deleted (tombstoned) local ids, and a
// bloom filter over every term ever added. Segments are persisted as one
// binary file each and are immutable after publication except for deletion
// set growth.
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/bloom"
)

// FileExt is the suffix of every segment file.
const FileExt = ".seg"

// DocPointer identifies a document by the segment it lives in and its local
// id there.
type DocPointer struct {
	SegmentID string `json:"segment_id"`
	DocID     int32  `json:"doc_id"`
}

// Stats summarises a segment for planning and debugging.
type Stats struct {
	ID                string  `json:"segment_id"`
	MaxDocID          int32   `json:"max_doc_id"`
	Terms             int     `json:"terms"`
	DeletedDocs       int     `json:"deleted_docs"`
	SizeBytesEstimate int     `json:"size_bytes_estimate"`
	DeletedRatio      float64 `json:"deleted_ratio"`
}

// Segment is a single unit of postings storage. Postings are written only
// while the owning ingest call builds the segment; the deletion set may be
// extended concurrently afterwards.
type Segment struct {
	dir      string
	id       string
	maxDocID int32
	postings map[string][]int32
	filter   *bloom.Filter

	mu      sync.RWMutex
	deleted map[int32]struct{}

	persistMu sync.Mutex
	removed   bool
}

// New creates an empty segment that will be persisted under dir.
func New(dir, id string) *Segment {
	return &Segment{
		dir:      dir,
		id:       id,
		postings: make(map[string][]int32),
		filter:   bloom.New(),
		deleted:  make(map[int32]struct{}),
	}
}

func (s *Segment) ID() string { return s.id }

func (s *Segment) Dir() string { return s.dir }

// Path returns the location of the segment file.
func (s *Segment) Path() string {
	return FilePath(s.dir, s.id)
}

// FilePath returns the file that backs segment id inside dir.
func FilePath(dir, id string) string {
	return filepath.Join(dir, id+FileExt)
}

// MaxDocID returns the highest local id handed out by AddDoc, or the live
// document count for a merged segment.
func (s *Segment) MaxDocID() int32 { return s.maxDocID }

// AddDoc assigns the next local id (the first document gets 1) and appends it
// to the postings of every distinct term.
func (s *Segment) AddDoc(terms []string) int32 {
	s.maxDocID++
	docID := s.maxDocID
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		s.postings[t] = append(s.postings[t], docID)
		s.filter.Add(t)
	}
	return docID
}

// DeleteDoc records a tombstone for docID. Postings and the filter are left
// untouched until the segment is merged.
func (s *Segment) DeleteDoc(docID int32) {
	s.mu.Lock()
	s.deleted[docID] = struct{}{}
	s.mu.Unlock()
}

// IsDeleted reports whether docID carries a tombstone.
func (s *Segment) IsDeleted(docID int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.deleted[docID]
	return ok
}

// MightContainTerm returns false only if term is definitely absent.
func (s *Segment) MightContainTerm(term string) bool {
	return s.filter.MightContain(term)
}

// Postings returns the live postings for term, skipping deleted ids.
func (s *Segment) Postings(term string) []int32 {
	raw := s.postings[term]
	if len(raw) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.deleted) == 0 {
		return append([]int32(nil), raw...)
	}
	filtered := make([]int32, 0, len(raw))
	for _, id := range raw {
		if _, gone := s.deleted[id]; !gone {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

// RawPostings returns postings for term including deleted ids. The returned
// slice must not be modified.
func (s *Segment) RawPostings(term string) []int32 {
	return s.postings[term]
}

// Terms returns every term in the segment in ascending order.
func (s *Segment) Terms() []string {
	terms := make([]string, 0, len(s.postings))
	for t := range s.postings {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	return terms
}

// SizeBytesEstimate is a coarse cost proxy used by the merge planners:
// the sum of term lengths plus four bytes per posting.
func (s *Segment) SizeBytesEstimate() int {
	sum := 0
	for term, ids := range s.postings {
		sum += len(term) + 4*len(ids)
	}
	return sum
}

// DeletedCount returns the number of tombstoned ids.
func (s *Segment) DeletedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deleted)
}

// DeletedRatio is |deleted| / maxDocID, or 0 for an empty id space.
func (s *Segment) DeletedRatio() float64 {
	if s.maxDocID <= 0 {
		return 0
	}
	ratio := float64(s.DeletedCount()) / float64(s.maxDocID)
	if ratio > 1 {
		return 1
	}
	return ratio
}

func (s *Segment) Stats() Stats {
	return Stats{
		ID:                s.id,
		MaxDocID:          s.maxDocID,
		Terms:             len(s.postings),
		DeletedDocs:       s.DeletedCount(),
		SizeBytesEstimate: s.SizeBytesEstimate(),
		DeletedRatio:      s.DeletedRatio(),
	}
}

// Remove deletes the backing file. A segment that has been removed is never
// persisted again, so a late tombstone cannot resurrect its file.
func (s *Segment) Remove() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.removed = true
	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing segment file %s: %w", s.id, err)
	}
	return nil
}

// deletedSorted snapshots the deletion set in ascending order.
func (s *Segment) deletedSorted() []int32 {
	s.mu.RLock()
	ids := make([]int32, 0, len(s.deleted))
	for id := range s.deleted {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
