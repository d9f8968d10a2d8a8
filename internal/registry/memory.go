package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/segment"
)

// Memory is an in-process Registry. Nothing survives a restart, so it is
// meant for tests and single-process development runs.
type Memory struct {
	mu          sync.RWMutex
	segments    map[string]segmentRow
	seq         int64
	docs        map[segment.DocPointer]string
	fileTombs   map[string]struct{}
	legacyTombs map[segment.DocPointer]struct{}
}

type segmentRow struct {
	path  string
	order int64
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		segments:    make(map[string]segmentRow),
		docs:        make(map[segment.DocPointer]string),
		fileTombs:   make(map[string]struct{}),
		legacyTombs: make(map[segment.DocPointer]struct{}),
	}
}

func (m *Memory) UpsertSegment(_ context.Context, segID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.segments[segID]
	if !ok {
		m.seq++
		row.order = m.seq
	}
	row.path = path
	m.segments[segID] = row
	return nil
}

func (m *Memory) ListSegmentIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.segments))
	for id := range m.segments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.segments[ids[i]].order < m.segments[ids[j]].order
	})
	return ids, nil
}

func (m *Memory) RemoveSegment(_ context.Context, segID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.segments, segID)
	return nil
}

// SegmentPath returns the registered path of segID.
func (m *Memory) SegmentPath(segID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.segments[segID]
	return row.path, ok
}

func (m *Memory) MapDoc(_ context.Context, segID string, docID int32, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[segment.DocPointer{SegmentID: segID, DocID: docID}] = fileID
	return nil
}

func (m *Memory) ResolveFileID(_ context.Context, segID string, docID int32) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fileID, ok := m.docs[segment.DocPointer{SegmentID: segID, DocID: docID}]
	return fileID, ok, nil
}

func (m *Memory) FindDocsByFileID(_ context.Context, fileID string) ([]segment.DocPointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []segment.DocPointer
	for ptr, fid := range m.docs {
		if fid == fileID {
			out = append(out, ptr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SegmentID != out[j].SegmentID {
			return out[i].SegmentID < out[j].SegmentID
		}
		return out[i].DocID < out[j].DocID
	})
	return out, nil
}

func (m *Memory) UnmapDoc(_ context.Context, segID string, docID int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, segment.DocPointer{SegmentID: segID, DocID: docID})
	return nil
}

func (m *Memory) DeleteDocsBySegment(_ context.Context, segID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ptr := range m.docs {
		if ptr.SegmentID == segID {
			delete(m.docs, ptr)
		}
	}
	return nil
}

func (m *Memory) AddFileTombstone(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileTombs[fileID] = struct{}{}
	return nil
}

func (m *Memory) ClearFileTombstone(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fileTombs, fileID)
	return nil
}

func (m *Memory) IsFileTombstoned(_ context.Context, fileID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.fileTombs[fileID]
	return ok, nil
}

func (m *Memory) AddSegmentTombstone(_ context.Context, segID string, docID int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacyTombs[segment.DocPointer{SegmentID: segID, DocID: docID}] = struct{}{}
	return nil
}

func (m *Memory) IsSegmentTombstoned(_ context.Context, segID string, docID int32) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.legacyTombs[segment.DocPointer{SegmentID: segID, DocID: docID}]
	return ok, nil
}

func (m *Memory) DeleteSegmentTombstones(_ context.Context, segID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.legacyTombs {
		if p.SegmentID == segID {
			delete(m.legacyTombs, p)
		}
	}
	return nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
