package indexer

import (
	"sync"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/segment"
)

// liveSet is the ordered set of searchable segments. Readers load an
// immutable slice without locking; writers serialise on mu and publish a
// fresh slice on every change.
type liveSet struct {
	mu   sync.Mutex
	segs atomic.Pointer[[]*segment.Segment]
}

func newLiveSet(initial []*segment.Segment) *liveSet {
	l := &liveSet{}
	segs := append([]*segment.Segment(nil), initial...)
	l.segs.Store(&segs)
	return l
}

// Snapshot returns the current segments. The slice is never mutated and
// must not be modified by the caller.
func (l *liveSet) Snapshot() []*segment.Segment {
	return *l.segs.Load()
}

func (l *liveSet) Len() int {
	return len(l.Snapshot())
}

func (l *liveSet) Add(s *segment.Segment) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := *l.segs.Load()
	next := make([]*segment.Segment, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	l.segs.Store(&next)
	return len(next)
}

// Replace removes every segment in remove that is still present and appends
// add, in one transition. It returns the segments actually removed.
func (l *liveSet) Replace(remove []*segment.Segment, add *segment.Segment) []*segment.Segment {
	drop := make(map[*segment.Segment]struct{}, len(remove))
	for _, s := range remove {
		drop[s] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	cur := *l.segs.Load()
	next := make([]*segment.Segment, 0, len(cur)+1)
	removed := make([]*segment.Segment, 0, len(remove))
	for _, s := range cur {
		if _, ok := drop[s]; ok {
			removed = append(removed, s)
			continue
		}
		next = append(next, s)
	}
	if add != nil {
		next = append(next, add)
	}
	l.segs.Store(&next)
	return removed
}

func (l *liveSet) Get(id string) (*segment.Segment, bool) {
	for _, s := range l.Snapshot() {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}
