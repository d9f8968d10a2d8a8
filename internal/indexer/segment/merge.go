package segment

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// MergeOutcome is a freshly built merged segment plus its doc remap:
// Remap[i] is where the merged segment's local id i came from.
type MergeOutcome struct {
	Segment *Segment
	Remap   []DocPointer
}

// Merge unions raw postings of segs by term without renumbering. Local ids
// from different sources collide, so the result cannot be mapped back to
// documents; the coordinator always uses MergeWithRemap instead.
func Merge(dir, newID string, segs []*Segment) (*Segment, error) {
	agg := make(map[string]*roaring.Bitmap)
	for _, s := range segs {
		for term, ids := range s.postings {
			bm, ok := agg[term]
			if !ok {
				bm = roaring.New()
				agg[term] = bm
			}
			addIDs(bm, ids)
		}
	}
	out := New(dir, newID)
	for term, bm := range agg {
		out.postings[term] = toInt32(bm)
		out.filter.Add(term)
		if n := int32(bm.GetCardinality()); n > out.maxDocID {
			out.maxDocID = n
		}
	}
	if err := out.Persist(); err != nil {
		return nil, fmt.Errorf("persisting merged segment %s: %w", newID, err)
	}
	return out, nil
}

// MergeWithRemap compacts segs into one segment with a contiguous id space
// 0..N-1 and an empty deletion set. Live documents are numbered in input
// order, then by ascending old id, so callers must pass segs in a stable
// order for reproducible remaps.
//
// A document is considered live when it appears in at least one
// deletion-filtered posting. Documents with no postings at all receive no
// new id and are dropped.
func MergeWithRemap(dir, newID string, segs []*Segment) (*MergeOutcome, error) {
	live := make([]*roaring.Bitmap, len(segs))
	for i, s := range segs {
		bm := roaring.New()
		for term := range s.postings {
			addIDs(bm, s.Postings(term))
		}
		live[i] = bm
	}

	remap := make([]DocPointer, 0)
	oldToNew := make([]map[int32]int32, len(segs))
	var next int32
	for i, s := range segs {
		m := make(map[int32]int32, live[i].GetCardinality())
		it := live[i].Iterator()
		for it.HasNext() {
			oldID := int32(it.Next())
			m[oldID] = next
			remap = append(remap, DocPointer{SegmentID: s.id, DocID: oldID})
			next++
		}
		oldToNew[i] = m
	}

	agg := make(map[string]*roaring.Bitmap)
	for i, s := range segs {
		for term := range s.postings {
			src := s.Postings(term)
			if len(src) == 0 {
				continue
			}
			bm, ok := agg[term]
			if !ok {
				bm = roaring.New()
				agg[term] = bm
			}
			for _, oldID := range src {
				bm.Add(uint32(oldToNew[i][oldID]))
			}
		}
	}

	out := New(dir, newID)
	for term, bm := range agg {
		out.postings[term] = toInt32(bm)
		out.filter.Add(term)
	}
	out.maxDocID = next

	if err := out.Persist(); err != nil {
		return nil, fmt.Errorf("persisting merged segment %s: %w", newID, err)
	}
	return &MergeOutcome{Segment: out, Remap: remap}, nil
}

func addIDs(bm *roaring.Bitmap, ids []int32) {
	for _, id := range ids {
		bm.Add(uint32(id))
	}
}

func toInt32(bm *roaring.Bitmap) []int32 {
	raw := bm.ToArray()
	out := make([]int32, len(raw))
	for i, v := range raw {
		out[i] = int32(v)
	}
	return out
}
