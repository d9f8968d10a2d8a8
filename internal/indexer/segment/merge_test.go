package segment

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSegment(t *testing.T, dir, id string, docs ...[]string) *Segment {
	t.Helper()
	s := New(dir, id)
	for _, terms := range docs {
		s.AddDoc(terms)
	}
	require.NoError(t, s.Persist())
	return s
}

func TestMergeWithRemap_RenumbersContiguously(t *testing.T) {
	dir := t.TempDir()
	a := buildSegment(t, dir, "delta-1",
		[]string{"quick", "fox"},
		[]string{"lazy", "dog"},
		[]string{"quick", "dog"},
	)
	b := buildSegment(t, dir, "delta-2",
		[]string{"quick", "cat"},
		[]string{"fox"},
	)
	a.DeleteDoc(2)

	out, err := MergeWithRemap(dir, "merge-1", []*Segment{a, b})
	require.NoError(t, err)

	assert.Equal(t, []DocPointer{
		{SegmentID: "delta-1", DocID: 1},
		{SegmentID: "delta-1", DocID: 3},
		{SegmentID: "delta-2", DocID: 1},
		{SegmentID: "delta-2", DocID: 2},
	}, out.Remap)

	merged := out.Segment
	assert.Equal(t, int32(4), merged.MaxDocID())
	assert.Zero(t, merged.DeletedCount())
	assert.Equal(t, []int32{0, 1, 2}, merged.RawPostings("quick"))
	assert.Equal(t, []int32{0, 3}, merged.RawPostings("fox"))
	assert.Equal(t, []int32{1}, merged.RawPostings("dog"))
	assert.Equal(t, []int32{2}, merged.RawPostings("cat"))
	assert.Nil(t, merged.RawPostings("lazy"), "terms held only by deleted docs are dropped")
	assert.True(t, merged.MightContainTerm("cat"))

	reloaded, err := Load(dir, "merge-1")
	require.NoError(t, err)
	assert.Equal(t, merged.Terms(), reloaded.Terms())
	assert.Equal(t, merged.MaxDocID(), reloaded.MaxDocID())
}

func TestMergeWithRemap_RemapCompleteness(t *testing.T) {
	dir := t.TempDir()
	var segs []*Segment
	wantLive := 0
	for i := 0; i < 6; i++ {
		s := New(dir, fmt.Sprintf("delta-%d", i))
		for d := 0; d < 5+i; d++ {
			s.AddDoc([]string{fmt.Sprintf("t%d", d%3), "common"})
		}
		for d := int32(1); d <= int32(i); d++ {
			s.DeleteDoc(d * 2)
		}
		wantLive += int(s.MaxDocID()) - s.DeletedCount()
		require.NoError(t, s.Persist())
		segs = append(segs, s)
	}

	out, err := MergeWithRemap(dir, "merge-x", segs)
	require.NoError(t, err)
	assert.Len(t, out.Remap, wantLive)
	assert.Equal(t, int32(len(out.Remap)), out.Segment.MaxDocID())
	assert.Zero(t, out.Segment.DeletedCount())
	assert.Len(t, out.Segment.RawPostings("common"), wantLive)

	// Every new id maps back to a live source posting carrying the same terms.
	bySeg := make(map[string]*Segment)
	for _, s := range segs {
		bySeg[s.ID()] = s
	}
	for newID, ptr := range out.Remap {
		src := bySeg[ptr.SegmentID]
		require.NotNil(t, src)
		assert.False(t, src.IsDeleted(ptr.DocID))
		assert.Contains(t, out.Segment.RawPostings("common"), int32(newID))
	}
}

func TestMergeWithRemap_DropsDocsWithoutPostings(t *testing.T) {
	dir := t.TempDir()
	a := buildSegment(t, dir, "delta-1", []string{}, []string{"fox"})

	out, err := MergeWithRemap(dir, "merge-1", []*Segment{a})
	require.NoError(t, err)
	assert.Equal(t, []DocPointer{{SegmentID: "delta-1", DocID: 2}}, out.Remap)
	assert.Equal(t, int32(1), out.Segment.MaxDocID())
}

func TestMergeWithRemap_AllDeleted(t *testing.T) {
	dir := t.TempDir()
	a := buildSegment(t, dir, "delta-1", []string{"fox"})
	a.DeleteDoc(1)

	out, err := MergeWithRemap(dir, "merge-1", []*Segment{a})
	require.NoError(t, err)
	assert.Empty(t, out.Remap)
	assert.Zero(t, out.Segment.MaxDocID())
	assert.Empty(t, out.Segment.Terms())
	assert.Zero(t, out.Segment.DeletedRatio())
}

func TestMergeWithRemap_OrderDeterminesIDs(t *testing.T) {
	dir := t.TempDir()
	a := buildSegment(t, dir, "delta-1", []string{"x"})
	b := buildSegment(t, dir, "delta-2", []string{"x"})

	ab, err := MergeWithRemap(dir, "merge-ab", []*Segment{a, b})
	require.NoError(t, err)
	ba, err := MergeWithRemap(dir, "merge-ba", []*Segment{b, a})
	require.NoError(t, err)

	assert.Equal(t, "delta-1", ab.Remap[0].SegmentID)
	assert.Equal(t, "delta-2", ba.Remap[0].SegmentID)
}

func TestMerge_UnionsWithoutRenumbering(t *testing.T) {
	dir := t.TempDir()
	a := buildSegment(t, dir, "delta-1", []string{"fox"}, []string{"dog"})
	b := buildSegment(t, dir, "delta-2", []string{"fox", "dog"})

	merged, err := Merge(dir, "merge-raw", []*Segment{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, merged.RawPostings("fox"))
	assert.Equal(t, []int32{1, 2}, merged.RawPostings("dog"))
	assert.Equal(t, int32(2), merged.MaxDocID())
	assert.FileExists(t, merged.Path())
}
