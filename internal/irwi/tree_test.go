// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		BlockSize:      4096,
		Lambda:         4,
		FanoutInternal: 4,
		FanoutLeaf:     4,
		Beta:           0.5,
		CacheBlocks:    16,
		Checksum:       true,
	}
}

func unit(x1, y1, t1, x2, y2, t2 float32, label Label) TrajectoryUnit {
	return TrajectoryUnit{
		Start: Point3{X: x1, Y: y1, T: uint32(t1)},
		End:   Point3{X: x2, Y: y2, T: uint32(t2)},
		Label: label,
	}
}

func box(x1, y1, t1, x2, y2, t2 float32) BoundingBox {
	return NewBoundingBox(
		Point3{X: x1, Y: y1, T: uint32(t1)},
		Point3{X: x2, Y: y2, T: uint32(t2)},
	)
}

func TestInsertAndSimpleQuery(t *testing.T) {
	tr, err := Create(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Insert(TreeEntry{
		ID: 1, Index: 0,
		Unit: unit(0, 0, 0, 10, 10, 10, 1),
	}))

	matches, err := tr.Query(SequencedQuery{
		{Rect: box(-1, -1, -1, 11, 11, 11), Labels: map[Label]struct{}{1: {}}},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, TrajectoryID(1), matches[0].ID)
	assert.Len(t, matches[0].Units, 1)
	assert.Equal(t, UnitIndex(0), matches[0].Units[0].Index)
}

func TestQueryNoTemporalOverlapReturnsEmpty(t *testing.T) {
	tr, err := Create(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Insert(TreeEntry{
		ID: 1, Index: 0,
		Unit: unit(0, 0, 0, 10, 10, 10, 1),
	}))

	matches, err := tr.Query(SequencedQuery{
		{Rect: box(-1, -1, 100, 11, 11, 200), Labels: map[Label]struct{}{1: {}}},
	})
	require.NoError(t, err)
	assert.Empty(t, matches, "query outside the unit's time range must return nothing, not an error")
}

func TestSequencedTwoStageQuery(t *testing.T) {
	tr, err := Create(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer tr.Close()

	// Trajectory 1 passes through rect A at t=0..5, then rect B at t=10..15.
	require.NoError(t, tr.Insert(TreeEntry{ID: 1, Index: 0, Unit: unit(0, 0, 0, 1, 1, 5, 1)}))
	require.NoError(t, tr.Insert(TreeEntry{ID: 1, Index: 1, Unit: unit(20, 20, 10, 21, 21, 15, 1)}))

	// Trajectory 2 only ever visits rect A, never rect B.
	require.NoError(t, tr.Insert(TreeEntry{ID: 2, Index: 0, Unit: unit(0, 0, 0, 1, 1, 5, 1)}))

	matches, err := tr.Query(SequencedQuery{
		{Rect: box(-1, -1, -1, 2, 2, 6), Labels: map[Label]struct{}{1: {}}},
		{Rect: box(19, 19, 9, 22, 22, 16), Labels: map[Label]struct{}{1: {}}},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1, "only trajectory 1 satisfies both stages in order")
	assert.Equal(t, TrajectoryID(1), matches[0].ID)
}

func TestSequencedThreeStageQueryWithOverlappingUnitIndices(t *testing.T) {
	tr, err := Create(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer tr.Close()

	// Trajectory 1 visits rect A at unit_index 0 and 5, rect B at 3 and 10,
	// rect C at 8 and 12. A valid increasing chain exists across all three
	// stages (0 < 3 < 8), even though G_1's unit_index range (3..10)
	// overlaps both G_0's (0..5) and G_2's (8..12).
	require.NoError(t, tr.Insert(TreeEntry{ID: 1, Index: 0, Unit: unit(0, 0, 0, 1, 1, 1, 1)}))
	require.NoError(t, tr.Insert(TreeEntry{ID: 1, Index: 5, Unit: unit(0, 0, 5, 1, 1, 6, 1)}))
	require.NoError(t, tr.Insert(TreeEntry{ID: 1, Index: 3, Unit: unit(10, 10, 3, 11, 11, 4, 1)}))
	require.NoError(t, tr.Insert(TreeEntry{ID: 1, Index: 10, Unit: unit(10, 10, 10, 11, 11, 11, 1)}))
	require.NoError(t, tr.Insert(TreeEntry{ID: 1, Index: 8, Unit: unit(20, 20, 8, 21, 21, 9, 1)}))
	require.NoError(t, tr.Insert(TreeEntry{ID: 1, Index: 12, Unit: unit(20, 20, 12, 21, 21, 13, 1)}))

	matches, err := tr.Query(SequencedQuery{
		{Rect: box(-1, -1, -1, 2, 2, 7), Labels: map[Label]struct{}{1: {}}},
		{Rect: box(9, 9, 2, 12, 12, 5), Labels: map[Label]struct{}{1: {}}},
		{Rect: box(19, 19, 7, 22, 22, 14), Labels: map[Label]struct{}{1: {}}},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1, "an increasing chain 0 < 3 < 8 exists across the three stages")
	assert.Equal(t, TrajectoryID(1), matches[0].ID)

	var got []UnitIndex
	for _, m := range matches[0].Units {
		got = append(got, m.Index)
	}
	assert.ElementsMatch(t, []UnitIndex{0, 5, 8, 12}, got,
		"G_1's entries are consumed as witnesses (3) or left behind (10), contributing nothing to the match list")
}

func TestLabelOnlyBroadQuery(t *testing.T) {
	tr, err := Create(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer tr.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Insert(TreeEntry{
			ID:    TrajectoryID(i),
			Index: 0,
			Unit:  unit(float32(i), float32(i), uint32(i), float32(i)+1, float32(i)+1, uint32(i)+1, 7),
		}))
	}

	matches, err := tr.Query(SequencedQuery{
		{Rect: box(-100, -100, -100, 100, 100, 100), Labels: nil},
	})
	require.NoError(t, err)
	assert.Len(t, matches, 10, "empty Labels means any label, and the rectangle covers every unit")
}

func TestSplitPropagationGrowsHeight(t *testing.T) {
	tr, err := Create(t.TempDir(), Options{
		BlockSize:      512,
		Lambda:         4,
		FanoutInternal: 2,
		FanoutLeaf:     2,
		Beta:           0.5,
		CacheBlocks:    16,
		Checksum:       true,
	})
	require.NoError(t, err)
	defer tr.Close()

	for i := 0; i < 32; i++ {
		require.NoError(t, tr.Insert(TreeEntry{
			ID:    TrajectoryID(i),
			Index: 0,
			Unit:  unit(float32(i), float32(i), uint32(i), float32(i)+1, float32(i)+1, uint32(i)+1, 1),
		}))
	}

	assert.GreaterOrEqual(t, tr.Height(), uint64(2), "enough inserts with a fanout of 2 must force at least one split")
	assert.EqualValues(t, 32, tr.Size())
}

func TestBulkLoadMatchesInsertOneByOne(t *testing.T) {
	entries := make([]TreeEntry, 0, 16)
	for i := 0; i < 16; i++ {
		entries = append(entries, TreeEntry{
			ID:    TrajectoryID(i),
			Index: 0,
			Unit:  unit(float32(i), float32(i), uint32(i), float32(i)+1, float32(i)+1, uint32(i)+1, 3),
		})
	}

	inserted, err := Create(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer inserted.Close()
	for _, e := range entries {
		require.NoError(t, inserted.Insert(e))
	}

	bulk, err := Create(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer bulk.Close()
	idx := 0
	require.NoError(t, bulk.QuickLoad(func() (TreeEntry, bool) {
		if idx >= len(entries) {
			return TreeEntry{}, false
		}
		e := entries[idx]
		idx++
		return e, true
	}, QuickLoadOptions{MaxLeaves: 4}))

	assert.Equal(t, inserted.Size(), bulk.Size())

	q := SequencedQuery{{Rect: box(-1, -1, -1, 20, 20, 20), Labels: map[Label]struct{}{3: {}}}}
	insertedMatches, err := inserted.Query(q)
	require.NoError(t, err)
	bulkMatches, err := bulk.Query(q)
	require.NoError(t, err)
	assert.Len(t, bulkMatches, len(insertedMatches), "bulk load must be queryable and sound: same entries in, same trajectories out")
}

func TestOpenRejectsFormatMismatch(t *testing.T) {
	dir := t.TempDir()
	tr, err := Create(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	mismatched := testOptions()
	mismatched.Lambda = 99
	_, err = Open(dir, mismatched)
	assert.ErrorIs(t, err, ErrFormatMismatch)
}

func TestEmptyTreeQueryAndRoot(t *testing.T) {
	tr, err := Create(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer tr.Close()

	matches, err := tr.Query(SequencedQuery{{Rect: box(0, 0, 0, 1, 1, 1)}})
	require.NoError(t, err)
	assert.Nil(t, matches)

	_, err = tr.Root()
	assert.ErrorIs(t, err, ErrEmptyTree)
}
