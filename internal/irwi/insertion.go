// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

import (
	"fmt"

	"github.com/geodb/irwi/pkg/notify"
)

// minEntries returns ceil((f+2)/3), the minimum occupancy a non-root node
// of fanout f must retain after a split (§3 invariant).
func minEntries(f int) int { return (f + 4) / 3 }

// pathStep records one step of a descent: the internal node visited and the
// position of the child chosen there, so propagate can rewrite it after a
// split below.
type pathStep struct {
	node     NodePtr
	childIdx int
}

func (t *Tree) state() TreeState { return TreeState{Beta: t.beta, Lambda: int(t.hdr.Lambda)} }

// Insert adds a single trajectory unit entry to the tree (§4.6).
func (t *Tree) Insert(e TreeEntry) error {
	scope := t.accounting.Begin("insert")
	defer scope.Close()

	if t.hdr.Height == 0 {
		leaf, err := t.nodes.CreateLeaf()
		if err != nil {
			return err
		}
		if err := t.nodes.SetLeafEntry(leaf, 0, e); err != nil {
			return err
		}
		if err := t.nodes.SetCount(leaf, false, 1); err != nil {
			return err
		}
		t.hdr.RootHandle = uint64(leaf)
		t.hdr.Height = 1
		t.hdr.LeafCount = 1
		t.hdr.Size = 1
		if err := t.persistHeader(); err != nil {
			return err
		}
		t.notifier.PublishInsert(notify.InsertEvent{
			TreeDir:      t.dir,
			TrajectoryID: uint32(e.ID),
			UnitIndex:    uint32(e.Index),
		})
		return nil
	}

	v := newEntryValue(e, int(t.hdr.Lambda))
	cur := NodePtr(t.hdr.RootHandle)
	var path []pathStep
	for level := t.hdr.Height; level > 1; level-- {
		idx, err := t.chooseChild(cur, v)
		if err != nil {
			return err
		}
		if err := t.updateChildBeforeDescent(cur, idx, v); err != nil {
			return err
		}
		path = append(path, pathStep{node: cur, childIdx: idx})
		next, err := t.nodes.ChildPtr(cur, idx)
		if err != nil {
			return err
		}
		cur = next
	}

	if err := t.insertIntoLeaf(cur, e, path); err != nil {
		return err
	}
	t.hdr.Size++
	if err := t.persistHeader(); err != nil {
		return err
	}
	t.notifier.PublishInsert(notify.InsertEvent{
		TreeDir:      t.dir,
		TrajectoryID: uint32(e.ID),
		UnitIndex:    uint32(e.Index),
	})
	return nil
}

// chooseChild picks the child of an internal node minimizing combined cost,
// breaking ties by smaller MBB size (§4.6 step 2).
func (t *Tree) chooseChild(node NodePtr, v Value) (int, error) {
	count, err := t.nodes.Count(node, true)
	if err != nil {
		return 0, err
	}
	boxes := make([]BoundingBox, count)
	var maxEnl float32
	for i := 0; i < int(count); i++ {
		box, err := t.nodes.ChildMBB(node, i)
		if err != nil {
			return 0, err
		}
		boxes[i] = box
		if enl := Enlargement(box, v.MBB()); enl > maxEnl {
			maxEnl = enl
		}
	}

	invRef, err := t.nodes.InvIndexRef(node)
	if err != nil {
		return 0, err
	}
	idx, err := t.registry.Acquire(invRef)
	if err != nil {
		return 0, err
	}
	defer t.registry.Release(invRef)

	best := -1
	var bestCost float64
	var bestSize float32
	for i := 0; i < int(count); i++ {
		spatial := SpatialCost(boxes[i], v.MBB(), maxEnl)
		var uc uint64
		if pos, ok := idx.Total().Find(uint32(i)); ok {
			p, err := idx.Total().At(pos)
			if err != nil {
				return 0, err
			}
			uc = p.Count
		}
		childCounts := map[Label]uint64{}
		v.Labels(func(label Label, _ uint64, _ IdSet) {
			pl, ok, ferr := idx.Find(label)
			if ferr != nil || !ok {
				return
			}
			if pos, ok2 := pl.Find(uint32(i)); ok2 {
				p, aerr := pl.At(pos)
				if aerr == nil {
					childCounts[label] = p.Count
				}
			}
		})
		textual := TextualCost(v, uc, childCounts)
		cost := t.state().CombinedCost(spatial, textual)
		if best == -1 || cost < bestCost || (cost == bestCost && boxes[i].Size() < bestSize) {
			best, bestCost, bestSize = i, cost, boxes[i].Size()
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("irwi: chooseChild: internal node %d has no children", node)
	}
	return best, nil
}

// updateChildBeforeDescent extends the chosen child's MBB and updates the
// owning node's inverted index to account for v, before recursing into the
// child (§4.6 step 3).
func (t *Tree) updateChildBeforeDescent(node NodePtr, childIdx int, v Value) error {
	box, err := t.nodes.ChildMBB(node, childIdx)
	if err != nil {
		return err
	}
	if err := t.nodes.SetChildMBB(node, childIdx, box.Extend(v.MBB())); err != nil {
		return err
	}

	invRef, err := t.nodes.InvIndexRef(node)
	if err != nil {
		return err
	}
	idx, err := t.registry.Acquire(invRef)
	if err != nil {
		return err
	}
	defer t.registry.Release(invRef)

	if err := bumpPosting(idx.Total(), uint32(childIdx), v.TotalCount(), v.TotalIDs()); err != nil {
		return err
	}
	var labelErr error
	v.Labels(func(label Label, count uint64, ids IdSet) {
		if labelErr != nil {
			return
		}
		pl, err := idx.FindOrCreate(label)
		if err != nil {
			labelErr = err
			return
		}
		labelErr = bumpPosting(pl, uint32(childIdx), count, ids)
	})
	return labelErr
}

// bumpPosting increments the posting for childIndex in pl by count/ids,
// appending a fresh posting if none exists yet.
func bumpPosting(pl PostingsList, childIndex uint32, count uint64, ids IdSet) error {
	if pos, ok := pl.Find(childIndex); ok {
		p, err := pl.At(pos)
		if err != nil {
			return err
		}
		p.Count += count
		p.IDs = Union(p.IDs, ids)
		return pl.Set(pos, p)
	}
	return pl.Append(Posting{ChildIndex: childIndex, Count: count, IDs: ids})
}

// insertIntoLeaf stores e in leaf if there is room, otherwise splits it and
// propagates the split upward along path (§4.6 "Leaf insertion").
func (t *Tree) insertIntoLeaf(leaf NodePtr, e TreeEntry, path []pathStep) error {
	count, err := t.nodes.Count(leaf, false)
	if err != nil {
		return err
	}
	if int(count) < int(t.hdr.FanoutLeaf) {
		if err := t.nodes.SetLeafEntry(leaf, int(count), e); err != nil {
			return err
		}
		return t.nodes.SetCount(leaf, false, count+1)
	}

	entries := make([]TreeEntry, count+1)
	for i := 0; i < int(count); i++ {
		ent, err := t.nodes.LeafEntry(leaf, i)
		if err != nil {
			return err
		}
		entries[i] = ent
	}
	entries[count] = e

	items := make([]splitEntry, len(entries))
	boxes := make([]BoundingBox, len(entries))
	for i, ent := range entries {
		box := ent.MBB()
		boxes[i] = box
		idset := NewIdSet(int(t.hdr.Lambda))
		idset.Insert(uint32(ent.ID))
		items[i] = splitEntry{
			total:       1,
			totalIDs:    idset,
			labelCounts: map[Label]uint64{ent.Unit.Label: 1},
			labelData:   map[Label]labelSummary{ent.Unit.Label: {Label: ent.Unit.Label, Count: 1, IDs: idset}},
		}
	}

	part := quadraticSplitGeneric(items, boxes, t.beta, minEntries(int(t.hdr.FanoutLeaf)), int(t.hdr.FanoutLeaf))

	// Left reuses the original leaf block; right is freshly allocated.
	for pos, oldIdx := range part.left {
		if err := t.nodes.SetLeafEntry(leaf, pos, entries[oldIdx]); err != nil {
			return err
		}
	}
	if err := t.nodes.SetCount(leaf, false, uint32(len(part.left))); err != nil {
		return err
	}

	right, err := t.nodes.CreateLeaf()
	if err != nil {
		return err
	}
	t.notifier.PublishSplit(notify.SplitEvent{
		TreeDir:   t.dir,
		Level:     1,
		OldHandle: uint64(leaf),
		NewHandle: uint64(right),
	})
	for pos, oldIdx := range part.right {
		if err := t.nodes.SetLeafEntry(right, pos, entries[oldIdx]); err != nil {
			return err
		}
	}
	if err := t.nodes.SetCount(right, false, uint32(len(part.right))); err != nil {
		return err
	}
	t.hdr.LeafCount++

	leftSummary := summarizeItems(items, part.left, int(t.hdr.Lambda))
	rightSummary := summarizeItems(items, part.right, int(t.hdr.Lambda))
	leftBox := unionBoxes(boxes, part.left)
	rightBox := unionBoxes(boxes, part.right)

	return t.propagate(leaf, right, leftBox, rightBox, leftSummary, rightSummary, path)
}

// unionBoxes returns the union of boxes at the given indices.
func unionBoxes(boxes []BoundingBox, idxs []int) BoundingBox {
	box := boxes[idxs[0]]
	for _, i := range idxs[1:] {
		box = box.Extend(boxes[i])
	}
	return box
}

// summarizeItems folds a subset of split items into a subtreeValue-style
// summary, used to populate a parent's inverted index for a newly attached
// child.
func summarizeItems(items []splitEntry, idxs []int, lambda int) subtreeValue {
	var total uint64
	totalIDs := NewIdSet(lambda)
	labelTotals := map[Label]*labelSummary{}
	for _, i := range idxs {
		it := items[i]
		total += it.total
		totalIDs = Union(totalIDs, it.totalIDs)
		for label, ld := range it.labelData {
			if cur, ok := labelTotals[label]; ok {
				cur.Count += ld.Count
				cur.IDs = Union(cur.IDs, ld.IDs)
			} else {
				copyLd := ld
				labelTotals[label] = &copyLd
			}
		}
	}
	labels := make([]labelSummary, 0, len(labelTotals))
	for _, ls := range labelTotals {
		labels = append(labels, *ls)
	}
	return subtreeValue{total: total, totalIDs: totalIDs, labels: labels}
}

// propagate links (left, right) into their parent along path, splitting the
// parent (recursively) if it is full, or creating a new root if there is no
// parent (§4.6 "Propagation").
func (t *Tree) propagate(left, right NodePtr, leftBox, rightBox BoundingBox, leftSummary, rightSummary subtreeValue, path []pathStep) error {
	if len(path) == 0 {
		root, dirID, err := t.createInternalWithIndex()
		if err != nil {
			return err
		}
		if err := t.nodes.SetChild(root, 0, leftBox, left); err != nil {
			return err
		}
		if err := t.nodes.SetChild(root, 1, rightBox, right); err != nil {
			return err
		}
		if err := t.nodes.SetCount(root, true, 2); err != nil {
			return err
		}
		idx, err := t.registry.Acquire(dirID)
		if err != nil {
			return err
		}
		defer t.registry.Release(dirID)
		if err := attachChildSummary(idx, 0, leftSummary); err != nil {
			return err
		}
		if err := attachChildSummary(idx, 1, rightSummary); err != nil {
			return err
		}
		t.hdr.RootHandle = uint64(root)
		t.hdr.Height++
		t.hdr.InternalCount++
		return nil
	}

	last := path[len(path)-1]
	parent, leftIdx := last.node, last.childIdx

	if err := t.nodes.SetChildMBB(parent, leftIdx, leftBox); err != nil {
		return err
	}

	count, err := t.nodes.Count(parent, true)
	if err != nil {
		return err
	}
	if int(count) < int(t.hdr.FanoutInternal) {
		rightIdx := int(count)
		if err := t.nodes.SetChild(parent, rightIdx, rightBox, right); err != nil {
			return err
		}
		if err := t.nodes.SetCount(parent, true, count+1); err != nil {
			return err
		}
		invRef, err := t.nodes.InvIndexRef(parent)
		if err != nil {
			return err
		}
		idx, err := t.registry.Acquire(invRef)
		if err != nil {
			return err
		}
		defer t.registry.Release(invRef)
		return attachChildSummary(idx, uint32(rightIdx), rightSummary)
	}

	return t.splitInternalAndPropagate(parent, path[:len(path)-1])
}

// attachChildSummary appends summary's postings into idx for a freshly
// attached child at childIdx (§4.6: "For the newly inserted child's own
// postings ... append them to the index that now contains it").
func attachChildSummary(idx *InvertedIndex, childIdx uint32, summary subtreeValue) error {
	if err := idx.Total().Append(Posting{ChildIndex: childIdx, Count: summary.total, IDs: summary.totalIDs}); err != nil {
		return err
	}
	for _, ls := range summary.labels {
		pl, err := idx.FindOrCreate(ls.Label)
		if err != nil {
			return err
		}
		if err := pl.Append(Posting{ChildIndex: childIdx, Count: ls.Count, IDs: ls.IDs}); err != nil {
			return err
		}
	}
	return nil
}

// splitInternalAndPropagate splits a full internal node (§4.6: internal
// split plus inverted-index partition) and recurses one level up.
func (t *Tree) splitInternalAndPropagate(node NodePtr, path []pathStep) error {
	count, err := t.nodes.Count(node, true)
	if err != nil {
		return err
	}
	boxes := make([]BoundingBox, count)
	children := make([]NodePtr, count)
	for i := 0; i < int(count); i++ {
		boxes[i], err = t.nodes.ChildMBB(node, i)
		if err != nil {
			return err
		}
		children[i], err = t.nodes.ChildPtr(node, i)
		if err != nil {
			return err
		}
	}

	invRef, err := t.nodes.InvIndexRef(node)
	if err != nil {
		return err
	}
	idx, err := t.registry.Acquire(invRef)
	if err != nil {
		return err
	}
	defer t.registry.Release(invRef)

	items := make([]splitEntry, count)
	for i := 0; i < int(count); i++ {
		se, err := childSplitEntry(idx, uint32(i))
		if err != nil {
			return err
		}
		items[i] = se
	}

	part := quadraticSplitGeneric(items, boxes, t.beta, minEntries(int(t.hdr.FanoutInternal)), int(t.hdr.FanoutInternal))

	oldToNewLeft := make(map[int]int, len(part.left))
	for pos, old := range part.left {
		oldToNewLeft[old] = pos
	}
	oldToNewRight := make(map[int]int, len(part.right))
	for pos, old := range part.right {
		oldToNewRight[old] = pos
	}

	rightNode, rightDirID, err := t.createInternalWithIndex()
	if err != nil {
		return err
	}
	t.notifier.PublishSplit(notify.SplitEvent{
		TreeDir:   t.dir,
		Level:     t.hdr.Height - uint64(len(path)),
		OldHandle: uint64(node),
		NewHandle: uint64(rightNode),
	})
	rightIdx, err := t.registry.Acquire(rightDirID)
	if err != nil {
		return err
	}
	defer t.registry.Release(rightDirID)

	if err := partitionPostings(idx.Total(), rightIdx.Total(), oldToNewLeft, oldToNewRight); err != nil {
		return err
	}
	for _, label := range append([]Label(nil), idx.Labels()...) {
		pl, ok, err := idx.Find(label)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		rpl, err := rightIdx.FindOrCreate(label)
		if err != nil {
			return err
		}
		if err := partitionPostings(pl, rpl, oldToNewLeft, oldToNewRight); err != nil {
			return err
		}
		if err := idx.removeIfEmpty(label); err != nil {
			return err
		}
	}

	for pos, old := range part.left {
		if err := t.nodes.SetChild(node, pos, boxes[old], children[old]); err != nil {
			return err
		}
	}
	if err := t.nodes.SetCount(node, true, uint32(len(part.left))); err != nil {
		return err
	}
	for pos, old := range part.right {
		if err := t.nodes.SetChild(rightNode, pos, boxes[old], children[old]); err != nil {
			return err
		}
	}
	if err := t.nodes.SetCount(rightNode, true, uint32(len(part.right))); err != nil {
		return err
	}
	t.hdr.InternalCount++

	leftBox := unionBoxes(boxes, part.left)
	rightBox := unionBoxes(boxes, part.right)
	leftSummary := summarizeItems(items, part.left, int(t.hdr.Lambda))
	rightSummary := summarizeItems(items, part.right, int(t.hdr.Lambda))

	return t.propagate(node, rightNode, leftBox, rightBox, leftSummary, rightSummary, path)
}

// partitionPostings moves every posting of src whose child_index is in
// rightMap into dst (rewriting its child_index), and rewrites the
// child_index of every posting that stays in src according to leftMap
// (§4.6: "rewrite its child_index to the entry's new position").
func partitionPostings(src, dst PostingsList, leftMap, rightMap map[int]int) error {
	n := src.Len()
	var toRemove []int
	for i := 0; i < n; i++ {
		p, err := src.At(i)
		if err != nil {
			return err
		}
		old := int(p.ChildIndex)
		if newIdx, ok := rightMap[old]; ok {
			p.ChildIndex = uint32(newIdx)
			if err := dst.Append(p); err != nil {
				return err
			}
			toRemove = append(toRemove, i)
			continue
		}
		if newIdx, ok := leftMap[old]; ok {
			p.ChildIndex = uint32(newIdx)
			if err := src.Set(i, p); err != nil {
				return err
			}
		}
	}
	// Remove highest indices first so earlier positions stay valid under
	// swap-remove-last.
	for i := len(toRemove) - 1; i >= 0; i-- {
		if err := src.RemoveSwap(toRemove[i]); err != nil {
			return err
		}
	}
	return nil
}

// childSplitEntry reads a child's full per-label breakdown straight out of
// its owning node's inverted index, with no need to touch the child itself.
func childSplitEntry(idx *InvertedIndex, childIdx uint32) (splitEntry, error) {
	se := splitEntry{labelCounts: map[Label]uint64{}, labelData: map[Label]labelSummary{}}
	if pos, ok := idx.Total().Find(childIdx); ok {
		p, err := idx.Total().At(pos)
		if err != nil {
			return se, err
		}
		se.total = p.Count
		se.totalIDs = p.IDs
	}
	for _, label := range idx.Labels() {
		pl, ok, err := idx.Find(label)
		if err != nil {
			return se, err
		}
		if !ok {
			continue
		}
		if pos, ok2 := pl.Find(childIdx); ok2 {
			p, err := pl.At(pos)
			if err != nil {
				return se, err
			}
			se.labelCounts[label] = p.Count
			se.labelData[label] = labelSummary{Label: label, Count: p.Count, IDs: p.IDs}
		}
	}
	return se, nil
}

func (t *Tree) createInternalWithIndex() (NodePtr, uint64, error) {
	dirID, err := t.dirAlloc.Alloc()
	if err != nil {
		return 0, 0, err
	}
	if _, err := CreateFileIndexBackend(t.indexDir(dirID), int(t.hdr.Lambda)); err != nil {
		return 0, 0, err
	}
	h, err := t.nodes.CreateInternal(dirID)
	if err != nil {
		return 0, 0, err
	}
	return h, dirID, nil
}

// ---- quadratic split (§4.6) ------------------------------------------------

// splitEntry is one overflowing item's cost-function inputs: its summary
// counts/ids and, for internal-node splits, the full per-label breakdown
// needed to rewrite the owning inverted index after partitioning.
type splitEntry struct {
	total       uint64
	totalIDs    IdSet
	labelCounts map[Label]uint64
	labelData   map[Label]labelSummary
}

type splitPartition struct {
	left, right []int // original indices assigned to each side
}

// quadraticSplitGeneric partitions len(items) overflowing entries into two
// groups, each respecting [minEntries, maxEntries] (§4.6).
func quadraticSplitGeneric(items []splitEntry, boxes []BoundingBox, beta float64, minE, maxE int) splitPartition {
	n := len(items)
	ts := TreeState{Beta: beta}

	var maxWaste float32
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if w := Waste(boxes[i], boxes[j]); w > maxWaste {
				maxWaste = w
			}
		}
	}

	seedI, seedJ := 0, 1
	bestCost := -1.0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var nu float64
			if maxWaste > 0 {
				nu = 1.0 / float64(maxWaste)
			}
			spatial := nu * float64(Waste(boxes[i], boxes[j]))
			textual := TextualCostBetween(items[i].labelCounts, items[j].labelCounts, items[i].total, items[j].total)
			cost := ts.CombinedCost(spatial, textual)
			if cost > bestCost {
				bestCost, seedI, seedJ = cost, i, j
			}
		}
	}

	left := []int{seedI}
	right := []int{seedJ}
	leftBox, rightBox := boxes[seedI], boxes[seedJ]
	leftCounts := cloneCounts(items[seedI].labelCounts)
	rightCounts := cloneCounts(items[seedJ].labelCounts)
	leftTotal, rightTotal := items[seedI].total, items[seedJ].total

	assigned := make([]bool, n)
	assigned[seedI], assigned[seedJ] = true, true
	remaining := n - 2

	for remaining > 0 {
		if len(left) == maxE-minE {
			for i := 0; i < n; i++ {
				if !assigned[i] {
					right = append(right, i)
					assigned[i] = true
				}
			}
			break
		}
		if len(right) == maxE-minE {
			for i := 0; i < n; i++ {
				if !assigned[i] {
					left = append(left, i)
					assigned[i] = true
				}
			}
			break
		}

		bestIdx := -1
		var bestDiff float64 = -1
		var bestToLeft bool
		for i := 0; i < n; i++ {
			if assigned[i] {
				continue
			}
			var nuL, nuR float64
			if maxWaste > 0 {
				nuL = 1.0 / float64(maxWaste)
				nuR = nuL
			}
			costLeft := ts.CombinedCost(nuL*float64(Enlargement(leftBox, boxes[i])),
				TextualCostBetween(leftCounts, items[i].labelCounts, leftTotal, items[i].total))
			costRight := ts.CombinedCost(nuR*float64(Enlargement(rightBox, boxes[i])),
				TextualCostBetween(rightCounts, items[i].labelCounts, rightTotal, items[i].total))
			diff := costLeft - costRight
			if diff < 0 {
				diff = -diff
			}
			if diff > bestDiff {
				bestDiff = diff
				bestIdx = i
				bestToLeft = costLeft <= costRight
			}
		}

		assigned[bestIdx] = true
		remaining--
		if bestToLeft {
			left = append(left, bestIdx)
			leftBox = leftBox.Extend(boxes[bestIdx])
			leftTotal += items[bestIdx].total
			mergeCounts(leftCounts, items[bestIdx].labelCounts)
		} else {
			right = append(right, bestIdx)
			rightBox = rightBox.Extend(boxes[bestIdx])
			rightTotal += items[bestIdx].total
			mergeCounts(rightCounts, items[bestIdx].labelCounts)
		}
	}

	return splitPartition{left: left, right: right}
}

func cloneCounts(m map[Label]uint64) map[Label]uint64 {
	out := make(map[Label]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeCounts(dst, src map[Label]uint64) {
	for k, v := range src {
		dst[k] += v
	}
}
