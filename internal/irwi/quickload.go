// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// qlItem is one value handled by a QuickLoad level pass: either a raw
// TreeEntry (leaf-level pass) or a pointer to a finished node produced by
// the pass below (every higher-level pass, §4.7 "pseudo-leaf entry").
type qlItem struct {
	box      BoundingBox
	total    uint64
	totalIDs IdSet
	labels   map[Label]labelSummary

	rawEntry  *TreeEntry // non-nil at the leaf-level pass
	childNode *finishedNode
}

// finishedNode is a node already written to the real tree by a lower-level
// pass, carried forward as this level's input (§4.7 "Higher levels").
type finishedNode struct {
	handle  NodePtr
	isLeaf  bool
	box     BoundingBox
	summary subtreeValue
}

// QuickLoadOptions configures a bulk load run (§4.7).
type QuickLoadOptions struct {
	MaxLeaves int // mini-tree leaf budget per pass; must be >= 2
}

// QuickLoad builds an IRWI tree bottom-up from a stream of entries using a
// bounded in-memory mini-tree plus external overflow buckets. The target
// tree must be empty (§4.7 precondition).
func (t *Tree) QuickLoad(next func() (TreeEntry, bool), opts QuickLoadOptions) error {
	scope := t.accounting.Begin("bulk_load")
	defer scope.Close()

	if t.hdr.Height != 0 || t.hdr.Size != 0 {
		return fmt.Errorf("irwi: QuickLoad precondition violated: target tree is not empty")
	}
	if opts.MaxLeaves < 2 {
		return fmt.Errorf("irwi: QuickLoad precondition violated: max_leaves must be >= 2")
	}

	var totalSize uint64
	wrappedNext := func() (qlItem, bool) {
		e, ok := next()
		if !ok {
			return qlItem{}, false
		}
		totalSize++
		box := e.MBB()
		idset := NewIdSet(int(t.hdr.Lambda))
		idset.Insert(uint32(e.ID))
		entry := e
		return qlItem{
			box:      box,
			total:    1,
			totalIDs: idset,
			labels:   map[Label]labelSummary{e.Unit.Label: {Label: e.Unit.Label, Count: 1, IDs: idset}},
			rawEntry: &entry,
		}, true
	}

	seq := new(int)
	nodes, err := t.runLevelPass(wrappedNext, opts.MaxLeaves, true, 1, seq)
	if err != nil {
		return err
	}

	height := uint64(1)
	for len(nodes) > 1 {
		i := 0
		levelNext := func() (qlItem, bool) {
			if i >= len(nodes) {
				return qlItem{}, false
			}
			n := nodes[i]
			i++
			return finishedNodeToItem(n), true
		}
		nodes, err = t.runLevelPass(levelNext, opts.MaxLeaves, false, height+1, seq)
		if err != nil {
			return err
		}
		height++
	}

	if len(nodes) == 1 {
		root := nodes[0]
		t.hdr.RootHandle = uint64(root.handle)
		t.hdr.Height = height
		t.hdr.Size = totalSize
	}
	return t.persistHeader()
}

func finishedNodeToItem(n finishedNode) qlItem {
	cp := n
	return qlItem{box: n.box, total: n.summary.total, totalIDs: n.summary.totalIDs, labels: labelMap(n.summary.labels), childNode: &cp}
}

func labelMap(ls []labelSummary) map[Label]labelSummary {
	m := make(map[Label]labelSummary, len(ls))
	for _, l := range ls {
		m[l.Label] = l
	}
	return m
}

// runLevelPass implements §4.7's level pass: insert into a bounded
// mini-tree until it reaches maxLeaves leaves or the input is exhausted;
// past that point, freeze the mini-tree and spill remaining input into
// per-leaf overflow buckets, recursing on any leaf that overflowed.
func (t *Tree) runLevelPass(next func() (qlItem, bool), maxLeaves int, isLeaf bool, level uint64, seq *int) ([]finishedNode, error) {
	mt := newMiniTree(int(t.hdr.Lambda), t.beta, groupFanout(t, isLeaf))

	exhausted := false
	for len(mt.leaves) < maxLeaves || len(mt.leaves) == 0 {
		item, ok := next()
		if !ok {
			exhausted = true
			break
		}
		mt.insert(item)
	}

	if exhausted {
		var out []finishedNode
		for _, leaf := range mt.leaves {
			n, err := t.flushGroup(leaf.items, isLeaf)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	}

	// Mini-tree is full; freeze and spill the remaining stream into buckets.
	for {
		item, ok := next()
		if !ok {
			break
		}
		leaf := mt.chooseLeaf(item.box, item.labels, item.total)
		if leaf.bucketPath == "" {
			path, err := spillBucketPath(t.dir, level, *seq)
			if err != nil {
				return nil, err
			}
			*seq++
			if err := writeBucket(path, leaf.items); err != nil {
				return nil, err
			}
			leaf.bucketPath = path
		}
		if err := appendBucket(leaf.bucketPath, item); err != nil {
			return nil, err
		}
	}

	var out []finishedNode
	for _, leaf := range mt.leaves {
		if leaf.bucketPath == "" {
			n, err := t.flushGroup(leaf.items, isLeaf)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
			continue
		}
		reader, err := openBucketReader(leaf.bucketPath, int(t.hdr.Lambda))
		if err != nil {
			return nil, err
		}
		sub, err := t.runLevelPass(reader, maxLeaves, isLeaf, level, seq)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
		_ = os.Remove(leaf.bucketPath)
	}
	return out, nil
}

// groupFanout returns the maximum number of items a flushed group may hold
// at this level: F_leaf for the leaf-level pass, F_int for every pass above
// it (a flushed group becomes one real leaf or internal node respectively).
func groupFanout(t *Tree, isLeaf bool) int {
	if isLeaf {
		return int(t.hdr.FanoutLeaf)
	}
	return int(t.hdr.FanoutInternal)
}

// flushGroup writes items as one real node (leaf or internal) and returns
// its finishedNode summary (§4.7 "emit its entries as a finished node").
func (t *Tree) flushGroup(items []qlItem, isLeaf bool) (finishedNode, error) {
	if isLeaf {
		leaf, err := t.nodes.CreateLeaf()
		if err != nil {
			return finishedNode{}, err
		}
		for i, it := range items {
			if err := t.nodes.SetLeafEntry(leaf, i, *it.rawEntry); err != nil {
				return finishedNode{}, err
			}
		}
		if err := t.nodes.SetCount(leaf, false, uint32(len(items))); err != nil {
			return finishedNode{}, err
		}
		t.hdr.LeafCount++
		return finishedNode{handle: leaf, isLeaf: true, box: unionItemBoxes(items), summary: summarizeQlItems(items, int(t.hdr.Lambda))}, nil
	}

	node, dirID, err := t.createInternalWithIndex()
	if err != nil {
		return finishedNode{}, err
	}
	idx, err := t.registry.Acquire(dirID)
	if err != nil {
		return finishedNode{}, err
	}
	defer t.registry.Release(dirID)

	for i, it := range items {
		child := it.childNode
		if err := t.nodes.SetChild(node, i, child.box, child.handle); err != nil {
			return finishedNode{}, err
		}
		if err := attachChildSummary(idx, uint32(i), child.summary); err != nil {
			return finishedNode{}, err
		}
	}
	if err := t.nodes.SetCount(node, true, uint32(len(items))); err != nil {
		return finishedNode{}, err
	}
	t.hdr.InternalCount++
	return finishedNode{handle: node, isLeaf: false, box: unionItemBoxes(items), summary: summarizeQlItems(items, int(t.hdr.Lambda))}, nil
}

func unionItemBoxes(items []qlItem) BoundingBox {
	box := items[0].box
	for _, it := range items[1:] {
		box = box.Extend(it.box)
	}
	return box
}

func summarizeQlItems(items []qlItem, lambda int) subtreeValue {
	var total uint64
	totalIDs := NewIdSet(lambda)
	labelTotals := map[Label]*labelSummary{}
	for _, it := range items {
		total += it.total
		totalIDs = Union(totalIDs, it.totalIDs)
		for label, ld := range it.labels {
			if cur, ok := labelTotals[label]; ok {
				cur.Count += ld.Count
				cur.IDs = Union(cur.IDs, ld.IDs)
			} else {
				cp := ld
				labelTotals[label] = &cp
			}
		}
	}
	labels := make([]labelSummary, 0, len(labelTotals))
	for _, ls := range labelTotals {
		labels = append(labels, *ls)
	}
	return subtreeValue{total: total, totalIDs: totalIDs, labels: labels}
}

// ---- mini-tree (in-memory, flat leaf list) --------------------------------

// miniTree is QuickLoad's bounded in-memory working structure. Per §9's
// determinism note, leaves are enumerated strictly in creation order, so
// bucket FIFO order is stable run over run; the mini-tree's own internal
// routing is a flat linear scan over its leaves rather than a nested
// in-memory R-tree, which keeps bulk load's auxiliary structure simple
// while preserving the same cost-function-driven placement.
type miniTree struct {
	lambda     int
	beta       float64
	groupLimit int
	leaves     []*miniGroup
	nextID     int
}

type miniGroup struct {
	id         int
	items      []qlItem
	box        BoundingBox
	total      uint64
	labelCount map[Label]uint64
	bucketPath string
}

func newMiniTree(lambda int, beta float64, groupLimit int) *miniTree {
	return &miniTree{lambda: lambda, beta: beta, groupLimit: groupLimit}
}

func (mt *miniTree) insert(item qlItem) {
	if len(mt.leaves) == 0 {
		mt.leaves = append(mt.leaves, mt.newGroup(item))
		return
	}
	g := mt.chooseLeaf(item.box, item.labels, item.total)
	if len(g.items) < mt.groupLimit {
		g.items = append(g.items, item)
		g.box = g.box.Extend(item.box)
		g.total += item.total
		for l, ld := range item.labels {
			g.labelCount[l] += ld.Count
		}
		return
	}
	mt.splitGroup(g, item)
}

func (mt *miniTree) newGroup(item qlItem) *miniGroup {
	id := mt.nextID
	mt.nextID++
	lc := map[Label]uint64{}
	for l, ld := range item.labels {
		lc[l] = ld.Count
	}
	return &miniGroup{id: id, items: []qlItem{item}, box: item.box, total: item.total, labelCount: lc}
}

// chooseLeaf picks the mini-tree leaf minimizing combined insertion cost,
// mirroring chooseChild (§4.6) over the flat leaf list.
func (mt *miniTree) chooseLeaf(box BoundingBox, labels map[Label]labelSummary, total uint64) *miniGroup {
	var maxEnl float32
	for _, g := range mt.leaves {
		if enl := Enlargement(g.box, box); enl > maxEnl {
			maxEnl = enl
		}
	}
	ts := TreeState{Beta: mt.beta}
	var best *miniGroup
	var bestCost float64
	var bestSize float32
	for _, g := range mt.leaves {
		spatial := SpatialCost(g.box, box, maxEnl)
		textual := textualCostAgainstGroup(g, labels, total)
		cost := ts.CombinedCost(spatial, textual)
		if best == nil || cost < bestCost || (cost == bestCost && g.box.Size() < bestSize) {
			best, bestCost, bestSize = g, cost, g.box.Size()
		}
	}
	return best
}

func textualCostAgainstGroup(g *miniGroup, labels map[Label]labelSummary, total uint64) float64 {
	denom := float64(g.total + total)
	if denom == 0 {
		return 1
	}
	var best float64
	any := false
	for label, ld := range labels {
		any = true
		u := g.labelCount[label] + ld.Count
		if f := float64(u) / denom; f > best {
			best = f
		}
	}
	if !any {
		return 1
	}
	return 1 - best
}

// splitGroup splits an overflowing mini-tree leaf (plus the item that would
// overflow it) into itself (reused) and a brand-new sibling leaf, using the
// same quadratic split as the real engine (§4.6).
func (mt *miniTree) splitGroup(g *miniGroup, extra qlItem) {
	items := append(append([]qlItem(nil), g.items...), extra)
	boxes := make([]BoundingBox, len(items))
	entries := make([]splitEntry, len(items))
	for i, it := range items {
		boxes[i] = it.box
		entries[i] = splitEntry{total: it.total, totalIDs: it.totalIDs, labelCounts: labelCounts(it.labels), labelData: it.labels}
	}
	part := quadraticSplitGeneric(entries, boxes, mt.beta, 1, mt.groupLimit)

	leftItems := pickItems(items, part.left)
	rightItems := pickItems(items, part.right)

	g.items = leftItems
	g.box = unionItemBoxes(leftItems)
	g.total, g.labelCount = rebuildAggregate(leftItems)

	ng := &miniGroup{id: mt.nextID, items: rightItems, box: unionItemBoxes(rightItems)}
	mt.nextID++
	ng.total, ng.labelCount = rebuildAggregate(rightItems)
	mt.leaves = append(mt.leaves, ng)
}

func labelCounts(m map[Label]labelSummary) map[Label]uint64 {
	out := make(map[Label]uint64, len(m))
	for l, ld := range m {
		out[l] = ld.Count
	}
	return out
}

func pickItems(items []qlItem, idxs []int) []qlItem {
	out := make([]qlItem, len(idxs))
	for i, idx := range idxs {
		out[i] = items[idx]
	}
	return out
}

func rebuildAggregate(items []qlItem) (uint64, map[Label]uint64) {
	var total uint64
	counts := map[Label]uint64{}
	for _, it := range items {
		total += it.total
		for l, ld := range it.labels {
			counts[l] += ld.Count
		}
	}
	return total, counts
}

// ---- overflow buckets ------------------------------------------------------

func spillBucketPath(dir string, level uint64, groupID int) (string, error) {
	bdir := dir + "/buckets"
	if err := os.MkdirAll(bdir, 0o755); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/level%d-%d.bucket", bdir, level, groupID), nil
}

// writeBucket writes the frozen leaf's own items first (§4.7: "the bucket
// ... contains the original leaf's entries copied in first").
func writeBucket(path string, items []qlItem) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, it := range items {
		if err := writeBucketRecord(f, it); err != nil {
			return err
		}
	}
	return nil
}

func appendBucket(path string, item qlItem) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeBucketRecord(f, item)
}

// writeBucketRecord appends one qlItem, leaf-level records as a raw
// tree_entry (§6.2), higher-level records as a finished-node reference.
func writeBucketRecord(f *os.File, item qlItem) error {
	if item.rawEntry != nil {
		buf := make([]byte, 1+entryRecordSize)
		buf[0] = 0
		marshalEntry(buf[1:], *item.rawEntry)
		_, err := f.Write(buf)
		return err
	}
	n := item.childNode
	buf := make([]byte, 1+8+1+24)
	buf[0] = 1
	binary.LittleEndian.PutUint64(buf[1:9], uint64(n.handle))
	if n.isLeaf {
		buf[9] = 1
	}
	writeBBox(buf[10:34], n.box)
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return writeSummary(f, n.summary)
}

func writeSummary(f *os.File, s subtreeValue) error {
	head := make([]byte, 8+4)
	binary.LittleEndian.PutUint64(head[0:8], s.total)
	binary.LittleEndian.PutUint32(head[8:12], uint32(len(s.labels)))
	if _, err := f.Write(head); err != nil {
		return err
	}
	if err := writeIDSetFull(f, s.totalIDs); err != nil {
		return err
	}
	for _, ls := range s.labels {
		lb := make([]byte, 4+8)
		binary.LittleEndian.PutUint32(lb[0:4], uint32(ls.Label))
		binary.LittleEndian.PutUint64(lb[4:12], ls.Count)
		if _, err := f.Write(lb); err != nil {
			return err
		}
		if err := writeIDSetFull(f, ls.IDs); err != nil {
			return err
		}
	}
	return nil
}

// writeIDSetFull/readIDSetFull encode an IdSet with its own interval count
// rather than a fixed λ-sized slot, for the bucket scratch-file format
// (internal to this package, distinct from the fixed-λ on-disk posting
// format in posting.go).
func writeIDSetFull(f *os.File, s IdSet) error {
	cbuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(cbuf, uint32(len(s.Intervals())))
	if _, err := f.Write(cbuf); err != nil {
		return err
	}
	for _, iv := range s.Intervals() {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint32(b[0:4], iv.Lo)
		binary.LittleEndian.PutUint32(b[4:8], iv.Hi)
		if _, err := f.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func readIDSetFull(r io.Reader, lambda int) (IdSet, error) {
	cbuf := make([]byte, 4)
	if _, err := io.ReadFull(r, cbuf); err != nil {
		return IdSet{}, err
	}
	n := int(binary.LittleEndian.Uint32(cbuf))
	s := NewIdSet(lambda)
	ivs := make([]Interval, n)
	for i := 0; i < n; i++ {
		b := make([]byte, 8)
		if _, err := io.ReadFull(r, b); err != nil {
			return s, err
		}
		ivs[i] = Interval{Lo: binary.LittleEndian.Uint32(b[0:4]), Hi: binary.LittleEndian.Uint32(b[4:8])}
	}
	s.intervals = ivs
	return s, nil
}

// openBucketReader returns a next() function streaming qlItems back out of
// a bucket file written by writeBucket/appendBucket.
func openBucketReader(path string, lambda int) (func() (qlItem, bool), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return func() (qlItem, bool) {
		tag := make([]byte, 1)
		if _, err := io.ReadFull(f, tag); err != nil {
			f.Close()
			return qlItem{}, false
		}
		if tag[0] == 0 {
			buf := make([]byte, entryRecordSize)
			if _, err := io.ReadFull(f, buf); err != nil {
				f.Close()
				return qlItem{}, false
			}
			e := unmarshalEntry(buf)
			idset := NewIdSet(lambda)
			idset.Insert(uint32(e.ID))
			entry := e
			return qlItem{
				box:      e.MBB(),
				total:    1,
				totalIDs: idset,
				labels:   map[Label]labelSummary{e.Unit.Label: {Label: e.Unit.Label, Count: 1, IDs: idset}},
				rawEntry: &entry,
			}, true
		}

		hdr := make([]byte, 8+1+24)
		if _, err := io.ReadFull(f, hdr); err != nil {
			f.Close()
			return qlItem{}, false
		}
		handle := NodePtr(binary.LittleEndian.Uint64(hdr[0:8]))
		isChildLeaf := hdr[8] == 1
		box := readBBox(hdr[9:33])

		shead := make([]byte, 8+4)
		if _, err := io.ReadFull(f, shead); err != nil {
			f.Close()
			return qlItem{}, false
		}
		total := binary.LittleEndian.Uint64(shead[0:8])
		numLabels := int(binary.LittleEndian.Uint32(shead[8:12]))
		totalIDs, err := readIDSetFull(f, lambda)
		if err != nil {
			f.Close()
			return qlItem{}, false
		}
		labels := make(map[Label]labelSummary, numLabels)
		for i := 0; i < numLabels; i++ {
			lb := make([]byte, 4+8)
			if _, err := io.ReadFull(f, lb); err != nil {
				f.Close()
				return qlItem{}, false
			}
			label := Label(binary.LittleEndian.Uint32(lb[0:4]))
			count := binary.LittleEndian.Uint64(lb[4:12])
			ids, err := readIDSetFull(f, lambda)
			if err != nil {
				f.Close()
				return qlItem{}, false
			}
			labels[label] = labelSummary{Label: label, Count: count, IDs: ids}
		}

		fn := &finishedNode{handle: handle, isLeaf: isChildLeaf, box: box, summary: subtreeValue{total: total, totalIDs: totalIDs, labels: summaryLabelsOf(labels)}}
		return qlItem{box: box, total: total, totalIDs: totalIDs, labels: labels, childNode: fn}, true
	}, nil
}

func summaryLabelsOf(m map[Label]labelSummary) []labelSummary {
	out := make([]labelSummary, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
