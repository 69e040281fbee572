// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

// entryValue adapts a single TreeEntry to the Value interface for ordinary,
// one-by-one insertion (§4.6).
type entryValue struct {
	entry  TreeEntry
	lambda int
}

func newEntryValue(e TreeEntry, lambda int) entryValue {
	return entryValue{entry: e, lambda: lambda}
}

func (v entryValue) MBB() BoundingBox   { return v.entry.MBB() }
func (v entryValue) TotalCount() uint64 { return 1 }

func (v entryValue) TotalIDs() IdSet {
	s := NewIdSet(v.lambda)
	s.Insert(uint32(v.entry.ID))
	return s
}

func (v entryValue) Labels(fn func(label Label, count uint64, ids IdSet)) {
	fn(v.entry.Unit.Label, 1, v.TotalIDs())
}

// labelSummary is one label's (count, ids) pair as summarized from a
// subtree's inverted index, used by subtreeValue.
type labelSummary struct {
	Label Label
	Count uint64
	IDs   IdSet
}

// subtreeValue adapts a finished subtree (built bottom-up by QuickLoad, or
// any already-built subtree handed to whole-subtree insertion, §4.7) to the
// Value interface. box/total/totalIDs/labels are the subtree's own root
// summary, already computed once and passed in.
type subtreeValue struct {
	box      BoundingBox
	total    uint64
	totalIDs IdSet
	labels   []labelSummary
}

func (v subtreeValue) MBB() BoundingBox   { return v.box }
func (v subtreeValue) TotalCount() uint64 { return v.total }
func (v subtreeValue) TotalIDs() IdSet    { return v.totalIDs }

func (v subtreeValue) Labels(fn func(label Label, count uint64, ids IdSet)) {
	for _, ls := range v.labels {
		fn(ls.Label, ls.Count, ls.IDs)
	}
}
