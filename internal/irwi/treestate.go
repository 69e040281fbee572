// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

// Value is anything that can be inserted into the tree: a single leaf
// TreeEntry during ordinary insertion, or a finished subtree's summary
// during bulk load/whole-subtree insertion (§4.5, §4.7). The engine only
// ever needs these facts about a value.
type Value interface {
	// MBB returns the value's bounding box.
	MBB() BoundingBox
	// TotalCount returns the number of leaf entries the value represents
	// (1 for a single TreeEntry, the subtree's unit count for a summary).
	TotalCount() uint64
	// TotalIDs returns the trajectory-id set contributed by this value as a
	// whole, used to update the total postings list along the insertion
	// path (a singleton set for a leaf entry, the subtree's own total-list
	// id set for a whole-subtree insertion).
	TotalIDs() IdSet
	// Labels iterates the value's (label, count, ids) triples, calling fn
	// for each label the value carries: count is how many of the value's
	// own units carry that label, ids the trajectory ids among them.
	Labels(fn func(label Label, count uint64, ids IdSet))
}

// TreeState ties node/index storage to the cost-function parameters shared
// by insertion and split (§4.5): the weight β, and λ for freshly created
// id-sets.
type TreeState struct {
	Beta   float64 // weight in [0,1]; spatial cost weighs Beta, textual 1-Beta
	Lambda int
}

// SpatialCost returns ν·enlargement(E, b), the normalized spatial cost of
// inserting box b into a child with box E, given the max enlargement ν_inv
// across sibling children (§4.5). If maxEnlargement is 0, the normalizer is
// 0 to avoid division by zero.
func SpatialCost(e, b BoundingBox, maxEnlargement float32) float64 {
	if maxEnlargement == 0 {
		return 0
	}
	nu := 1.0 / float64(maxEnlargement)
	return nu * float64(Enlargement(e, b))
}

// TextualCost returns the textual cost of inserting value into a child
// subtree that currently has unitsTotal leaf entries and per-label counts
// childCounts (§4.5):
//
//	f_l = (u_l + value_count_for_l) / (U_c + value_total_count)
//	cost = 1 - max_l f_l
//
// over every label l carried by value.
func TextualCost(value Value, unitsTotal uint64, childCounts map[Label]uint64) float64 {
	denom := float64(unitsTotal + value.TotalCount())
	if denom == 0 {
		return 1
	}
	var best float64
	any := false
	value.Labels(func(label Label, count uint64, _ IdSet) {
		any = true
		u := childCounts[label] + count
		f := float64(u) / denom
		if f > best {
			best = f
		}
	})
	if !any {
		return 1
	}
	return 1 - best
}

// TextualCostBetween returns the textual cost between two subtrees used
// when picking split seeds (§4.5):
//
//	cost = 1 - max_l ((count_l^a + count_l^b) / (U_a + U_b))
//
// over labels l shared by both subtrees' label-count maps; 1 if no label is
// shared by both.
func TextualCostBetween(countsA, countsB map[Label]uint64, unitsA, unitsB uint64) float64 {
	denom := float64(unitsA + unitsB)
	if denom == 0 {
		return 1
	}
	var best float64
	any := false
	for label, ca := range countsA {
		cb, ok := countsB[label]
		if !ok {
			continue
		}
		any = true
		f := float64(ca+cb) / denom
		if f > best {
			best = f
		}
	}
	if !any {
		return 1
	}
	return 1 - best
}

// CombinedCost returns β·spatial + (1-β)·textual (§4.5).
func (ts TreeState) CombinedCost(spatial, textual float64) float64 {
	return ts.Beta*spatial + (1-ts.Beta)*textual
}
