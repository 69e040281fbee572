// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

import (
	"fmt"
	"sort"
)

// SimpleQuery is one stage of a sequenced query: match units intersecting
// Rect, carrying one of Labels (empty Labels means "any label", §4.8).
type SimpleQuery struct {
	Rect   BoundingBox
	Labels map[Label]struct{}
}

// SequencedQuery is an ordered list of simple queries: "pass through q[0]'s
// rectangle with one of its labels, then q[1]'s, ..., in this temporal
// order." Must hold at least one stage.
type SequencedQuery []SimpleQuery

// UnitMatch is one matched trajectory unit: its position within the
// trajectory and the unit itself.
type UnitMatch struct {
	Index UnitIndex
	Unit  TrajectoryUnit
}

// TrajectoryMatch is one accepted trajectory and the units of it that
// satisfied the sequenced query, in trajectory order (§6.4).
type TrajectoryMatch struct {
	ID    TrajectoryID
	Units []UnitMatch
}

// qCandidate is one surviving node during multi-root descent: its pointer,
// its own MBB (used for temporal pruning), and the id set it contributed
// (used for the global id-set intersection).
type qCandidate struct {
	ptr NodePtr
	box BoundingBox
	ids IdSet
}

type timeWindow struct{ begin, end uint32 }

func (w timeWindow) empty() bool { return w.begin > w.end }

// Query evaluates a sequenced query (§4.8) and returns accepted trajectories
// in ascending trajectory-id order, or nil if nothing matches. Returning an
// empty result is not an error (§7 "query-empty-result").
func (t *Tree) Query(sq SequencedQuery) ([]TrajectoryMatch, error) {
	scope := t.accounting.Begin("query")
	defer scope.Close()

	if len(sq) == 0 {
		return nil, fmt.Errorf("irwi: query precondition violated: sequenced query must have at least one stage")
	}
	if t.hdr.Height == 0 {
		return nil, nil
	}

	root := NodePtr(t.hdr.RootHandle)
	frontiers := make([][]qCandidate, len(sq))
	for i := range sq {
		frontiers[i] = []qCandidate{{ptr: root}}
	}

	for level := t.hdr.Height; level > 1; level-- {
		raw := make([][]qCandidate, len(sq))
		windows := make([]timeWindow, len(sq))
		unions := make([]IdSet, len(sq))

		for qi, q := range sq {
			var cands []qCandidate
			for _, c := range frontiers[qi] {
				more, err := t.collectMatchingChildren(c.ptr, q)
				if err != nil {
					return nil, err
				}
				cands = append(cands, more...)
			}
			if len(cands) == 0 {
				return nil, nil
			}
			w := timeWindow{begin: cands[0].box.Min.T, end: cands[0].box.Max.T}
			u := cands[0].ids.Clone()
			for _, c := range cands[1:] {
				if c.box.Min.T < w.begin {
					w.begin = c.box.Min.T
				}
				if c.box.Max.T > w.end {
					w.end = c.box.Max.T
				}
				u = Union(u, c.ids)
			}
			raw[qi] = cands
			windows[qi] = w
			unions[qi] = u
		}

		global := unions[0]
		for _, u := range unions[1:] {
			global = Intersect(global, u)
		}
		if global.IsEmpty() {
			return nil, nil
		}

		for i := 0; i+1 < len(windows); i++ {
			if windows[i+1].end < windows[i].end {
				windows[i].end = windows[i+1].end
			}
			if windows[i].begin > windows[i+1].begin {
				windows[i+1].begin = windows[i].begin
			}
			if windows[i].empty() || windows[i+1].empty() {
				return nil, nil
			}
		}

		for qi := range sq {
			var next []qCandidate
			w := windows[qi]
			for _, c := range raw[qi] {
				if c.box.Max.T < w.begin || c.box.Min.T > w.end {
					continue
				}
				if Intersect(c.ids, global).IsEmpty() {
					continue
				}
				next = append(next, c)
			}
			if len(next) == 0 {
				return nil, nil
			}
			frontiers[qi] = next
		}
	}

	groups := make([]map[TrajectoryID][]UnitMatch, len(sq))
	for qi, q := range sq {
		g := make(map[TrajectoryID][]UnitMatch)
		for _, c := range frontiers[qi] {
			if err := t.scanLeaf(c.ptr, q, g); err != nil {
				return nil, err
			}
		}
		for id := range g {
			sort.Slice(g[id], func(a, b int) bool { return g[id][a].Index < g[id][b].Index })
		}
		groups[qi] = g
	}

	return checkOrder(groups), nil
}

// collectMatchingChildren gathers the children of internal node n that
// match q, per §4.8 step 1: the total list if q.Labels is empty, otherwise
// matching_children(q.Labels) (§4.3), filtered to children whose MBB
// intersects q.Rect.
func (t *Tree) collectMatchingChildren(n NodePtr, q SimpleQuery) ([]qCandidate, error) {
	invRef, err := t.nodes.InvIndexRef(n)
	if err != nil {
		return nil, err
	}
	idx, err := t.registry.Acquire(invRef)
	if err != nil {
		return nil, err
	}
	defer t.registry.Release(invRef)

	var out []qCandidate
	add := func(childIdx uint32, ids IdSet) error {
		box, err := t.nodes.ChildMBB(n, int(childIdx))
		if err != nil {
			return err
		}
		if !box.Intersects(q.Rect) {
			return nil
		}
		ptr, err := t.nodes.ChildPtr(n, int(childIdx))
		if err != nil {
			return err
		}
		out = append(out, qCandidate{ptr: ptr, box: box, ids: ids})
		return nil
	}

	if len(q.Labels) == 0 {
		var forEachErr error
		if err := idx.Total().ForEach(func(_ int, p Posting) bool {
			if forEachErr = add(p.ChildIndex, p.IDs); forEachErr != nil {
				return false
			}
			return true
		}); err != nil {
			return nil, err
		}
		if forEachErr != nil {
			return nil, forEachErr
		}
		return out, nil
	}

	matches, err := idx.MatchingChildren(q.Labels)
	if err != nil {
		return nil, err
	}
	for childIdx, ids := range matches {
		if err := add(childIdx, ids); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// scanLeaf implements §4.8's leaf phase: every entry of leaf whose unit
// intersects q.Rect and (if non-empty) whose label is in q.Labels is
// grouped by trajectory id into groups.
func (t *Tree) scanLeaf(leaf NodePtr, q SimpleQuery, groups map[TrajectoryID][]UnitMatch) error {
	count, err := t.nodes.Count(leaf, false)
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		e, err := t.nodes.LeafEntry(leaf, i)
		if err != nil {
			return err
		}
		if !e.MBB().Intersects(q.Rect) {
			continue
		}
		if len(q.Labels) > 0 {
			if _, ok := q.Labels[e.Unit.Label]; !ok {
				continue
			}
		}
		groups[e.ID] = append(groups[e.ID], UnitMatch{Index: e.Index, Unit: e.Unit})
	}
	return nil
}

// checkOrder implements §4.8's ordering check over trajectories present in
// every stage's group.
func checkOrder(groups []map[TrajectoryID][]UnitMatch) []TrajectoryMatch {
	var ids []TrajectoryID
outer:
	for id := range groups[0] {
		for _, g := range groups[1:] {
			if _, ok := g[id]; !ok {
				continue outer
			}
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []TrajectoryMatch
	for _, id := range ids {
		stages := make([][]UnitMatch, len(groups))
		for i, g := range groups {
			stages[i] = append([]UnitMatch(nil), g[id]...)
		}
		if match, ok := orderedChain(stages); ok {
			sort.SliceStable(match, func(a, b int) bool { return match[a].Index < match[b].Index })
			out = append(out, TrajectoryMatch{ID: id, Units: match})
		}
	}
	return out
}

// orderedChain runs §4.8's cursor/binary-search ordering check over one
// trajectory's stage groups, each already sorted by unit_index. It walks
// G_0..G_{k-1} left to right, keeping a running cursor: within G_i it
// binary-searches for the first unit at or after the cursor (rejecting t if
// none exists), and for every stage but the last splits at that unit's
// index (the boundary) — entries of G_i before the boundary join the match
// list, entries of G_{i+1} at or after it remain for the next iteration.
// A unit that satisfies both G_i and G_{i+1} resolves to G_{i+1} (§9 Open
// Question #3), since the boundary unit itself is excluded from G_i's
// survivors but retained in G_{i+1}.
func orderedChain(stages [][]UnitMatch) ([]UnitMatch, bool) {
	if len(stages[0]) == 0 {
		return nil, false
	}
	cursor := stages[0][0].Index
	match := append([]UnitMatch(nil), stages[0]...)

	for i := 1; i < len(stages); i++ {
		g := stages[i]
		p := sort.Search(len(g), func(j int) bool { return g[j].Index >= cursor })
		if p == len(g) {
			return nil, false
		}
		if i == len(stages)-1 {
			match = append(match, g...)
			break
		}
		boundary := g[p].Index
		next := stages[i+1]
		q := sort.Search(len(next), func(j int) bool { return next[j].Index >= boundary })
		match = append(match, g[:p]...)
		stages[i+1] = next[q:]
		cursor = boundary
	}
	return match, true
}
