// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

import "sort"

// Interval is a closed, inclusive [Lo, Hi] range of trajectory ids.
type Interval struct {
	Lo, Hi uint32
}

// IdSet approximates a set of trajectory ids with at most Lambda closed
// intervals (§3). It is always a sound superset of the true id set: Insert,
// Union and Intersect never drop an id that belongs in the result, they only
// ever merge intervals together to stay within the interval budget.
type IdSet struct {
	lambda    int
	intervals []Interval // sorted, non-overlapping, non-adjacent (merged)
}

// NewIdSet returns an empty set with the given interval budget. lambda must
// be at least 1; an IdSet with lambda == 0 can never hold anything and is a
// caller error.
func NewIdSet(lambda int) IdSet {
	if lambda < 1 {
		panic("irwi: IdSet lambda must be >= 1")
	}
	return IdSet{lambda: lambda}
}

// Lambda returns the configured interval budget.
func (s IdSet) Lambda() int { return s.lambda }

// IsEmpty reports whether the set holds no intervals. Removing the last
// element of a non-empty set and then asking the caller to treat the
// now-empty set as absent is a programming error elsewhere in this engine
// (Open Question #1 in spec.md §9): empty IdSets are never produced by
// Insert/Union/Intersect of a non-empty operand, so this is purely an
// observational helper.
func (s IdSet) IsEmpty() bool { return len(s.intervals) == 0 }

// Intervals returns the set's sorted, non-overlapping intervals. The
// returned slice must not be mutated by the caller.
func (s IdSet) Intervals() []Interval { return s.intervals }

// Clone returns a deep copy.
func (s IdSet) Clone() IdSet {
	out := IdSet{lambda: s.lambda}
	if len(s.intervals) > 0 {
		out.intervals = append([]Interval(nil), s.intervals...)
	}
	return out
}

// Contains reports whether id is covered by some interval (a true positive
// is always reported; a false positive is possible per the soundness
// contract).
func (s IdSet) Contains(id uint32) bool {
	i := sort.Search(len(s.intervals), func(i int) bool { return s.intervals[i].Hi >= id })
	return i < len(s.intervals) && s.intervals[i].Lo <= id
}

// Insert adds a single trajectory id to the set.
func (s *IdSet) Insert(id uint32) {
	merged := mergeIntervals(s.intervals, []Interval{{Lo: id, Hi: id}})
	s.intervals = normalize(merged, s.lambda)
}

// Union returns the union of a and b, normalized to max(a.lambda, b.lambda)
// intervals (the two operands are always drawn from IdSets of identical
// lambda in this engine, since λ is a single tree-wide parameter).
func Union(a, b IdSet) IdSet {
	lambda := a.lambda
	if b.lambda > lambda {
		lambda = b.lambda
	}
	out := IdSet{lambda: lambda}
	out.intervals = normalize(mergeIntervals(a.intervals, b.intervals), lambda)
	return out
}

// Intersect returns the intersection of a and b. Soundness is preserved:
// since a ⊇ realA and b ⊇ realB, intersect(a,b) ⊇ realA ∩ realB.
func Intersect(a, b IdSet) IdSet {
	lambda := a.lambda
	if b.lambda > lambda {
		lambda = b.lambda
	}
	out := IdSet{lambda: lambda}

	var i, j int
	for i < len(a.intervals) && j < len(b.intervals) {
		lo := maxu32(a.intervals[i].Lo, b.intervals[j].Lo)
		hi := minu32(a.intervals[i].Hi, b.intervals[j].Hi)
		if lo <= hi {
			out.intervals = append(out.intervals, Interval{Lo: lo, Hi: hi})
		}
		if a.intervals[i].Hi < b.intervals[j].Hi {
			i++
		} else {
			j++
		}
	}
	out.intervals = normalize(out.intervals, lambda)
	return out
}

// mergeIntervals merges two already-sorted, non-overlapping interval lists
// into one sorted list, coalescing any intervals that touch or overlap.
func mergeIntervals(a, b []Interval) []Interval {
	all := make([]Interval, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	sort.Slice(all, func(i, j int) bool { return all[i].Lo < all[j].Lo })

	out := make([]Interval, 0, len(all))
	for _, iv := range all {
		if n := len(out); n > 0 && canMerge(out[n-1], iv) {
			if iv.Hi > out[n-1].Hi {
				out[n-1].Hi = iv.Hi
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// canMerge reports whether iv touches or overlaps the interval already at
// the tail of an in-progress merge (adjacent intervals, e.g. [1,3] and
// [4,6], are coalesced too: they describe a contiguous id range).
func canMerge(tail, iv Interval) bool {
	return iv.Lo <= tail.Hi || iv.Lo == tail.Hi+1
}

// normalize closes the lambda-1 smallest inter-interval gaps, merging
// adjacent intervals, until at most lambda intervals remain (§3).
func normalize(intervals []Interval, lambda int) []Interval {
	if lambda < 1 {
		lambda = 1
	}
	for len(intervals) > lambda {
		gapIdx := 0
		smallest := gap(intervals[0], intervals[1])
		for i := 1; i < len(intervals)-1; i++ {
			g := gap(intervals[i], intervals[i+1])
			if g < smallest {
				smallest = g
				gapIdx = i
			}
		}
		intervals[gapIdx].Hi = intervals[gapIdx+1].Hi
		intervals = append(intervals[:gapIdx+1], intervals[gapIdx+2:]...)
	}
	return intervals
}

// gap returns the number of ids strictly between a and b (b assumed to
// follow a). Adjacent intervals have a gap of 0.
func gap(a, b Interval) uint64 {
	if b.Lo <= a.Hi+1 {
		return 0
	}
	return uint64(b.Lo) - uint64(a.Hi) - 1
}
