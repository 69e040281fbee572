// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

import (
	"fmt"
	"sort"
	"sync"
)

// InvertedIndex is the per-internal-node mapping label -> postings list plus
// one distinguished total list (§3, §4.3). Lists are opened lazily through a
// Backend and kept ordered by label for deterministic iteration.
type InvertedIndex struct {
	lambda  int
	backend IndexBackend
	total   PostingsList
	labels  []Label // sorted
	lists   map[Label]PostingsList
}

// IndexBackend opens/creates/destroys the postings lists owned by one
// inverted index. Implementations back C3 with whichever C2 backend fits
// the storage kind (in-memory mini-tree, per-node external directory, or
// QuickLoad's shared block store).
type IndexBackend interface {
	OpenTotal() (PostingsList, error)
	OpenLabel(label Label) (PostingsList, bool, error) // ok=false if absent
	CreateLabel(label Label) (PostingsList, error)
	DeleteLabel(label Label) error
	// Labels returns every label currently known to the backend, in no
	// particular order; InvertedIndex sorts it.
	Labels() ([]Label, error)
}

// NewInvertedIndex opens an inverted index over backend.
func NewInvertedIndex(lambda int, backend IndexBackend) (*InvertedIndex, error) {
	total, err := backend.OpenTotal()
	if err != nil {
		return nil, fmt.Errorf("irwi: open total list: %w", err)
	}
	labels, err := backend.Labels()
	if err != nil {
		return nil, err
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return &InvertedIndex{
		lambda:  lambda,
		backend: backend,
		total:   total,
		labels:  labels,
		lists:   make(map[Label]PostingsList),
	}, nil
}

// Total returns the distinguished total list: one posting per child,
// irrespective of label (§3).
func (idx *InvertedIndex) Total() PostingsList { return idx.total }

// Find returns the postings list for label, opening it from the backend on
// first access; ok is false if no such label exists yet.
func (idx *InvertedIndex) Find(label Label) (PostingsList, bool, error) {
	if pl, ok := idx.lists[label]; ok {
		return pl, true, nil
	}
	pl, ok, err := idx.backend.OpenLabel(label)
	if err != nil || !ok {
		return nil, false, err
	}
	idx.lists[label] = pl
	return pl, true, nil
}

// FindOrCreate returns label's postings list, creating an empty one (and
// registering it in sorted position) if absent.
func (idx *InvertedIndex) FindOrCreate(label Label) (PostingsList, error) {
	if pl, ok, err := idx.Find(label); err != nil {
		return nil, err
	} else if ok {
		return pl, nil
	}
	pl, err := idx.backend.CreateLabel(label)
	if err != nil {
		return nil, fmt.Errorf("irwi: create label %d: %w", label, err)
	}
	idx.lists[label] = pl
	i := sort.Search(len(idx.labels), func(i int) bool { return idx.labels[i] >= label })
	idx.labels = append(idx.labels, 0)
	copy(idx.labels[i+1:], idx.labels[i:])
	idx.labels[i] = label
	return pl, nil
}

// Labels returns the sorted labels currently tracked by this index.
func (idx *InvertedIndex) Labels() []Label { return idx.labels }

// ForEach calls fn once per (label, postings list) pair in ascending label
// order, opening each list lazily.
func (idx *InvertedIndex) ForEach(fn func(label Label, pl PostingsList) bool) error {
	for _, label := range idx.labels {
		pl, ok, err := idx.Find(label)
		if err != nil {
			return err
		}
		if !ok {
			continue // removed concurrently with iteration setup; skip
		}
		if !fn(label, pl) {
			break
		}
	}
	return nil
}

// removeIfEmpty drops label's list once it holds no postings (§3's
// invariant: every label list in the index is non-empty).
func (idx *InvertedIndex) removeIfEmpty(label Label) error {
	pl, ok, err := idx.Find(label)
	if err != nil || !ok {
		return err
	}
	if pl.Len() > 0 {
		return nil
	}
	if err := idx.backend.DeleteLabel(label); err != nil {
		return err
	}
	delete(idx.lists, label)
	i := sort.Search(len(idx.labels), func(i int) bool { return idx.labels[i] >= label })
	if i < len(idx.labels) && idx.labels[i] == label {
		idx.labels = append(idx.labels[:i], idx.labels[i+1:]...)
	}
	return nil
}

// MatchingChildren implements §4.3's matching_children(labels, out): for
// every child c that has a posting under at least one label in labels,
// union the id sets of all such postings. labels must be non-empty; callers
// wanting "any label" use Total() instead.
func (idx *InvertedIndex) MatchingChildren(labels map[Label]struct{}) (map[uint32]IdSet, error) {
	out := make(map[uint32]IdSet)
	for label := range labels {
		pl, ok, err := idx.Find(label)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := pl.ForEach(func(_ int, p Posting) bool {
			if existing, ok := out[p.ChildIndex]; ok {
				out[p.ChildIndex] = Union(existing, p.IDs)
			} else {
				out[p.ChildIndex] = p.IDs.Clone()
			}
			return true
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close releases every opened postings list, including the total list.
func (idx *InvertedIndex) Close() error {
	var firstErr error
	if err := idx.total.Close(); err != nil {
		firstErr = err
	}
	for _, pl := range idx.lists {
		if err := pl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ---- shared open-once registry --------------------------------------------

// registryKey identifies one inverted index instance, typically the node
// handle that owns it.
type registryKey = uint64

// SharedRegistry enforces §4.3/§5's open-once discipline: each inverted
// index may be opened at most once concurrently; repeated opens of the same
// key return the same live instance until the last handle is released.
type SharedRegistry struct {
	mu      sync.Mutex
	entries map[registryKey]*registryEntry
	open    func(key registryKey) (*InvertedIndex, error)
}

type registryEntry struct {
	idx      *InvertedIndex
	refcount int
}

// NewSharedRegistry returns a registry that uses open to construct a fresh
// InvertedIndex on first acquisition of a key.
func NewSharedRegistry(open func(key registryKey) (*InvertedIndex, error)) *SharedRegistry {
	return &SharedRegistry{entries: make(map[registryKey]*registryEntry), open: open}
}

// Acquire returns the live InvertedIndex for key, opening it if this is the
// first outstanding handle.
func (r *SharedRegistry) Acquire(key registryKey) (*InvertedIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.refcount++
		return e.idx, nil
	}
	idx, err := r.open(key)
	if err != nil {
		return nil, err
	}
	r.entries[key] = &registryEntry{idx: idx, refcount: 1}
	return idx, nil
}

// Release drops one outstanding handle to key; once the refcount reaches
// zero the index is closed and evicted from the registry.
func (r *SharedRegistry) Release(key registryKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		panic(fmt.Sprintf("irwi: release of unregistered index key %d", key))
	}
	e.refcount--
	if e.refcount > 0 {
		return nil
	}
	delete(r.entries, key)
	return e.idx.Close()
}
