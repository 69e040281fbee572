// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/geodb/irwi/pkg/blockstore"
)

// Posting is one entry of a postings list: the child a label occurs under,
// how many units of that label live in the child's subtree, and an
// approximate set of the trajectory ids carrying it (§3).
type Posting struct {
	ChildIndex uint32
	Count      uint64
	IDs        IdSet
}

// PostingsList is the common contract of the three interchangeable backends
// described in §4.2: in-memory, per-list file, and shared block-store linked
// list. A child_index may appear at most once; callers are responsible for
// never violating that.
type PostingsList interface {
	// Append adds p. The caller guarantees p.ChildIndex is not already present.
	Append(p Posting) error
	// Set overwrites the posting at position i.
	Set(i int, p Posting) error
	// RemoveSwap moves the last posting into position i and shrinks by one,
	// per §4.2's swap-remove-last contract. Invalidates any index held to
	// the former last element.
	RemoveSwap(i int) error
	// Find returns the position of the posting for childIndex, or ok=false.
	Find(childIndex uint32) (i int, ok bool)
	// Len returns the number of postings.
	Len() int
	// At returns the posting at position i.
	At(i int) (Posting, error)
	// ForEach calls fn for every posting in order; fn returning false stops
	// the iteration early.
	ForEach(fn func(i int, p Posting) bool) error
	// Clear removes every posting.
	Clear() error
	// Summarize returns (Σ count, union of ids) across every posting.
	Summarize() (uint64, IdSet, error)
	// Close releases backend resources (file handles, block-store refs).
	Close() error
}

// ---- in-memory backend --------------------------------------------------

// MemPostingsList is the in-memory backend used by bulk-load mini-trees
// (§4.2), where postings are held as a plain slice with no persistence.
type MemPostingsList struct {
	lambda   int
	postings []Posting
}

// NewMemPostingsList returns an empty in-memory postings list.
func NewMemPostingsList(lambda int) *MemPostingsList {
	return &MemPostingsList{lambda: lambda}
}

func (m *MemPostingsList) Append(p Posting) error {
	m.postings = append(m.postings, p)
	return nil
}

func (m *MemPostingsList) Set(i int, p Posting) error {
	if i < 0 || i >= len(m.postings) {
		return fmt.Errorf("irwi: mem postings set: index %d out of range", i)
	}
	m.postings[i] = p
	return nil
}

func (m *MemPostingsList) RemoveSwap(i int) error {
	n := len(m.postings)
	if i < 0 || i >= n {
		return fmt.Errorf("irwi: mem postings remove: index %d out of range", i)
	}
	m.postings[i] = m.postings[n-1]
	m.postings = m.postings[:n-1]
	return nil
}

func (m *MemPostingsList) Find(childIndex uint32) (int, bool) {
	for i, p := range m.postings {
		if p.ChildIndex == childIndex {
			return i, true
		}
	}
	return 0, false
}

func (m *MemPostingsList) Len() int { return len(m.postings) }

func (m *MemPostingsList) At(i int) (Posting, error) {
	if i < 0 || i >= len(m.postings) {
		return Posting{}, fmt.Errorf("irwi: mem postings at: index %d out of range", i)
	}
	return m.postings[i], nil
}

func (m *MemPostingsList) ForEach(fn func(i int, p Posting) bool) error {
	for i, p := range m.postings {
		if !fn(i, p) {
			break
		}
	}
	return nil
}

func (m *MemPostingsList) Clear() error {
	m.postings = m.postings[:0]
	return nil
}

func (m *MemPostingsList) Summarize() (uint64, IdSet, error) {
	return summarize(m.lambda, len(m.postings), func(i int) Posting { return m.postings[i] })
}

func (m *MemPostingsList) Close() error { return nil }

// summarize is the shared Σcount/id-union loop used by every backend.
func summarize(lambda, n int, at func(i int) Posting) (uint64, IdSet, error) {
	var total uint64
	union := NewIdSet(lambda)
	for i := 0; i < n; i++ {
		p := at(i)
		total += p.Count
		union = Union(union, p.IDs)
	}
	return total, union, nil
}

// ---- per-list file backend ------------------------------------------------

// postingRecordSize returns the fixed on-disk size of one posting record for
// the given lambda: child_index(4) + count(8) + id-set header(4) +
// lambda*2*4 interval bytes, per §9's `(count: u32, intervals: [u32,u32;λ])`.
func postingRecordSize(lambda int) int {
	return 4 + 8 + 4 + lambda*8
}

// FilePostingsList is the per-list dedicated-file backend described in
// §6.1: one fixed-record file per label, living at
// inverted_index/<node>/postings_lists/<id>.node.
type FilePostingsList struct {
	lambda     int
	recordSize int
	file       *os.File
	count      int
}

// OpenFilePostingsList opens (creating if absent) the dedicated postings
// file at path.
func OpenFilePostingsList(path string, lambda int) (*FilePostingsList, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("irwi: open postings file %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("irwi: stat postings file %s: %w", path, err)
	}
	recSize := postingRecordSize(lambda)
	count := int(fi.Size()) / recSize
	return &FilePostingsList{lambda: lambda, recordSize: recSize, file: f, count: count}, nil
}

func (f *FilePostingsList) writeAt(i int, p Posting) error {
	buf := make([]byte, f.recordSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.ChildIndex)
	binary.LittleEndian.PutUint64(buf[4:12], p.Count)
	marshalIdSet(buf[12:], p.IDs, f.lambda)
	_, err := f.file.WriteAt(buf, int64(i)*int64(f.recordSize))
	return err
}

func (f *FilePostingsList) readAt(i int) (Posting, error) {
	buf := make([]byte, f.recordSize)
	if _, err := f.file.ReadAt(buf, int64(i)*int64(f.recordSize)); err != nil {
		return Posting{}, fmt.Errorf("irwi: read posting %d: %w", i, err)
	}
	return Posting{
		ChildIndex: binary.LittleEndian.Uint32(buf[0:4]),
		Count:      binary.LittleEndian.Uint64(buf[4:12]),
		IDs:        unmarshalIdSet(buf[12:], f.lambda),
	}, nil
}

func (f *FilePostingsList) Append(p Posting) error {
	if err := f.writeAt(f.count, p); err != nil {
		return err
	}
	f.count++
	return nil
}

func (f *FilePostingsList) Set(i int, p Posting) error {
	if i < 0 || i >= f.count {
		return fmt.Errorf("irwi: file postings set: index %d out of range", i)
	}
	return f.writeAt(i, p)
}

func (f *FilePostingsList) RemoveSwap(i int) error {
	if i < 0 || i >= f.count {
		return fmt.Errorf("irwi: file postings remove: index %d out of range", i)
	}
	last, err := f.readAt(f.count - 1)
	if err != nil {
		return err
	}
	if i != f.count-1 {
		if err := f.writeAt(i, last); err != nil {
			return err
		}
	}
	f.count--
	return f.file.Truncate(int64(f.count) * int64(f.recordSize))
}

func (f *FilePostingsList) Find(childIndex uint32) (int, bool) {
	for i := 0; i < f.count; i++ {
		p, err := f.readAt(i)
		if err == nil && p.ChildIndex == childIndex {
			return i, true
		}
	}
	return 0, false
}

func (f *FilePostingsList) Len() int { return f.count }

func (f *FilePostingsList) At(i int) (Posting, error) {
	if i < 0 || i >= f.count {
		return Posting{}, fmt.Errorf("irwi: file postings at: index %d out of range", i)
	}
	return f.readAt(i)
}

func (f *FilePostingsList) ForEach(fn func(i int, p Posting) bool) error {
	for i := 0; i < f.count; i++ {
		p, err := f.readAt(i)
		if err != nil {
			return err
		}
		if !fn(i, p) {
			break
		}
	}
	return nil
}

func (f *FilePostingsList) Clear() error {
	f.count = 0
	return f.file.Truncate(0)
}

func (f *FilePostingsList) Summarize() (uint64, IdSet, error) {
	var total uint64
	union := NewIdSet(f.lambda)
	for i := 0; i < f.count; i++ {
		p, err := f.readAt(i)
		if err != nil {
			return 0, IdSet{}, err
		}
		total += p.Count
		union = Union(union, p.IDs)
	}
	return total, union, nil
}

func (f *FilePostingsList) Close() error { return f.file.Close() }

// marshalIdSet/unmarshalIdSet implement §9's trajectory-id interval-set
// wire layout: (count: u32, intervals: [u32,u32; λ]). Unused interval slots
// are zero-filled.
func marshalIdSet(buf []byte, s IdSet, lambda int) {
	ivs := s.Intervals()
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(ivs)))
	for i := 0; i < lambda; i++ {
		off := 4 + i*8
		if i < len(ivs) {
			binary.LittleEndian.PutUint32(buf[off:off+4], ivs[i].Lo)
			binary.LittleEndian.PutUint32(buf[off+4:off+8], ivs[i].Hi)
		}
	}
}

func unmarshalIdSet(buf []byte, lambda int) IdSet {
	s := NewIdSet(lambda)
	n := binary.LittleEndian.Uint32(buf[0:4])
	ivs := make([]Interval, 0, n)
	for i := uint32(0); i < n; i++ {
		off := 4 + int(i)*8
		ivs = append(ivs, Interval{
			Lo: binary.LittleEndian.Uint32(buf[off : off+4]),
			Hi: binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		})
	}
	s.intervals = ivs
	return s
}

// ---- shared block-store linked-list backend --------------------------------

// blockPostingHeaderSize is the fixed base-block layout for a BlockPostingsList:
// size(4) + first(8) + last(8) bytes, per §4.1's "(size, first, last)".
const blockPostingHeaderSize = 4 + 8 + 8

// BlockPostingsList is the shared-block-store doubly-linked-list backend
// used by the QuickLoad temporary tree (§4.2, §4.1): postings live one per
// data block, threaded via next/prev handles stored alongside the record in
// each block.
type BlockPostingsList struct {
	store      *blockstore.Store
	lambda     int
	recordSize int
	base       blockstore.Handle
	size       int
	first      blockstore.Handle
	last       blockstore.Handle
}

// linkedRecordSize is postingRecordSize plus next(8)+prev(8) link fields.
func linkedRecordSize(lambda int) int { return postingRecordSize(lambda) + 16 }

// NewBlockPostingsList allocates a fresh base block in store and returns an
// empty list backed by it.
func NewBlockPostingsList(store *blockstore.Store, lambda int) (*BlockPostingsList, error) {
	base, err := store.GetFreeBlock()
	if err != nil {
		return nil, err
	}
	l := &BlockPostingsList{store: store, lambda: lambda, recordSize: linkedRecordSize(lambda), base: base}
	if err := l.persistHeader(); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenBlockPostingsList reopens a list whose base block is already known.
func OpenBlockPostingsList(store *blockstore.Store, base blockstore.Handle, lambda int) (*BlockPostingsList, error) {
	l := &BlockPostingsList{store: store, lambda: lambda, recordSize: linkedRecordSize(lambda), base: base}
	blk, err := store.ReadBlock(base)
	if err != nil {
		return nil, err
	}
	buf := blk.Bytes()
	l.size = int(binary.LittleEndian.Uint32(buf[0:4]))
	l.first = blockstore.Handle(binary.LittleEndian.Uint64(buf[4:12]))
	l.last = blockstore.Handle(binary.LittleEndian.Uint64(buf[12:20]))
	return l, nil
}

// Base returns the list's base block handle, used as its persisted key.
func (l *BlockPostingsList) Base() blockstore.Handle { return l.base }

func (l *BlockPostingsList) persistHeader() error {
	blk, err := l.store.ReadBlock(l.base)
	if err != nil {
		return err
	}
	buf := blk.Bytes()
	binary.LittleEndian.PutUint32(buf[0:4], uint32(l.size))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(l.first))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(l.last))
	blk.MarkDirty()
	return nil
}

func (l *BlockPostingsList) nodeAt(i int) (blockstore.Handle, error) {
	h := l.first
	for n := 0; n < i; n++ {
		blk, err := l.store.ReadBlock(h)
		if err != nil {
			return 0, err
		}
		h = blockstore.Handle(binary.LittleEndian.Uint64(blk.Bytes()[l.recordSize-16 : l.recordSize-8]))
	}
	return h, nil
}

func (l *BlockPostingsList) readNode(h blockstore.Handle) (Posting, blockstore.Handle, blockstore.Handle, error) {
	blk, err := l.store.ReadBlock(h)
	if err != nil {
		return Posting{}, 0, 0, err
	}
	buf := blk.Bytes()
	p := Posting{
		ChildIndex: binary.LittleEndian.Uint32(buf[0:4]),
		Count:      binary.LittleEndian.Uint64(buf[4:12]),
		IDs:        unmarshalIdSet(buf[12:l.recordSize-16], l.lambda),
	}
	next := blockstore.Handle(binary.LittleEndian.Uint64(buf[l.recordSize-16 : l.recordSize-8]))
	prev := blockstore.Handle(binary.LittleEndian.Uint64(buf[l.recordSize-8 : l.recordSize]))
	return p, next, prev, nil
}

func (l *BlockPostingsList) writeNode(h, next, prev blockstore.Handle, p Posting) error {
	blk, err := l.store.ReadBlock(h)
	if err != nil {
		return err
	}
	buf := blk.Bytes()
	binary.LittleEndian.PutUint32(buf[0:4], p.ChildIndex)
	binary.LittleEndian.PutUint64(buf[4:12], p.Count)
	marshalIdSet(buf[12:l.recordSize-16], p.IDs, l.lambda)
	binary.LittleEndian.PutUint64(buf[l.recordSize-16:l.recordSize-8], uint64(next))
	binary.LittleEndian.PutUint64(buf[l.recordSize-8:l.recordSize], uint64(prev))
	blk.MarkDirty()
	return nil
}

func (l *BlockPostingsList) Append(p Posting) error {
	h, err := l.store.GetFreeBlock()
	if err != nil {
		return err
	}
	prev := l.last
	if err := l.writeNode(h, 0, prev, p); err != nil {
		return err
	}
	if l.size == 0 {
		l.first = h
	} else {
		_, _, prevPrev, err := l.readNode(prev)
		if err != nil {
			return err
		}
		if err := l.writeNode(prev, h, prevPrev, mustPosting(l, prev)); err != nil {
			return err
		}
	}
	l.last = h
	l.size++
	return l.persistHeader()
}

// mustPosting re-reads the posting payload at h (used when rewriting only
// the link fields of an already-written node).
func mustPosting(l *BlockPostingsList, h blockstore.Handle) Posting {
	p, _, _, err := l.readNode(h)
	if err != nil {
		panic(fmt.Sprintf("irwi: block postings: re-read of owned node %d failed: %v", h, err))
	}
	return p
}

func (l *BlockPostingsList) Set(i int, p Posting) error {
	h, err := l.nodeAt(i)
	if err != nil {
		return err
	}
	_, next, prev, err := l.readNode(h)
	if err != nil {
		return err
	}
	return l.writeNode(h, next, prev, p)
}

func (l *BlockPostingsList) RemoveSwap(i int) error {
	if i < 0 || i >= l.size {
		return fmt.Errorf("irwi: block postings remove: index %d out of range", i)
	}
	if i == l.size-1 {
		return l.unlinkLast()
	}
	lastP, _, _, err := l.readNode(l.last)
	if err != nil {
		return err
	}
	if err := l.Set(i, lastP); err != nil {
		return err
	}
	return l.unlinkLast()
}

func (l *BlockPostingsList) unlinkLast() error {
	_, _, prev, err := l.readNode(l.last)
	if err != nil {
		return err
	}
	if err := l.store.FreeBlock(l.last); err != nil {
		return err
	}
	l.size--
	if l.size == 0 {
		l.first, l.last = 0, 0
	} else {
		pp, pNext, pPrev, err := l.readNode(prev)
		if err != nil {
			return err
		}
		_ = pNext
		if err := l.writeNode(prev, 0, pPrev, pp); err != nil {
			return err
		}
		l.last = prev
	}
	return l.persistHeader()
}

func (l *BlockPostingsList) Find(childIndex uint32) (int, bool) {
	i := 0
	h := l.first
	for i < l.size {
		p, next, _, err := l.readNode(h)
		if err != nil {
			return 0, false
		}
		if p.ChildIndex == childIndex {
			return i, true
		}
		h = next
		i++
	}
	return 0, false
}

func (l *BlockPostingsList) Len() int { return l.size }

func (l *BlockPostingsList) At(i int) (Posting, error) {
	h, err := l.nodeAt(i)
	if err != nil {
		return Posting{}, err
	}
	p, _, _, err := l.readNode(h)
	return p, err
}

func (l *BlockPostingsList) ForEach(fn func(i int, p Posting) bool) error {
	h := l.first
	for i := 0; i < l.size; i++ {
		p, next, _, err := l.readNode(h)
		if err != nil {
			return err
		}
		if !fn(i, p) {
			break
		}
		h = next
	}
	return nil
}

func (l *BlockPostingsList) Clear() error {
	h := l.first
	for n := 0; n < l.size; n++ {
		_, next, _, err := l.readNode(h)
		if err != nil {
			return err
		}
		if err := l.store.FreeBlock(h); err != nil {
			return err
		}
		h = next
	}
	l.size, l.first, l.last = 0, 0, 0
	return l.persistHeader()
}

func (l *BlockPostingsList) Summarize() (uint64, IdSet, error) {
	var total uint64
	union := NewIdSet(l.lambda)
	h := l.first
	for n := 0; n < l.size; n++ {
		p, next, _, err := l.readNode(h)
		if err != nil {
			return 0, IdSet{}, err
		}
		total += p.Count
		union = Union(union, p.IDs)
		h = next
	}
	return total, union, nil
}

// Close is a no-op: block-backed lists live as long as their store does and
// are reclaimed via Clear/FreeBlock, not a file-handle close.
func (l *BlockPostingsList) Close() error { return nil }
