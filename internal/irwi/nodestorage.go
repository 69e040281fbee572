// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/geodb/irwi/pkg/blockstore"
)

// NodePtr is an opaque block handle used as a node pointer. Whether it
// addresses an internal or a leaf block is never encoded in the handle
// itself; callers track this via the tree's height (§3: "types NodePtr |
// InternalPtr | LeafPtr are discriminated by the tree's height").
type NodePtr = blockstore.Handle

const (
	bboxSize           = 2 * 12 // Min, Max Point3, 12 bytes each
	internalEntrySize  = bboxSize + 8
	internalHeaderSize = 8 + 4 // inverted_index_ref, count
	leafHeaderSize     = 4     // count
)

// NodeStorage is the typed view over blocks described in §4.4: internal
// nodes hold child MBBs/pointers plus an inverted-index reference; leaf
// nodes hold tree_entry records. Fanouts are derived once from the block
// size so every node fits in exactly one block.
type NodeStorage struct {
	store *blockstore.Store
	fInt  int
	fLeaf int
}

// NewNodeStorage derives F_int/F_leaf from the store's block size and
// returns a NodeStorage over it.
func NewNodeStorage(store *blockstore.Store) (*NodeStorage, error) {
	bs := store.BlockSize()
	fInt := (bs - internalHeaderSize) / internalEntrySize
	fLeaf := (bs - leafHeaderSize) / entryRecordSize
	if fInt < 4 || fLeaf < 4 {
		return nil, fmt.Errorf("irwi: block size %d too small for any reasonable fanout", bs)
	}
	return &NodeStorage{store: store, fInt: fInt, fLeaf: fLeaf}, nil
}

// FanoutInternal and FanoutLeaf return the derived F_int/F_leaf.
func (ns *NodeStorage) FanoutInternal() int { return ns.fInt }
func (ns *NodeStorage) FanoutLeaf() int     { return ns.fLeaf }

// CreateInternal allocates a fresh, empty internal node block recording
// invIndexRef as its inverted-index reference (§4.4: "Creating an internal
// node also allocates its inverted-index ref" -- the ref itself is
// allocated by the caller, who owns the index backend).
func (ns *NodeStorage) CreateInternal(invIndexRef uint64) (NodePtr, error) {
	h, err := ns.store.GetFreeBlock()
	if err != nil {
		return 0, err
	}
	blk, err := ns.store.ReadBlock(h)
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint64(blk.Bytes()[0:8], invIndexRef)
	binary.LittleEndian.PutUint32(blk.Bytes()[8:12], 0)
	blk.MarkDirty()
	return h, nil
}

// CreateLeaf allocates a fresh, empty leaf node block.
func (ns *NodeStorage) CreateLeaf() (NodePtr, error) {
	h, err := ns.store.GetFreeBlock()
	if err != nil {
		return 0, err
	}
	blk, err := ns.store.ReadBlock(h)
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(blk.Bytes()[0:4], 0)
	blk.MarkDirty()
	return h, nil
}

// Free releases a node's block. The caller is responsible for destroying
// its inverted index first, if it has one (§3: "the inverted index ... is
// destroyed when the node would be destroyed").
func (ns *NodeStorage) Free(h NodePtr) error { return ns.store.FreeBlock(h) }

// InvIndexRef returns the inverted-index reference stored in an internal
// node's block.
func (ns *NodeStorage) InvIndexRef(h NodePtr) (uint64, error) {
	blk, err := ns.store.ReadBlock(h)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(blk.Bytes()[0:8]), nil
}

// Count returns an internal or leaf node's entry count; the header layouts
// differ but both share a count field as their second/first field
// respectively, so the caller must pass the right offset via isInternal.
func (ns *NodeStorage) Count(h NodePtr, isInternal bool) (uint32, error) {
	blk, err := ns.store.ReadBlock(h)
	if err != nil {
		return 0, err
	}
	if isInternal {
		return binary.LittleEndian.Uint32(blk.Bytes()[8:12]), nil
	}
	return binary.LittleEndian.Uint32(blk.Bytes()[0:4]), nil
}

// SetCount updates the entry count.
func (ns *NodeStorage) SetCount(h NodePtr, isInternal bool, n uint32) error {
	blk, err := ns.store.ReadBlock(h)
	if err != nil {
		return err
	}
	if isInternal {
		binary.LittleEndian.PutUint32(blk.Bytes()[8:12], n)
	} else {
		binary.LittleEndian.PutUint32(blk.Bytes()[0:4], n)
	}
	blk.MarkDirty()
	return nil
}

func internalEntryOffset(i int) int { return internalHeaderSize + i*internalEntrySize }

// ChildMBB returns the MBB stored for child i of an internal node.
func (ns *NodeStorage) ChildMBB(h NodePtr, i int) (BoundingBox, error) {
	blk, err := ns.store.ReadBlock(h)
	if err != nil {
		return BoundingBox{}, err
	}
	off := internalEntryOffset(i)
	return readBBox(blk.Bytes()[off : off+bboxSize]), nil
}

// ChildPtr returns the child pointer at position i of an internal node.
func (ns *NodeStorage) ChildPtr(h NodePtr, i int) (NodePtr, error) {
	blk, err := ns.store.ReadBlock(h)
	if err != nil {
		return 0, err
	}
	off := internalEntryOffset(i) + bboxSize
	return NodePtr(binary.LittleEndian.Uint64(blk.Bytes()[off : off+8])), nil
}

// SetChild writes both the MBB and pointer of child i in one call.
func (ns *NodeStorage) SetChild(h NodePtr, i int, box BoundingBox, ptr NodePtr) error {
	blk, err := ns.store.ReadBlock(h)
	if err != nil {
		return err
	}
	off := internalEntryOffset(i)
	writeBBox(blk.Bytes()[off:off+bboxSize], box)
	binary.LittleEndian.PutUint64(blk.Bytes()[off+bboxSize:off+internalEntrySize], uint64(ptr))
	blk.MarkDirty()
	return nil
}

// SetChildMBB updates only the MBB of child i, leaving its pointer intact.
func (ns *NodeStorage) SetChildMBB(h NodePtr, i int, box BoundingBox) error {
	blk, err := ns.store.ReadBlock(h)
	if err != nil {
		return err
	}
	off := internalEntryOffset(i)
	writeBBox(blk.Bytes()[off:off+bboxSize], box)
	blk.MarkDirty()
	return nil
}

func leafEntryOffset(i int) int { return leafHeaderSize + i*entryRecordSize }

// LeafEntry returns the tree_entry stored at position i of a leaf node.
func (ns *NodeStorage) LeafEntry(h NodePtr, i int) (TreeEntry, error) {
	blk, err := ns.store.ReadBlock(h)
	if err != nil {
		return TreeEntry{}, err
	}
	off := leafEntryOffset(i)
	return unmarshalEntry(blk.Bytes()[off : off+entryRecordSize]), nil
}

// SetLeafEntry writes e at position i of a leaf node.
func (ns *NodeStorage) SetLeafEntry(h NodePtr, i int, e TreeEntry) error {
	blk, err := ns.store.ReadBlock(h)
	if err != nil {
		return err
	}
	off := leafEntryOffset(i)
	marshalEntry(blk.Bytes()[off:off+entryRecordSize], e)
	blk.MarkDirty()
	return nil
}

func readBBox(buf []byte) BoundingBox {
	return BoundingBox{
		Min: readPoint3(buf[0:12]),
		Max: readPoint3(buf[12:24]),
	}
}

func writeBBox(buf []byte, b BoundingBox) {
	writePoint3(buf[0:12], b.Min)
	writePoint3(buf[12:24], b.Max)
}

func readPoint3(buf []byte) Point3 {
	return Point3{
		X: getFloat32(buf[0:4]),
		Y: getFloat32(buf[4:8]),
		T: binary.LittleEndian.Uint32(buf[8:12]),
	}
}

func writePoint3(buf []byte, p Point3) {
	putFloat32(buf[0:4], p.X)
	putFloat32(buf[4:8], p.Y)
	binary.LittleEndian.PutUint32(buf[8:12], p.T)
}

// emptyBBox returns an inverted box (Min above Max on every axis) that
// Extend()s to exactly the other operand's box; used as the fold starting
// point when computing a child's MBB from scratch. Its own Size() is not 0:
// it clamps to math.MaxFloat32.
func emptyBBox() BoundingBox {
	return BoundingBox{
		Min: Point3{X: math.MaxFloat32, Y: math.MaxFloat32, T: math.MaxUint32},
		Max: Point3{X: -math.MaxFloat32, Y: -math.MaxFloat32, T: 0},
	}
}
