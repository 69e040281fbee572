// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package irwi implements the Inverted-R-Tree with Weighted Intersection
// (IRWI) engine: a block-addressable, disk-resident spatio-textual index
// over labeled trajectory units, with one-by-one insertion, bulk load
// ("QuickLoad"), and sequenced multi-stage range queries.
package irwi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/geodb/irwi/pkg/blockstore"
	"github.com/geodb/irwi/pkg/log"
	"github.com/geodb/irwi/pkg/notify"
)

const headerVersion = 2

var (
	// ErrFormatMismatch is returned by Open when the persisted header
	// disagrees with the options the caller opened with (§7).
	ErrFormatMismatch = errors.New("irwi: tree header format mismatch")
	// ErrEmptyTree is returned by Root when the tree holds no entries (§7).
	ErrEmptyTree = errors.New("irwi: tree is empty")
)

// Options configures a freshly created tree. Reopening an existing tree
// validates BlockSize, Lambda and any nonzero fanout against the persisted
// header and fails with ErrFormatMismatch on any disagreement; Beta,
// CacheBlocks, Checksum and Notify are not persisted and apply to the
// current session only.
type Options struct {
	BlockSize      int
	Lambda         int
	FanoutInternal int // 0 lets NodeStorage derive a fanout from BlockSize
	FanoutLeaf     int
	Beta           float64
	CacheBlocks    int
	Checksum       bool
	Notify         notify.Config // zero value disables event publishing
}

// header is the persistent tree.state record (§6.1), little-endian.
type header struct {
	Version        int32
	BlockSize      uint64
	Lambda         uint64
	FanoutInternal uint64
	FanoutLeaf     uint64
	Size           uint64
	Height         uint64
	LeafCount      uint64
	InternalCount  uint64
	RootHandle     uint64
}

const headerSize = 4 + 8*9

func (h header) marshal() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Version))
	binary.LittleEndian.PutUint64(buf[4:12], h.BlockSize)
	binary.LittleEndian.PutUint64(buf[12:20], h.Lambda)
	binary.LittleEndian.PutUint64(buf[20:28], h.FanoutInternal)
	binary.LittleEndian.PutUint64(buf[28:36], h.FanoutLeaf)
	binary.LittleEndian.PutUint64(buf[36:44], h.Size)
	binary.LittleEndian.PutUint64(buf[44:52], h.Height)
	binary.LittleEndian.PutUint64(buf[52:60], h.LeafCount)
	binary.LittleEndian.PutUint64(buf[60:68], h.InternalCount)
	binary.LittleEndian.PutUint64(buf[68:76], h.RootHandle)
	return buf
}

func unmarshalHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("irwi: truncated tree.state (%d bytes)", len(buf))
	}
	return header{
		Version:        int32(binary.LittleEndian.Uint32(buf[0:4])),
		BlockSize:      binary.LittleEndian.Uint64(buf[4:12]),
		Lambda:         binary.LittleEndian.Uint64(buf[12:20]),
		FanoutInternal: binary.LittleEndian.Uint64(buf[20:28]),
		FanoutLeaf:     binary.LittleEndian.Uint64(buf[28:36]),
		Size:           binary.LittleEndian.Uint64(buf[36:44]),
		Height:         binary.LittleEndian.Uint64(buf[44:52]),
		LeafCount:      binary.LittleEndian.Uint64(buf[52:60]),
		InternalCount:  binary.LittleEndian.Uint64(buf[60:68]),
		RootHandle:     binary.LittleEndian.Uint64(buf[68:76]),
	}, nil
}

// Tree is an open IRWI tree: the facade tying C1-C8 together (§2). Not safe
// for concurrent use; the engine is single-writer (§5).
type Tree struct {
	dir   string
	store *blockstore.Store
	nodes *NodeStorage

	dirAlloc   *IDAllocator
	indexRoot  string
	registry   *SharedRegistry
	accounting *Accounting
	notifier   *notify.Publisher

	beta float64
	hdr  header
}

func statePath(dir string) string  { return filepath.Join(dir, "tree.state") }
func blocksPath(dir string) string { return filepath.Join(dir, "tree.blocks") }

// Create initializes a brand-new, empty tree in dir, which must not already
// contain a tree.state file.
func Create(dir string, opts Options) (*Tree, error) {
	if _, err := os.Stat(statePath(dir)); err == nil {
		return nil, fmt.Errorf("irwi: %s already contains a tree", dir)
	}
	if err := os.MkdirAll(filepath.Join(dir, "inverted_index"), 0o755); err != nil {
		return nil, fmt.Errorf("irwi: create %s: %w", dir, err)
	}

	store, err := blockstore.Open(blocksPath(dir), blockstore.Options{
		BlockSize:  opts.BlockSize,
		CacheSize:  opts.CacheBlocks,
		Checksum:   opts.Checksum,
		MetricsFor: filepath.Base(dir),
	})
	if err != nil {
		return nil, err
	}

	nodes, err := NewNodeStorage(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	fInt, fLeaf := nodes.FanoutInternal(), nodes.FanoutLeaf()
	if opts.FanoutInternal > 0 {
		fInt = opts.FanoutInternal
	}
	if opts.FanoutLeaf > 0 {
		fLeaf = opts.FanoutLeaf
	}

	t := &Tree{
		dir:        dir,
		store:      store,
		nodes:      nodes,
		indexRoot:  filepath.Join(dir, "inverted_index"),
		accounting: NewAccounting(),
		beta:       opts.Beta,
		hdr: header{
			Version:        headerVersion,
			BlockSize:      uint64(opts.BlockSize),
			Lambda:         uint64(opts.Lambda),
			FanoutInternal: uint64(fInt),
			FanoutLeaf:     uint64(fLeaf),
		},
	}
	dirAlloc, err := OpenIDAllocator(filepath.Join(t.indexRoot, ".alloc"))
	if err != nil {
		store.Close()
		return nil, err
	}
	t.dirAlloc = dirAlloc
	t.registry = NewSharedRegistry(t.openIndex)
	t.notifier = connectNotifier(opts.Notify)

	if err := t.persistHeader(); err != nil {
		store.Close()
		return nil, err
	}
	return t, nil
}

// Open reopens an existing tree directory, validating its header against
// opts (§7: mismatched version/block_size/λ/fanouts is fatal).
func Open(dir string, opts Options) (*Tree, error) {
	raw, err := os.ReadFile(statePath(dir))
	if err != nil {
		return nil, fmt.Errorf("irwi: open %s: %w", dir, err)
	}
	hdr, err := unmarshalHeader(raw)
	if err != nil {
		return nil, err
	}
	if hdr.Version != headerVersion ||
		hdr.BlockSize != uint64(opts.BlockSize) ||
		hdr.Lambda != uint64(opts.Lambda) ||
		(opts.FanoutInternal > 0 && hdr.FanoutInternal != uint64(opts.FanoutInternal)) ||
		(opts.FanoutLeaf > 0 && hdr.FanoutLeaf != uint64(opts.FanoutLeaf)) {
		return nil, fmt.Errorf("%w: got version=%d block_size=%d lambda=%d fanout_internal=%d fanout_leaf=%d",
			ErrFormatMismatch, hdr.Version, hdr.BlockSize, hdr.Lambda, hdr.FanoutInternal, hdr.FanoutLeaf)
	}

	store, err := blockstore.Open(blocksPath(dir), blockstore.Options{
		BlockSize:  opts.BlockSize,
		CacheSize:  opts.CacheBlocks,
		Checksum:   opts.Checksum,
		MetricsFor: filepath.Base(dir),
	})
	if err != nil {
		return nil, err
	}
	nodes, err := NewNodeStorage(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	t := &Tree{
		dir:        dir,
		store:      store,
		nodes:      nodes,
		indexRoot:  filepath.Join(dir, "inverted_index"),
		accounting: NewAccounting(),
		beta:       opts.Beta,
		hdr:        hdr,
	}
	dirAlloc, err := OpenIDAllocator(filepath.Join(t.indexRoot, ".alloc"))
	if err != nil {
		store.Close()
		return nil, err
	}
	t.dirAlloc = dirAlloc
	t.registry = NewSharedRegistry(t.openIndex)
	t.notifier = connectNotifier(opts.Notify)
	return t, nil
}

// connectNotifier dials the configured publisher. Connection failures are
// logged, not returned: a down notifier must never prevent a tree from
// opening (§5, domain stack item 5).
func connectNotifier(cfg notify.Config) *notify.Publisher {
	pub, err := notify.Connect(cfg)
	if err != nil {
		log.Warnf("irwi: event notifier disabled: %v", err)
		return &notify.Publisher{}
	}
	return pub
}

func (t *Tree) openIndex(key registryKey) (*InvertedIndex, error) {
	backend, err := OpenFileIndexBackend(t.indexDir(key), int(t.hdr.Lambda))
	if err != nil {
		return nil, err
	}
	return NewInvertedIndex(int(t.hdr.Lambda), backend)
}

func (t *Tree) indexDir(id uint64) string {
	return filepath.Join(t.indexRoot, fmt.Sprintf("%d", id))
}

func (t *Tree) persistHeader() error {
	return os.WriteFile(statePath(t.dir), t.hdr.marshal(), 0o644)
}

// Close flushes all state. Per §5, headers are persisted last so either the
// prior or new state is fully visible on reopen.
func (t *Tree) Close() error {
	if err := t.store.Flush(); err != nil {
		return err
	}
	if err := t.dirAlloc.Persist(); err != nil {
		return err
	}
	t.notifier.Close()
	if err := t.store.Close(); err != nil {
		return err
	}
	return t.persistHeader()
}

// Size returns the number of entries ever inserted.
func (t *Tree) Size() uint64 { return t.hdr.Size }

// Height returns the tree height (0 = empty, 1 = root is a leaf).
func (t *Tree) Height() uint64 { return t.hdr.Height }

// Lambda returns the tree's trajectory-id-set interval budget.
func (t *Tree) Lambda() int { return int(t.hdr.Lambda) }

// Root returns the root node handle, or ErrEmptyTree if the tree holds no
// entries (§7).
func (t *Tree) Root() (NodePtr, error) {
	if t.hdr.Height == 0 {
		return 0, ErrEmptyTree
	}
	return NodePtr(t.hdr.RootHandle), nil
}

// Stats is a snapshot of tree-wide counters and I/O accounting, with no
// rendering attached (a supplemental feature over the minimal spec surface:
// CLIs/inspectors out of scope here only ever need this data, not a
// formatter).
type Stats struct {
	Size          uint64
	Height        uint64
	LeafCount     uint64
	InternalCount uint64
	FanoutLeaf    uint64
	FanoutInt     uint64
	BytesRead     uint64
	BytesWritten  uint64
	CacheHits     uint64
	CacheMisses   uint64
	Scopes        map[string]ScopeStat
}

// Stats returns a point-in-time snapshot of the tree's size and I/O
// counters (§6.5).
func (t *Tree) Stats() Stats {
	return Stats{
		Size:          t.hdr.Size,
		Height:        t.hdr.Height,
		LeafCount:     t.hdr.LeafCount,
		InternalCount: t.hdr.InternalCount,
		FanoutLeaf:    t.hdr.FanoutLeaf,
		FanoutInt:     t.hdr.FanoutInternal,
		BytesRead:     t.store.BytesRead(),
		BytesWritten:  t.store.BytesWritten(),
		CacheHits:     t.store.CacheHits(),
		CacheMisses:   t.store.CacheMisses(),
		Scopes:        t.accounting.Snapshot(),
	}
}

func (t *Tree) logf(format string, args ...any) {
	log.Debugf("irwi: "+format, args...)
}
