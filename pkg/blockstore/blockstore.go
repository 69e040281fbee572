// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package blockstore implements the fixed-size block file with a free list
// and a bounded LRU cache that every on-disk IRWI tree is built on (C1).
//
// A Store hands out Handles (monotonically allocated block indices, reused
// after Free) and lets callers read/write the raw bytes of a block. Callers
// are responsible for interpreting those bytes (node storage does this for
// internal/leaf nodes, postings-list backends do it for their own records).
package blockstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/geodb/irwi/pkg/log"
)

// Handle is an opaque, trivially copyable block pointer: an index into the
// block file. The first handle GetFreeBlock issues on an empty store is 0.
type Handle uint64

const minCacheBlocks = 4

// Block is a cached, mutable view of one block's bytes. Bytes() returns the
// live backing array; mutations are only durable once MarkDirty has been
// called and the block has later been flushed (on eviction or Close).
type Block struct {
	store  *Store
	handle Handle
	data   []byte
	dirty  bool
}

func (b *Block) Bytes() []byte { return b.data }

func (b *Block) MarkDirty() { b.dirty = true }

// Store is a fixed-size block file plus a free list and an LRU cache. Not
// safe for concurrent use by more than one writer (§5: single-writer model).
type Store struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	blockSize int
	numBlocks uint64
	freeList  []Handle
	cache     *lru.Cache[Handle, *Block]
	checksums []uint64 // in-memory mirror of the sidecar checksum file, indexed by Handle
	metrics   *Metrics
}

// Options configure a Store.
type Options struct {
	BlockSize  int
	CacheSize  int // number of blocks held by the LRU cache, minimum 4
	Checksum   bool
	MetricsFor string // label used to distinguish Prometheus metrics of multiple stores; may be empty
}

// Open opens an existing block file or creates a new, empty one at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.CacheSize < minCacheBlocks {
		opts.CacheSize = minCacheBlocks
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockstore: stat %s: %w", path, err)
	}

	s := &Store{
		file:      f,
		path:      path,
		blockSize: opts.BlockSize,
		numBlocks: uint64(fi.Size()) / uint64(opts.BlockSize),
		metrics:   newMetrics(opts.MetricsFor),
	}

	if err := s.loadFreeList(); err != nil {
		f.Close()
		return nil, err
	}
	if opts.Checksum {
		if err := s.loadChecksums(); err != nil {
			f.Close()
			return nil, err
		}
	}

	cache, err := lru.NewWithEvict(opts.CacheSize, s.onEvict)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockstore: cache: %w", err)
	}
	s.cache = cache

	return s, nil
}

func (s *Store) freeListPath() string { return s.path + ".freelist" }
func (s *Store) checksumPath() string { return s.path + ".checksums" }

func (s *Store) loadFreeList() error {
	b, err := os.ReadFile(s.freeListPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("blockstore: read free list: %w", err)
	}
	if len(b)%8 != 0 {
		return fmt.Errorf("blockstore: corrupt free list file %s", s.freeListPath())
	}
	s.freeList = make([]Handle, 0, len(b)/8)
	for i := 0; i < len(b); i += 8 {
		s.freeList = append(s.freeList, Handle(binary.LittleEndian.Uint64(b[i:])))
	}
	return nil
}

func (s *Store) persistFreeList() error {
	buf := make([]byte, 8*len(s.freeList))
	for i, h := range s.freeList {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(h))
	}
	return os.WriteFile(s.freeListPath(), buf, 0o644)
}

func (s *Store) loadChecksums() error {
	b, err := os.ReadFile(s.checksumPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.checksums = make([]uint64, s.numBlocks)
			return nil
		}
		return fmt.Errorf("blockstore: read checksums: %w", err)
	}
	s.checksums = make([]uint64, len(b)/8)
	for i := range s.checksums {
		s.checksums[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return nil
}

func (s *Store) persistChecksums() error {
	if s.checksums == nil {
		return nil
	}
	buf := make([]byte, 8*len(s.checksums))
	for i, c := range s.checksums {
		binary.LittleEndian.PutUint64(buf[i*8:], c)
	}
	return os.WriteFile(s.checksumPath(), buf, 0o644)
}

func checksumOf(data []byte) uint64 {
	h := blake2b.Sum256(data)
	return binary.BigEndian.Uint64(h[:8])
}

// onEvict is invoked by the LRU cache when a block is pushed out; dirty
// blocks are flushed to disk before their memory is reclaimed.
func (s *Store) onEvict(h Handle, b *Block) {
	if b.dirty {
		if err := s.writeThrough(h, b); err != nil {
			log.Errorf("blockstore: evict flush of block %d failed: %v", h, err)
		}
	}
}

func (s *Store) writeThrough(h Handle, b *Block) error {
	off := int64(h) * int64(s.blockSize)
	n, err := s.file.WriteAt(b.data, off)
	if err != nil {
		return fmt.Errorf("blockstore: write block %d: %w", h, err)
	}
	s.metrics.bytesWritten.Add(float64(n))
	if s.checksums != nil {
		s.ensureChecksumSlot(h)
		s.checksums[h] = checksumOf(b.data)
	}
	b.dirty = false
	return nil
}

func (s *Store) ensureChecksumSlot(h Handle) {
	if uint64(len(s.checksums)) <= uint64(h) {
		grown := make([]uint64, h+1)
		copy(grown, s.checksums)
		s.checksums = grown
	}
}

// GetFreeBlock reclaims a freed block handle or, if none is available,
// extends the block file by one block.
func (s *Store) GetFreeBlock() (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.freeList); n > 0 {
		h := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		return h, nil
	}

	h := Handle(s.numBlocks)
	s.numBlocks++
	data := make([]byte, s.blockSize)
	blk := &Block{store: s, handle: h, data: data, dirty: true}
	s.cache.Add(h, blk)
	return h, nil
}

// FreeBlock returns a block to the free list. Freeing a handle that is not
// currently owned by the caller (e.g. a double free) is a programming error
// (§7 invariant-violation) and panics.
func (s *Store) FreeBlock(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(h) >= s.numBlocks {
		panic(fmt.Sprintf("blockstore: free of unowned handle %d", h))
	}
	for _, f := range s.freeList {
		if f == h {
			panic(fmt.Sprintf("blockstore: double free of handle %d", h))
		}
	}
	s.cache.Remove(h)
	s.freeList = append(s.freeList, h)
	return nil
}

// ReadBlock returns the (possibly cached) live block for h. Mutate Bytes()
// and call MarkDirty to persist the change on the next flush.
func (s *Store) ReadBlock(h Handle) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if blk, ok := s.cache.Get(h); ok {
		s.metrics.cacheHits.Inc()
		return blk, nil
	}
	s.metrics.cacheMisses.Inc()

	if uint64(h) >= s.numBlocks {
		return nil, fmt.Errorf("blockstore: read of unallocated handle %d", h)
	}

	data := make([]byte, s.blockSize)
	off := int64(h) * int64(s.blockSize)
	n, err := s.file.ReadAt(data, off)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("blockstore: read block %d: %w", h, err)
	}
	s.metrics.bytesRead.Add(float64(n))

	if s.checksums != nil && uint64(h) < uint64(len(s.checksums)) && s.checksums[h] != 0 {
		if got := checksumOf(data); got != s.checksums[h] {
			return nil, fmt.Errorf("blockstore: checksum mismatch for block %d: corrupt on-disk state", h)
		}
	}

	blk := &Block{store: s, handle: h, data: data}
	s.cache.Add(h, blk)
	return blk, nil
}

// MarkDirty flags the cached block for h as dirty without requiring the
// caller to hold onto the *Block it mutated.
func (s *Store) MarkDirty(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blk, ok := s.cache.Peek(h); ok {
		blk.dirty = true
	}
}

// Flush writes every dirty cached block to disk without evicting it.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.cache.Keys() {
		blk, ok := s.cache.Peek(h)
		if ok && blk.dirty {
			if err := s.writeThrough(h, blk); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close flushes all dirty blocks, persists the free list/checksums, and
// closes the underlying file. Header files (tree.state) are written by the
// caller after Close returns, per §5's "headers persisted last" ordering.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistFreeList(); err != nil {
		return err
	}
	if err := s.persistChecksums(); err != nil {
		return err
	}
	return s.file.Close()
}

// BlockSize returns the fixed block size this store was opened with.
func (s *Store) BlockSize() int { return s.blockSize }

// NumBlocks returns the number of blocks ever allocated (including freed
// ones still occupying file space).
func (s *Store) NumBlocks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numBlocks
}

// BytesRead and BytesWritten report cumulative I/O volume (§6.5).
func (s *Store) BytesRead() uint64    { return uint64(s.metrics.bytesRead.read()) }
func (s *Store) BytesWritten() uint64 { return uint64(s.metrics.bytesWritten.read()) }
