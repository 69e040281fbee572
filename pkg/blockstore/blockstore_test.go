// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blockstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func corruptBlock(t *testing.T, path string, blockSize int) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteAt([]byte("TAMPERED"), 0)
	require.NoError(t, err)
}

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.BlockSize == 0 {
		opts.BlockSize = 256
	}
	s, err := Open(filepath.Join(t.TempDir(), "tree.blocks"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := openTestStore(t, Options{CacheSize: 8})

	h, err := s.GetFreeBlock()
	require.NoError(t, err)

	blk, err := s.ReadBlock(h)
	require.NoError(t, err)
	copy(blk.Bytes(), []byte("hello block"))
	blk.MarkDirty()

	require.NoError(t, s.Flush())

	reread, err := s.ReadBlock(h)
	require.NoError(t, err)
	assert.Equal(t, "hello block", string(reread.Bytes()[:len("hello block")]))
}

func TestFreeBlockReusedByGetFreeBlock(t *testing.T) {
	s := openTestStore(t, Options{CacheSize: 8})

	h1, err := s.GetFreeBlock()
	require.NoError(t, err)
	require.NoError(t, s.FreeBlock(h1))

	h2, err := s.GetFreeBlock()
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "a freed handle must be reused before extending the file")
}

func TestFreeUnownedHandlePanics(t *testing.T) {
	s := openTestStore(t, Options{CacheSize: 8})
	assert.Panics(t, func() { s.FreeBlock(Handle(999)) })
}

func TestReadUnallocatedHandleErrors(t *testing.T) {
	s := openTestStore(t, Options{CacheSize: 8})
	_, err := s.ReadBlock(Handle(42))
	assert.Error(t, err)
}

func TestChecksumMismatchDetectedOnReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.blocks")

	s, err := Open(path, Options{BlockSize: 256, CacheSize: 8, Checksum: true})
	require.NoError(t, err)

	h, err := s.GetFreeBlock()
	require.NoError(t, err)
	blk, err := s.ReadBlock(h)
	require.NoError(t, err)
	copy(blk.Bytes(), []byte("original"))
	blk.MarkDirty()
	require.NoError(t, s.Close())

	// Corrupt the block file directly, bypassing the store.
	raw, err := filepath.Abs(path)
	require.NoError(t, err)
	corruptBlock(t, raw, 256)

	reopened, err := Open(path, Options{BlockSize: 256, CacheSize: 8, Checksum: true})
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.ReadBlock(h)
	assert.Error(t, err, "a tampered block must fail its checksum check on read")
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.blocks")

	s, err := Open(path, Options{BlockSize: 256, CacheSize: 2})
	require.NoError(t, err)
	h, err := s.GetFreeBlock()
	require.NoError(t, err)
	blk, err := s.ReadBlock(h)
	require.NoError(t, err)
	copy(blk.Bytes(), []byte("persisted"))
	blk.MarkDirty()
	require.NoError(t, s.Close())

	reopened, err := Open(path, Options{BlockSize: 256, CacheSize: 2})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ReadBlock(h)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got.Bytes()[:len("persisted")]))
}
