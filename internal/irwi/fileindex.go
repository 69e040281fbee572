// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileIndexBackend implements IndexBackend over the on-disk directory
// layout of §6.1: index.btree (an ordered label -> postings-file-id map),
// index.state (the total list's file id), and postings_lists/ (a
// FilePostingsList per label, file-allocated by IDAllocator).
type FileIndexBackend struct {
	dir     string
	lambda  int
	entries []btreeEntry // sorted by Label, mirrors index.btree
	alloc   *IDAllocator
	totalID uint64
}

type btreeEntry struct {
	Label  Label
	FileID uint64
}

func (b *FileIndexBackend) btreePath() string { return filepath.Join(b.dir, "index.btree") }
func (b *FileIndexBackend) statePath() string { return filepath.Join(b.dir, "index.state") }
func (b *FileIndexBackend) listsDir() string  { return filepath.Join(b.dir, "postings_lists") }

func (b *FileIndexBackend) listPath(fileID uint64) string {
	return filepath.Join(b.listsDir(), fmt.Sprintf("%d.node", fileID))
}

// CreateFileIndexBackend initializes a brand-new (empty) index directory
// and returns a backend over it, allocating a fresh total-list file id.
func CreateFileIndexBackend(dir string, lambda int) (*FileIndexBackend, error) {
	if err := os.MkdirAll(filepath.Join(dir, "postings_lists"), 0o755); err != nil {
		return nil, fmt.Errorf("irwi: create index dir %s: %w", dir, err)
	}
	alloc, err := OpenIDAllocator(filepath.Join(dir, "postings_lists", ".alloc"))
	if err != nil {
		return nil, err
	}
	totalID, err := alloc.Alloc()
	if err != nil {
		return nil, err
	}
	b := &FileIndexBackend{dir: dir, lambda: lambda, alloc: alloc, totalID: totalID}
	if err := b.persistState(); err != nil {
		return nil, err
	}
	if err := b.persistBtree(); err != nil {
		return nil, err
	}
	return b, nil
}

// OpenFileIndexBackend reopens an existing index directory.
func OpenFileIndexBackend(dir string, lambda int) (*FileIndexBackend, error) {
	b := &FileIndexBackend{dir: dir, lambda: lambda}
	alloc, err := OpenIDAllocator(filepath.Join(dir, "postings_lists", ".alloc"))
	if err != nil {
		return nil, err
	}
	b.alloc = alloc

	stateBytes, err := os.ReadFile(b.statePath())
	if err != nil {
		return nil, fmt.Errorf("irwi: read %s: %w", b.statePath(), err)
	}
	if len(stateBytes) < 8 {
		return nil, fmt.Errorf("irwi: corrupt index state %s", b.statePath())
	}
	b.totalID = binary.LittleEndian.Uint64(stateBytes[0:8])

	entries, err := b.loadBtree()
	if err != nil {
		return nil, err
	}
	b.entries = entries
	return b, nil
}

func (b *FileIndexBackend) persistState() error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, b.totalID)
	return os.WriteFile(b.statePath(), buf, 0o644)
}

func (b *FileIndexBackend) loadBtree() ([]btreeEntry, error) {
	raw, err := os.ReadFile(b.btreePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("irwi: read %s: %w", b.btreePath(), err)
	}
	if len(raw)%16 != 0 {
		return nil, fmt.Errorf("irwi: corrupt index btree %s", b.btreePath())
	}
	out := make([]btreeEntry, 0, len(raw)/16)
	for i := 0; i+16 <= len(raw); i += 16 {
		out = append(out, btreeEntry{
			Label:  Label(binary.LittleEndian.Uint32(raw[i : i+4])),
			FileID: binary.LittleEndian.Uint64(raw[i+8 : i+16]),
		})
	}
	return out, nil
}

func (b *FileIndexBackend) persistBtree() error {
	buf := make([]byte, 16*len(b.entries))
	for i, e := range b.entries {
		binary.LittleEndian.PutUint32(buf[i*16:i*16+4], uint32(e.Label))
		binary.LittleEndian.PutUint64(buf[i*16+8:i*16+16], e.FileID)
	}
	return os.WriteFile(b.btreePath(), buf, 0o644)
}

func (b *FileIndexBackend) find(label Label) (int, bool) {
	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].Label >= label })
	if i < len(b.entries) && b.entries[i].Label == label {
		return i, true
	}
	return i, false
}

func (b *FileIndexBackend) OpenTotal() (PostingsList, error) {
	return OpenFilePostingsList(b.listPath(b.totalID), b.lambda)
}

func (b *FileIndexBackend) OpenLabel(label Label) (PostingsList, bool, error) {
	i, ok := b.find(label)
	if !ok {
		return nil, false, nil
	}
	pl, err := OpenFilePostingsList(b.listPath(b.entries[i].FileID), b.lambda)
	return pl, true, err
}

func (b *FileIndexBackend) CreateLabel(label Label) (PostingsList, error) {
	if _, ok := b.find(label); ok {
		return nil, fmt.Errorf("irwi: label %d already exists in index %s", label, b.dir)
	}
	fileID, err := b.alloc.Alloc()
	if err != nil {
		return nil, err
	}
	if err := b.alloc.Persist(); err != nil {
		return nil, err
	}
	i, _ := b.find(label)
	b.entries = append(b.entries, btreeEntry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = btreeEntry{Label: label, FileID: fileID}
	if err := b.persistBtree(); err != nil {
		return nil, err
	}
	return OpenFilePostingsList(b.listPath(fileID), b.lambda)
}

func (b *FileIndexBackend) DeleteLabel(label Label) error {
	i, ok := b.find(label)
	if !ok {
		return nil
	}
	fileID := b.entries[i].FileID
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	if err := b.persistBtree(); err != nil {
		return err
	}
	if err := os.Remove(b.listPath(fileID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	b.alloc.Free(fileID)
	return b.alloc.Persist()
}

func (b *FileIndexBackend) Labels() ([]Label, error) {
	out := make([]Label, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Label
	}
	return out, nil
}

// Destroy removes the entire index directory, used when a node is freed
// (§3: the inverted index is destroyed together with its node).
func (b *FileIndexBackend) Destroy() error {
	return os.RemoveAll(b.dir)
}
