// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

import (
	"encoding/binary"
	"fmt"
	"os"
)

// IDAllocator hands out small dense integer ids (directory names, postings
// file ids) and persists its state as a single file holding the current max
// id plus a stack of freed ids (§6.1).
type IDAllocator struct {
	path  string
	maxID uint64
	freed []uint64
}

// OpenIDAllocator loads (or creates) the allocator state file at path.
func OpenIDAllocator(path string) (*IDAllocator, error) {
	a := &IDAllocator{path: path}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return nil, fmt.Errorf("irwi: read id allocator %s: %w", path, err)
	}
	if len(b) < 8 {
		return nil, fmt.Errorf("irwi: corrupt id allocator file %s", path)
	}
	a.maxID = binary.LittleEndian.Uint64(b[0:8])
	for i := 8; i+8 <= len(b); i += 8 {
		a.freed = append(a.freed, binary.LittleEndian.Uint64(b[i:i+8]))
	}
	return a, nil
}

// Alloc returns a fresh id, reusing a freed one if available. Returns a
// capacity-overflow error if maxID has reached its numeric limit (§7).
func (a *IDAllocator) Alloc() (uint64, error) {
	if n := len(a.freed); n > 0 {
		id := a.freed[n-1]
		a.freed = a.freed[:n-1]
		return id, nil
	}
	if a.maxID == ^uint64(0) {
		return 0, fmt.Errorf("irwi: id allocator %s: capacity overflow", a.path)
	}
	a.maxID++
	return a.maxID, nil
}

// Free returns id to the pool.
func (a *IDAllocator) Free(id uint64) {
	a.freed = append(a.freed, id)
}

// Persist writes the allocator's state to its backing file.
func (a *IDAllocator) Persist() error {
	buf := make([]byte, 8+8*len(a.freed))
	binary.LittleEndian.PutUint64(buf[0:8], a.maxID)
	for i, id := range a.freed {
		binary.LittleEndian.PutUint64(buf[8+i*8:], id)
	}
	return os.WriteFile(a.path, buf, 0o644)
}
