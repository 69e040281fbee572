// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/geodb/irwi/pkg/log"
)

// FsColdStoreConfig is the "file" kind of ColdStore config (§ domain stack
// item 4).
type FsColdStoreConfig struct {
	Path string `json:"path"`
}

// FsColdStore exports tree.blocks/tree.state pairs under path/<treeID>/,
// one timestamped pair of files per export, newest-wins on Restore. Layout
// is grounded on the teacher's job-archive directory convention
// (cluster/lvl1/lvl2/starttime), flattened here to a single treeID level
// since trees are not partitioned by cluster or time the way jobs are.
type FsColdStore struct {
	path string
}

func checkFileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}

func (fs *FsColdStore) Init(rawConfig json.RawMessage) (uint64, error) {
	var cfg FsColdStoreConfig
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		log.Warnf("coldstore: fs Init unmarshal: %v", err)
		return 0, err
	}
	if cfg.Path == "" {
		return 0, fmt.Errorf("irwi: fs coldstore: empty path")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return 0, fmt.Errorf("irwi: fs coldstore: create %s: %w", cfg.Path, err)
	}
	fs.path = cfg.Path
	return ColdStoreVersion, nil
}

func (fs *FsColdStore) treeDir(treeID string) string {
	return filepath.Join(fs.path, treeID)
}

func (fs *FsColdStore) Exists(treeID string) bool {
	return checkFileExists(fs.treeDir(treeID))
}

func (fs *FsColdStore) Export(treeID string, blocksPath, statePath string) error {
	dir := fs.treeDir(treeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("irwi: fs coldstore: create %s: %w", dir, err)
	}
	now := time.Now()
	if err := copyFile(blocksPath, filepath.Join(dir, exportName("tree.blocks", now))); err != nil {
		return err
	}
	if err := copyFile(statePath, filepath.Join(dir, exportName("tree.state", now))); err != nil {
		return err
	}
	return nil
}

func (fs *FsColdStore) Restore(treeID string, destBlocks, destState string) error {
	dir := fs.treeDir(treeID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("irwi: fs coldstore: read %s: %w", dir, err)
	}
	latestBlocks, latestState := latestExport(entries, "tree.blocks"), latestExport(entries, "tree.state")
	if latestBlocks == "" || latestState == "" {
		return fmt.Errorf("irwi: fs coldstore: no export found for %q", treeID)
	}
	if err := copyFile(filepath.Join(dir, latestBlocks), destBlocks); err != nil {
		return err
	}
	return copyFile(filepath.Join(dir, latestState), destState)
}

func (fs *FsColdStore) List() ([]string, error) {
	entries, err := os.ReadDir(fs.path)
	if err != nil {
		return nil, fmt.Errorf("irwi: fs coldstore: read %s: %w", fs.path, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// latestExport returns the newest entry.Name() whose suffix is "-"+file,
// picked by the leading unix-timestamp prefix (exportName's format).
func latestExport(entries []os.DirEntry, file string) string {
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), "-"+file) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // unix-second prefixes sort lexically in time order
	if len(names) == 0 {
		return ""
	}
	return names[len(names)-1]
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("irwi: coldstore: open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("irwi: coldstore: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("irwi: coldstore: copy %s -> %s: %w", src, dst, err)
	}
	return out.Close()
}
