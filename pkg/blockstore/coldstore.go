// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blockstore

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/geodb/irwi/pkg/log"
)

// ColdStoreVersion versions the on-disk layout a ColdStore reads and
// writes. Bumped whenever Export's file set or naming changes.
const ColdStoreVersion uint64 = 1

// ColdStore is a backup/restore target for a tree's two live files
// (tree.blocks, tree.state), kept outside the block file itself so a tree
// can be exported while closed without the engine knowing its destination
// is local disk or an object store (domain stack item 4).
type ColdStore interface {
	// Init configures the store from rawConfig and returns ColdStoreVersion;
	// no version is read back from an existing store.
	Init(rawConfig json.RawMessage) (uint64, error)

	// Exists reports whether an export already exists for treeID.
	Exists(treeID string) bool

	// Export copies blocksPath and statePath into the store under treeID,
	// with names timestamped to the second; a second export of the same
	// tree within the same second overwrites the first.
	Export(treeID string, blocksPath, statePath string) error

	// Restore fetches the most recent export for treeID, writing the block
	// file to destBlocks and the header to destState.
	Restore(treeID string, destBlocks, destState string) error

	// List returns the treeIDs this store currently holds an export for.
	List() ([]string, error)
}

//go:embed schema/*
var coldStoreSchemaFiles embed.FS

func loadColdStoreSchema(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return coldStoreSchemaFiles.Open(u.Path)
}

func init() {
	jsonschema.Loaders["coldstoreFS"] = loadColdStoreSchema
}

// ValidateColdStoreConfig checks rawConfig against the embedded cold-store
// config schema before any ColdStore is constructed from it (mirrors the
// teacher's "validate config JSON before use" idiom).
func ValidateColdStoreConfig(rawConfig json.RawMessage) error {
	s, err := jsonschema.Compile("coldstoreFS://schema/coldstore.schema.json")
	if err != nil {
		return fmt.Errorf("irwi: compile coldstore config schema: %w", err)
	}
	var v any
	if err := json.NewDecoder(bytes.NewReader(rawConfig)).Decode(&v); err != nil {
		log.Errorf("coldstore: decode config for validation: %v", err)
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("irwi: validate coldstore config: %w", err)
	}
	return nil
}

// NewColdStore builds the ColdStore named by rawConfig's "kind" field
// ("file" or "s3"), validating the config first.
func NewColdStore(rawConfig json.RawMessage) (ColdStore, error) {
	if err := ValidateColdStoreConfig(rawConfig); err != nil {
		return nil, err
	}

	var kind struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(rawConfig, &kind); err != nil {
		return nil, fmt.Errorf("irwi: decode coldstore config: %w", err)
	}

	var cs ColdStore
	switch kind.Kind {
	case "file":
		cs = &FsColdStore{}
	case "s3":
		cs = &S3ColdStore{}
	default:
		return nil, fmt.Errorf("irwi: unknown coldstore kind %q", kind.Kind)
	}
	if _, err := cs.Init(rawConfig); err != nil {
		return nil, err
	}
	return cs, nil
}

// exportName builds the per-export file name carrying the wall-clock
// timestamp so List/Restore can pick the latest without a separate index.
func exportName(file string, at time.Time) string {
	return fmt.Sprintf("%d-%s", at.Unix(), file)
}
