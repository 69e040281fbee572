// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blockstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewColdStoreDispatchesOnKind(t *testing.T) {
	cs, err := NewColdStore(json.RawMessage(fmt.Sprintf(`{"kind":"file","path":%q}`, t.TempDir())))
	require.NoError(t, err)
	_, ok := cs.(*FsColdStore)
	assert.True(t, ok)

	_, err = NewColdStore(json.RawMessage(`{"kind":"unknown"}`))
	assert.Error(t, err)
}

func TestValidateColdStoreConfigRequiresKind(t *testing.T) {
	assert.Error(t, ValidateColdStoreConfig(json.RawMessage(`{"path":"/tmp/x"}`)))
	assert.NoError(t, ValidateColdStoreConfig(json.RawMessage(`{"kind":"file","path":"/tmp/x"}`)))
}

func TestFsColdStoreExportAndRestoreRoundTrip(t *testing.T) {
	root := t.TempDir()
	cs := &FsColdStore{}
	v, err := cs.Init(json.RawMessage(fmt.Sprintf(`{"path":%q}`, root)))
	require.NoError(t, err)
	assert.Equal(t, ColdStoreVersion, v)

	srcDir := t.TempDir()
	blocksPath := filepath.Join(srcDir, "tree.blocks")
	statePath := filepath.Join(srcDir, "tree.state")
	writeFile(t, blocksPath, "blocks-v1")
	writeFile(t, statePath, "state-v1")

	assert.False(t, cs.Exists("tree-1"))
	require.NoError(t, cs.Export("tree-1", blocksPath, statePath))
	assert.True(t, cs.Exists("tree-1"))

	ids, err := cs.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"tree-1"}, ids)

	destDir := t.TempDir()
	destBlocks := filepath.Join(destDir, "restored.blocks")
	destState := filepath.Join(destDir, "restored.state")
	require.NoError(t, cs.Restore("tree-1", destBlocks, destState))

	gotBlocks, err := os.ReadFile(destBlocks)
	require.NoError(t, err)
	assert.Equal(t, "blocks-v1", string(gotBlocks))

	gotState, err := os.ReadFile(destState)
	require.NoError(t, err)
	assert.Equal(t, "state-v1", string(gotState))
}

func TestFsColdStoreRestorePicksNewestExport(t *testing.T) {
	root := t.TempDir()
	cs := &FsColdStore{}
	_, err := cs.Init(json.RawMessage(fmt.Sprintf(`{"path":%q}`, root)))
	require.NoError(t, err)

	srcDir := t.TempDir()
	blocksPath := filepath.Join(srcDir, "tree.blocks")
	statePath := filepath.Join(srcDir, "tree.state")

	writeFile(t, blocksPath, "v1")
	writeFile(t, statePath, "v1")
	require.NoError(t, cs.Export("tree-1", blocksPath, statePath))

	writeFile(t, blocksPath, "v2")
	writeFile(t, statePath, "v2")
	require.NoError(t, cs.Export("tree-1", blocksPath, statePath))

	destDir := t.TempDir()
	destBlocks := filepath.Join(destDir, "restored.blocks")
	destState := filepath.Join(destDir, "restored.state")
	require.NoError(t, cs.Restore("tree-1", destBlocks, destState))

	gotBlocks, err := os.ReadFile(destBlocks)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(gotBlocks), "Restore must pick the most recent export, not the first")
}

func TestFsColdStoreRestoreMissingTreeErrors(t *testing.T) {
	cs := &FsColdStore{}
	_, err := cs.Init(json.RawMessage(fmt.Sprintf(`{"path":%q}`, t.TempDir())))
	require.NoError(t, err)

	err = cs.Restore("no-such-tree", "x", "y")
	assert.Error(t, err)
}

func TestFsColdStoreInitRejectsEmptyPath(t *testing.T) {
	cs := &FsColdStore{}
	_, err := cs.Init(json.RawMessage(`{"path":""}`))
	assert.Error(t, err)
}
