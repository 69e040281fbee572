// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geodb/irwi/internal/config"
)

func setup(t *testing.T) *Catalog {
	t.Helper()
	cat, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestRegisterAndGet(t *testing.T) {
	cat := setup(t)
	ctx := context.Background()

	opts := config.TreeOptions{Lambda: 4, FanoutInternal: 8, FanoutLeaf: 8, BlockSize: 4096}
	require.NoError(t, cat.Register(ctx, "/trees/a", opts, 2))

	rec, err := cat.Get(ctx, "/trees/a")
	require.NoError(t, err)
	assert.Equal(t, "/trees/a", rec.Path)
	assert.Equal(t, 4, rec.Lambda)
	assert.Equal(t, 8, rec.FanoutInternal)
	assert.Equal(t, 2, rec.Version)
}

func TestGetUnknownPathReturnsErrNotFound(t *testing.T) {
	cat := setup(t)
	_, err := cat.Get(context.Background(), "/nowhere")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterIsIdempotent(t *testing.T) {
	cat := setup(t)
	ctx := context.Background()
	opts := config.TreeOptions{Lambda: 4, FanoutInternal: 8, FanoutLeaf: 8, BlockSize: 4096}

	require.NoError(t, cat.Register(ctx, "/trees/a", opts, 1))
	opts.Lambda = 16
	require.NoError(t, cat.Register(ctx, "/trees/a", opts, 2))

	rec, err := cat.Get(ctx, "/trees/a")
	require.NoError(t, err)
	assert.Equal(t, 16, rec.Lambda, "re-registering the same path must update in place, not duplicate")
	assert.Equal(t, 2, rec.Version)

	recs, err := cat.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestGetServesCachedRecordUntilInvalidated(t *testing.T) {
	cat := setup(t)
	ctx := context.Background()
	opts := config.TreeOptions{Lambda: 4, FanoutInternal: 8, FanoutLeaf: 8, BlockSize: 4096}
	require.NoError(t, cat.Register(ctx, "/trees/a", opts, 1))

	first, err := cat.Get(ctx, "/trees/a")
	require.NoError(t, err)
	assert.Equal(t, 4, first.Lambda)

	// Mutate the row directly, bypassing the catalog's own cache-invalidating
	// write path: the cached TreeRecord must still be served until Register/
	// TouchOpened/Remove explicitly invalidates it.
	_, err = cat.db.ExecContext(ctx, `UPDATE trees SET lambda = 999 WHERE path = ?`, "/trees/a")
	require.NoError(t, err)

	cached, err := cat.Get(ctx, "/trees/a")
	require.NoError(t, err)
	assert.Equal(t, 4, cached.Lambda, "Get should serve the cached value, not re-read sqlite on every call")

	require.NoError(t, cat.TouchOpened(ctx, "/trees/a"))
	refreshed, err := cat.Get(ctx, "/trees/a")
	require.NoError(t, err)
	assert.Equal(t, 999, refreshed.Lambda, "TouchOpened must invalidate the cache entry for path")
}

func TestTouchOpenedUpdatesLastOpened(t *testing.T) {
	cat := setup(t)
	ctx := context.Background()
	opts := config.TreeOptions{Lambda: 4, FanoutInternal: 8, FanoutLeaf: 8, BlockSize: 4096}
	require.NoError(t, cat.Register(ctx, "/trees/a", opts, 1))

	before, err := cat.Get(ctx, "/trees/a")
	require.NoError(t, err)

	require.NoError(t, cat.TouchOpened(ctx, "/trees/a"))
	after, err := cat.Get(ctx, "/trees/a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after.LastOpened, before.LastOpened)
}

func TestRemoveDeletesEntryAndInvalidatesCache(t *testing.T) {
	cat := setup(t)
	ctx := context.Background()
	opts := config.TreeOptions{Lambda: 4, FanoutInternal: 8, FanoutLeaf: 8, BlockSize: 4096}
	require.NoError(t, cat.Register(ctx, "/trees/a", opts, 1))
	_, err := cat.Get(ctx, "/trees/a")
	require.NoError(t, err)

	require.NoError(t, cat.Remove(ctx, "/trees/a"))

	_, err = cat.Get(ctx, "/trees/a")
	assert.ErrorIs(t, err, ErrNotFound, "removing a path must invalidate any cached record for it")
}

func TestListOrdersByLastOpenedDescending(t *testing.T) {
	cat := setup(t)
	ctx := context.Background()
	opts := config.TreeOptions{Lambda: 4, FanoutInternal: 8, FanoutLeaf: 8, BlockSize: 4096}

	require.NoError(t, cat.Register(ctx, "/trees/a", opts, 1))
	require.NoError(t, cat.Register(ctx, "/trees/b", opts, 1))
	require.NoError(t, cat.TouchOpened(ctx, "/trees/a"))

	recs, err := cat.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "/trees/a", recs[0].Path, "most recently opened tree must come first")
}
