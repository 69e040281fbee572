// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package strtable

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geodb/irwi/internal/catalog"
)

func setup(t *testing.T) *Table {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return Open(cat.DB())
}

func TestIDOrCreateAssignsAndReuses(t *testing.T) {
	tbl := setup(t)
	ctx := context.Background()

	id1, err := tbl.IDOrCreate(ctx, "restaurant")
	require.NoError(t, err)

	id2, err := tbl.IDOrCreate(ctx, "restaurant")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "re-registering the same label must return the existing id")

	id3, err := tbl.IDOrCreate(ctx, "cafe")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestIDReturnsErrUnknownLabel(t *testing.T) {
	tbl := setup(t)
	_, err := tbl.ID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownLabel)
}

func TestNameResolvesBack(t *testing.T) {
	tbl := setup(t)
	ctx := context.Background()

	id, err := tbl.IDOrCreate(ctx, "hotel")
	require.NoError(t, err)

	name, err := tbl.Name(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hotel", name)
}

func TestNameUnknownIDReturnsErrUnknownLabel(t *testing.T) {
	tbl := setup(t)
	_, err := tbl.Name(context.Background(), 99999)
	assert.ErrorIs(t, err, ErrUnknownLabel)
}

func TestAllDumpsEveryMapping(t *testing.T) {
	tbl := setup(t)
	ctx := context.Background()

	labels := []string{"restaurant", "cafe", "hotel"}
	ids := make(map[string]uint32, len(labels))
	for _, l := range labels {
		id, err := tbl.IDOrCreate(ctx, l)
		require.NoError(t, err)
		ids[l] = id
	}

	all, err := tbl.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids, all)
}
