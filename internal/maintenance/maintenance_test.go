// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geodb/irwi/internal/catalog"
	"github.com/geodb/irwi/internal/config"
	"github.com/geodb/irwi/internal/irwi"
)

func TestRegisterFlushRunsWithoutError(t *testing.T) {
	tr, err := irwi.Create(t.TempDir(), irwi.Options{
		BlockSize: 4096, Lambda: 4, FanoutInternal: 4, FanoutLeaf: 4, Beta: 0.5, CacheBlocks: 16,
	})
	require.NoError(t, err)
	defer tr.Close()

	sched, err := New()
	require.NoError(t, err)
	require.NoError(t, sched.RegisterFlush(tr, 10*time.Millisecond))

	sched.Start()
	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, sched.Shutdown())
}

func TestRegisterCatalogTouchUpdatesLastOpened(t *testing.T) {
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	ctx := context.Background()
	require.NoError(t, cat.Register(ctx, "/trees/a", config.TreeOptions{Lambda: 4}, 1))
	before, err := cat.Get(ctx, "/trees/a")
	require.NoError(t, err)

	sched, err := New()
	require.NoError(t, err)
	require.NoError(t, sched.RegisterCatalogTouch(cat, "/trees/a", 10*time.Millisecond))

	sched.Start()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sched.Shutdown())

	after, err := cat.Get(ctx, "/trees/a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after.LastOpened, before.LastOpened)
}

func TestRegisterDailyAtAcceptsJob(t *testing.T) {
	sched, err := New()
	require.NoError(t, err)
	require.NoError(t, sched.RegisterDailyAt(3, 0, 0, func() {}))
	sched.Start()
	assert.NoError(t, sched.Shutdown())
}
