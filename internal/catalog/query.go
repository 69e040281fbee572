// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/geodb/irwi/internal/config"
)

var treeColumns = []string{
	"id", "path", "lambda", "fanout_internal", "fanout_leaf",
	"block_size", "version", "last_opened",
}

// ErrNotFound is returned by Get when path has no catalog entry.
var ErrNotFound = errors.New("catalog: tree not found")

// Register inserts a new catalog entry for a tree just created at path with
// opts, or updates it in place if one already exists (idempotent re-register
// after an out-of-band rebuild).
func (c *Catalog) Register(ctx context.Context, path string, opts config.TreeOptions, version int) error {
	query, args, err := sq.Insert("trees").
		Columns("path", "lambda", "fanout_internal", "fanout_leaf", "block_size", "version", "last_opened").
		Values(path, opts.Lambda, opts.FanoutInternal, opts.FanoutLeaf, opts.BlockSize, version, nowUnix()).
		Suffix("ON CONFLICT(path) DO UPDATE SET lambda=excluded.lambda, fanout_internal=excluded.fanout_internal, " +
			"fanout_leaf=excluded.fanout_leaf, block_size=excluded.block_size, version=excluded.version, last_opened=excluded.last_opened").
		ToSql()
	if err != nil {
		return fmt.Errorf("catalog: build register query: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("catalog: register %s: %w", path, err)
	}
	c.cache.Del(path)
	return nil
}

// TouchOpened updates path's last_opened timestamp to now.
func (c *Catalog) TouchOpened(ctx context.Context, path string) error {
	query, args, err := sq.Update("trees").
		Set("last_opened", nowUnix()).
		Where(sq.Eq{"path": path}).
		ToSql()
	if err != nil {
		return fmt.Errorf("catalog: build touch query: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("catalog: touch %s: %w", path, err)
	}
	c.cache.Del(path)
	return nil
}

// Get returns the catalog entry for path, or ErrNotFound. Hits within
// getCacheTTL of a prior Get (or since the last Register/TouchOpened/Remove
// of path) are served from cache without touching sqlite.
func (c *Catalog) Get(ctx context.Context, path string) (TreeRecord, error) {
	if rec, ok := c.cache.Get(path, nil); ok {
		return rec, nil
	}

	query, args, err := sq.Select(treeColumns...).From("trees").Where(sq.Eq{"path": path}).ToSql()
	if err != nil {
		return TreeRecord{}, fmt.Errorf("catalog: build get query: %w", err)
	}
	var rec TreeRecord
	if err := c.db.GetContext(ctx, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TreeRecord{}, ErrNotFound
		}
		return TreeRecord{}, fmt.Errorf("catalog: get %s: %w", path, err)
	}

	c.cache.Put(path, rec, 1, getCacheTTL)
	return rec, nil
}

// List returns every registered tree, most recently opened first.
func (c *Catalog) List(ctx context.Context) ([]TreeRecord, error) {
	query, args, err := sq.Select(treeColumns...).From("trees").OrderBy("last_opened DESC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("catalog: build list query: %w", err)
	}
	var recs []TreeRecord
	if err := c.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return recs, nil
}

// Remove deletes path's catalog entry. It does not touch the tree's files.
func (c *Catalog) Remove(ctx context.Context, path string) error {
	query, args, err := sq.Delete("trees").Where(sq.Eq{"path": path}).ToSql()
	if err != nil {
		return fmt.Errorf("catalog: build remove query: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("catalog: remove %s: %w", path, err)
	}
	c.cache.Del(path)
	return nil
}
