// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package catalog is a sqlite-backed directory of trees (path, λ, fanouts,
// block size, last-opened) for processes that manage more than one IRWI
// tree (domain stack item 3). The engine itself (internal/irwi) never
// imports this package; it is a supporting index over trees that already
// exist on disk.
package catalog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/geodb/irwi/pkg/log"
	"github.com/geodb/irwi/pkg/lrucache"
)

// getCacheTTL bounds how stale a cached TreeRecord may be before Get
// re-reads the row; short enough that a concurrent Register/TouchOpened
// from another process is visible in practice.
const getCacheTTL = 5 * time.Second

// TreeRecord is one row of the trees table.
type TreeRecord struct {
	ID             int64  `db:"id"`
	Path           string `db:"path"`
	Lambda         int    `db:"lambda"`
	FanoutInternal int    `db:"fanout_internal"`
	FanoutLeaf     int    `db:"fanout_leaf"`
	BlockSize      int    `db:"block_size"`
	Version        int    `db:"version"`
	LastOpened     int64  `db:"last_opened"`
}

// Catalog is a handle to the sqlite directory database. Not safe for
// concurrent writers beyond what sqlite's own single-writer lock allows.
type Catalog struct {
	db    *sqlx.DB
	cache *lrucache.Cache[TreeRecord]
}

var driverRegistered = false

// Open opens (creating if needed) the catalog database at dbPath and
// migrates it to the current schema version.
func Open(dbPath string) (*Catalog, error) {
	if !driverRegistered {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &hooks{}))
		driverRegistered = true
	}

	db, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", dbPath))
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", dbPath, err)
	}
	// sqlite does not multithread; one connection avoids lock-wait churn,
	// same reasoning as the teacher's DBConnection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("catalog: opened %s", dbPath)
	return &Catalog{db: db, cache: lrucache.New[TreeRecord](1 * 1024 * 1024)}, nil
}

// Close closes the underlying database handle.
func (c *Catalog) Close() error { return c.db.Close() }

// DB exposes the underlying connection for companion tables (e.g.
// internal/strtable) that share this catalog's sqlite file rather than
// opening their own.
func (c *Catalog) DB() *sqlx.DB { return c.db }

func nowUnix() int64 { return time.Now().Unix() }
