// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package strtable is a minimal bidirectional string<->label_id table,
// backed by the catalog's sqlite connection (domain stack item 3). It
// mirrors the contract of the original string-table tool (a durable
// name<->id mapping trajectory units reference by id) without its CLI.
//
// internal/irwi never imports this package: callers translate label
// strings to numeric ids here before calling the engine, and translate
// back for display, keeping the engine's boundary at numeric Label ids
// (§1).
package strtable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// ErrUnknownLabel is returned by ID when name has never been registered.
var ErrUnknownLabel = errors.New("strtable: unknown label")

// Table is a handle to the labels table of a shared catalog database.
type Table struct {
	db *sqlx.DB
}

// Open wraps an already-migrated catalog connection (see
// internal/catalog.Catalog.DB) as a label string table.
func Open(db *sqlx.DB) *Table {
	return &Table{db: db}
}

// IDOrCreate returns name's label_id, assigning the next free id and
// persisting it if name has not been seen before.
func (t *Table) IDOrCreate(ctx context.Context, name string) (uint32, error) {
	if id, err := t.ID(ctx, name); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrUnknownLabel) {
		return 0, err
	}

	query, args, err := sq.Insert("labels").Columns("name").Values(name).ToSql()
	if err != nil {
		return 0, fmt.Errorf("strtable: build insert: %w", err)
	}
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		// Lost a race with a concurrent IDOrCreate(name): fall through to
		// re-read, same as any unique-constraint retry.
		if id, gerr := t.ID(ctx, name); gerr == nil {
			return id, nil
		}
		return 0, fmt.Errorf("strtable: insert %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("strtable: last insert id: %w", err)
	}
	return uint32(id), nil
}

// ID looks up name's label_id, or ErrUnknownLabel if it was never
// registered.
func (t *Table) ID(ctx context.Context, name string) (uint32, error) {
	query, args, err := sq.Select("id").From("labels").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("strtable: build select: %w", err)
	}
	var id uint32
	if err := t.db.GetContext(ctx, &id, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUnknownLabel
		}
		return 0, fmt.Errorf("strtable: lookup %q: %w", name, err)
	}
	return id, nil
}

// Name looks up the string registered for id, or ErrUnknownLabel.
func (t *Table) Name(ctx context.Context, id uint32) (string, error) {
	query, args, err := sq.Select("name").From("labels").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return "", fmt.Errorf("strtable: build select: %w", err)
	}
	var name string
	if err := t.db.GetContext(ctx, &name, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrUnknownLabel
		}
		return "", fmt.Errorf("strtable: lookup id %d: %w", id, err)
	}
	return name, nil
}

// All returns every registered name->id mapping, for dump/inspection tools
// analogous to the original's string-table viewer.
func (t *Table) All(ctx context.Context) (map[string]uint32, error) {
	query, args, err := sq.Select("name", "id").From("labels").ToSql()
	if err != nil {
		return nil, fmt.Errorf("strtable: build select: %w", err)
	}
	rows, err := t.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("strtable: list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint32)
	for rows.Next() {
		var name string
		var id uint32
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("strtable: scan row: %w", err)
		}
		out[name] = id
	}
	return out, rows.Err()
}
