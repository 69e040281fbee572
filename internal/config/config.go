// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the engine construction parameters
// (block size, λ, fanouts, β, QuickLoad's max_leaves, on-disk paths) that
// internal/irwi.Options is built from. This is C5's parameter surface, not
// the persistent application configuration/stats JSON that spec.md scopes
// out: callers decode a JSON document into TreeOptions once, at process
// start, and hand the result to irwi.Create/Open.
package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/geodb/irwi/internal/irwi"
	"github.com/geodb/irwi/pkg/log"
	"github.com/geodb/irwi/pkg/notify"
)

// TreeOptions is the JSON-facing mirror of irwi.Options plus the on-disk
// locations the engine and its ambient packages need.
type TreeOptions struct {
	Dir            string        `json:"dir"`
	BlockSize      int           `json:"block-size"`
	Lambda         int           `json:"lambda"`
	FanoutInternal int           `json:"fanout-internal"`
	FanoutLeaf     int           `json:"fanout-leaf"`
	Beta           float64       `json:"beta"`
	CacheBlocks    int           `json:"cache-blocks"`
	Checksum       bool          `json:"checksum"`
	MaxLeaves      int           `json:"max-leaves"`
	Notify         notify.Config `json:"notify,omitempty"`
}

//go:embed schema/*
var schemaFiles embed.FS

func loadSchema(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Path)
}

func init() {
	jsonschema.Loaders["configFS"] = loadSchema
}

// Validate checks rawConfig against the embedded TreeOptions schema.
func Validate(rawConfig json.RawMessage) error {
	s, err := jsonschema.Compile("configFS://schema/tree-options.schema.json")
	if err != nil {
		return fmt.Errorf("irwi/config: compile schema: %w", err)
	}
	var v any
	if err := json.NewDecoder(bytes.NewReader(rawConfig)).Decode(&v); err != nil {
		log.Errorf("irwi/config: decode for validation: %v", err)
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("irwi/config: validate: %w", err)
	}
	return nil
}

// defaults mirror irwi's own NodeStorage-derived choices only where a
// config omission would otherwise zero out a required field; 0 is left
// alone for FanoutInternal/FanoutLeaf since irwi.Create treats 0 as
// "derive from block size" already (§4.4). BlockSize gets no default here,
// and irwi.Create does not derive one from a 0.
var defaults = TreeOptions{
	Lambda:      4,
	Beta:        0.5,
	CacheBlocks: 64,
	MaxLeaves:   64,
	Checksum:    true,
}

// Load decodes and validates rawConfig into a TreeOptions, filling in
// defaults for zero-valued fields that are not legitimately zero.
func Load(rawConfig json.RawMessage) (TreeOptions, error) {
	if err := Validate(rawConfig); err != nil {
		return TreeOptions{}, err
	}
	opts := defaults
	dec := json.NewDecoder(bytes.NewReader(rawConfig))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil {
		return TreeOptions{}, fmt.Errorf("irwi/config: decode: %w", err)
	}
	if opts.Dir == "" {
		return TreeOptions{}, fmt.Errorf("irwi/config: \"dir\" is required")
	}
	return opts, nil
}

// EngineOptions converts the decoded config into irwi.Options, leaving Dir
// to the caller (Create/Open take it separately).
func (o TreeOptions) EngineOptions() irwi.Options {
	return irwi.Options{
		BlockSize:      o.BlockSize,
		Lambda:         o.Lambda,
		FanoutInternal: o.FanoutInternal,
		FanoutLeaf:     o.FanoutLeaf,
		Beta:           o.Beta,
		CacheBlocks:    o.CacheBlocks,
		Checksum:       o.Checksum,
		Notify:         o.Notify,
	}
}

// QuickLoadOptions converts the decoded config into irwi.QuickLoadOptions.
func (o TreeOptions) QuickLoadOptions() irwi.QuickLoadOptions {
	return irwi.QuickLoadOptions{MaxLeaves: o.MaxLeaves}
}
