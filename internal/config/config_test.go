// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	opts, err := Load([]byte(`{"dir":"/tmp/some-tree"}`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/some-tree", opts.Dir)
	assert.Equal(t, 4, opts.Lambda)
	assert.Equal(t, 0.5, opts.Beta)
	assert.Equal(t, 64, opts.CacheBlocks)
	assert.Equal(t, 64, opts.MaxLeaves)
	assert.True(t, opts.Checksum)
}

func TestLoadRequiresDir(t *testing.T) {
	_, err := Load([]byte(`{"lambda":8}`))
	assert.Error(t, err)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load([]byte(`{"dir":"/tmp/x","bogus":1}`))
	assert.Error(t, err)
}

func TestLoadOverridesDefaults(t *testing.T) {
	opts, err := Load([]byte(`{"dir":"/tmp/x","lambda":16,"beta":0.9,"cache-blocks":4}`))
	require.NoError(t, err)
	assert.Equal(t, 16, opts.Lambda)
	assert.Equal(t, 0.9, opts.Beta)
	assert.Equal(t, 4, opts.CacheBlocks)
}

func TestEngineOptionsConversion(t *testing.T) {
	opts, err := Load([]byte(`{"dir":"/tmp/x","block-size":4096,"fanout-internal":8,"fanout-leaf":8}`))
	require.NoError(t, err)

	eo := opts.EngineOptions()
	assert.Equal(t, 4096, eo.BlockSize)
	assert.Equal(t, 8, eo.FanoutInternal)
	assert.Equal(t, 8, eo.FanoutLeaf)
	assert.Equal(t, opts.Lambda, eo.Lambda)

	qo := opts.QuickLoadOptions()
	assert.Equal(t, opts.MaxLeaves, qo.MaxLeaves)
}

func TestValidateRejectsWrongType(t *testing.T) {
	err := Validate([]byte(`{"dir": 123}`))
	assert.Error(t, err)
}
