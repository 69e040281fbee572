// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigNilIsDisabled(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)
	assert.Empty(t, cfg.Address)
}

func TestParseConfigDefaultsSubject(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"address":"nats://localhost:4222"}`))
	require.NoError(t, err)
	assert.Equal(t, "irwi.events", cfg.Subject)
}

func TestParseConfigKeepsExplicitSubject(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"address":"nats://localhost:4222","subject":"custom.events"}`))
	require.NoError(t, err)
	assert.Equal(t, "custom.events", cfg.Subject)
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	_, err := ParseConfig([]byte(`{"address":"nats://localhost:4222","bogus":true}`))
	assert.Error(t, err)
}

func TestConnectDisabledWhenAddressEmpty(t *testing.T) {
	pub, err := Connect(Config{})
	require.NoError(t, err)
	require.NotNil(t, pub)

	// A disabled publisher's calls are no-ops, never panics, never errors
	// surfaced to the caller (§5).
	pub.PublishInsert(InsertEvent{TreeDir: "x", TrajectoryID: 1, UnitIndex: 0})
	pub.PublishSplit(SplitEvent{TreeDir: "x", Level: 1})
	assert.NotPanics(t, pub.Close)
}

func TestNilPublisherIsSafe(t *testing.T) {
	var pub *Publisher
	assert.NotPanics(t, func() {
		pub.PublishInsert(InsertEvent{})
		pub.PublishSplit(SplitEvent{})
		pub.Close()
	})
}
