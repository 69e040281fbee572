// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package notify publishes tree mutation events (insertions, node splits) on
// a NATS subject for external observers (dashboards, replication workers).
// It is purely an observer: a disabled or unreachable publisher never blocks
// or fails a mutation (§5, domain stack item 5).
package notify

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/geodb/irwi/pkg/log"
)

// InsertEvent announces one committed TreeEntry insertion.
type InsertEvent struct {
	TreeDir      string `json:"tree_dir"`
	TrajectoryID uint32 `json:"trajectory_id"`
	UnitIndex    uint32 `json:"unit_index"`
}

// SplitEvent announces a node split at Level (1 = leaf), old and new
// sibling handles.
type SplitEvent struct {
	TreeDir   string `json:"tree_dir"`
	Level     uint64 `json:"level"`
	OldHandle uint64 `json:"old_handle"`
	NewHandle uint64 `json:"new_handle"`
}

// Publisher wraps a NATS connection. The zero value (and any Publisher
// built from a Config with an empty Address) is "disabled": every Publish*
// call becomes a no-op, so callers never need a nil check.
type Publisher struct {
	conn    *nats.Conn
	subject string
	mu      sync.Mutex
}

// Connect dials the NATS server named by cfg. An empty cfg.Address returns a
// disabled Publisher and a nil error (publishing is opt-in).
func Connect(cfg Config) (*Publisher, error) {
	if cfg.Address == "" {
		return &Publisher{}, nil
	}

	var opts []nats.Option
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}
	opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			log.Warnf("notify: disconnected: %v", err)
		}
	}))
	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		log.Infof("notify: reconnected to %s", nc.ConnectedUrl())
	}))
	opts = append(opts, nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		log.Errorf("notify: connection error: %v", err)
	}))

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: connect: %w", err)
	}
	log.Infof("notify: connected to %s, publishing on %q", cfg.Address, cfg.Subject)
	return &Publisher{conn: nc, subject: cfg.Subject}, nil
}

func (p *Publisher) publish(suffix string, v any) error {
	if p == nil || p.conn == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.Publish(p.subject+"."+suffix, data); err != nil {
		log.Warnf("notify: publish %s: %v", suffix, err)
		return nil
	}
	return nil
}

// PublishInsert announces e fire-and-forget; failures are logged, never
// returned, so a down notifier cannot fail a committed insertion.
func (p *Publisher) PublishInsert(e InsertEvent) { _ = p.publish("insert", e) }

// PublishSplit announces e fire-and-forget, same contract as PublishInsert.
func (p *Publisher) PublishSplit(e SplitEvent) { _ = p.publish("split", e) }

// Close flushes and closes the underlying connection. Safe to call on a
// disabled Publisher.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Drain()
}
