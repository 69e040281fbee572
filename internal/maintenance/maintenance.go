// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package maintenance runs a background gocron scheduler for periodic
// tree-stats logging, catalog last-opened touches and daily jobs, outside
// of any query or insertion path (domain stack item 6). Nothing here is required for the
// engine to make progress; a process that never starts this scheduler
// still has a fully functional tree.
package maintenance

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/geodb/irwi/internal/catalog"
	"github.com/geodb/irwi/internal/irwi"
	"github.com/geodb/irwi/pkg/log"
)

// Scheduler owns a gocron.Scheduler running the registered maintenance
// jobs. Not safe for concurrent Register* calls after Start.
type Scheduler struct {
	s gocron.Scheduler
}

// New creates a Scheduler; call Register* methods before Start.
func New() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{s: s}, nil
}

// RegisterFlush periodically logs t's size and height at debug level. It
// does not flush the block cache: dirty blocks reach disk only on cache
// eviction or on t.Close.
func (m *Scheduler) RegisterFlush(t *irwi.Tree, every time.Duration) error {
	_, err := m.s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			stats := t.Stats()
			log.Debugf("maintenance: flush tick, tree size=%d height=%d", stats.Size, stats.Height)
		}),
	)
	return err
}

// RegisterCatalogTouch periodically refreshes path's last_opened timestamp
// in the catalog while a tree stays open, grounded on the teacher's
// "run a small recurring DB write" service shape.
func (m *Scheduler) RegisterCatalogTouch(cat *catalog.Catalog, path string, every time.Duration) error {
	_, err := m.s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cat.TouchOpened(ctx, path); err != nil {
				log.Warnf("maintenance: touch %s: %v", path, err)
			}
		}),
	)
	return err
}

// RegisterDailyAt runs task once a day at hour:minute:second, for slower
// maintenance (e.g. a nightly cold-export), mirroring the teacher's
// DailyJob-based compression service.
func (m *Scheduler) RegisterDailyAt(hour, minute, second uint, task func()) error {
	_, err := m.s.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(hour, minute, second))),
		gocron.NewTask(task),
	)
	return err
}

// Start begins running registered jobs in the background.
func (m *Scheduler) Start() { m.s.Start() }

// Shutdown stops the scheduler and waits for running jobs to finish.
func (m *Scheduler) Shutdown() error { return m.s.Shutdown() }
