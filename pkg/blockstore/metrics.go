// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blockstore

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// counter is a plain in-process counter (for the spec-mandated BytesRead/
// BytesWritten accessors) mirrored into a Prometheus counter so a process
// embedding several trees can scrape per-store I/O volume (§6.5).
type counter struct {
	n  atomic.Uint64
	pc prometheus.Counter
}

func (c *counter) Add(v float64) {
	c.n.Add(uint64(v))
	if c.pc != nil {
		c.pc.Add(v)
	}
}

func (c *counter) Inc() { c.Add(1) }

func (c *counter) read() uint64 { return c.n.Load() }

// Metrics holds every counter/gauge a Store reports. label distinguishes
// multiple stores registered in the same process (e.g. one per open tree);
// an empty label registers into the default registry unlabeled.
type Metrics struct {
	bytesRead    *counter
	bytesWritten *counter
	cacheHits    *counter
	cacheMisses  *counter
}

func newMetrics(label string) *Metrics {
	constLabels := prometheus.Labels{}
	if label != "" {
		constLabels["store"] = label
	}

	mk := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "irwi",
			Subsystem:   "blockstore",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
		// Registration failures (duplicate label set registered twice in the
		// same process, e.g. from tests opening many stores) are expected
		// and harmless: the counter still works locally via the atomic
		// mirror, it is just not exported to the default registry again.
		_ = prometheus.Register(c)
		return c
	}

	return &Metrics{
		bytesRead:    &counter{pc: mk("bytes_read_total", "Bytes read from the block file.")},
		bytesWritten: &counter{pc: mk("bytes_written_total", "Bytes written to the block file.")},
		cacheHits:    &counter{pc: mk("cache_hits_total", "Block cache hits.")},
		cacheMisses:  &counter{pc: mk("cache_misses_total", "Block cache misses.")},
	}
}

// CacheHits and CacheMisses expose the block cache's hit ratio.
func (s *Store) CacheHits() uint64   { return s.metrics.cacheHits.read() }
func (s *Store) CacheMisses() uint64 { return s.metrics.cacheMisses.read() }
