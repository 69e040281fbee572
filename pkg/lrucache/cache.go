// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lrucache is a size- and TTL-bounded in-memory cache, generic
// over the value it holds. internal/catalog is the current instance:
// Cache[TreeRecord] sits in front of the sqlite trees table so that a
// process juggling many open trees does not re-query sqlite on every
// Get of a path it already resolved recently.
package lrucache

import (
	"sync"
	"time"
)

// ComputeValue is passed to Get to compute a value not yet in the cache.
// Returned values are the value to store, its time-to-live and a size
// estimate (in the same units as Cache's maxmemory).
type ComputeValue[V any] func() (value V, ttl time.Duration, size int)

type cacheEntry[V any] struct {
	key   string
	value V

	expiration            time.Time
	size                  int
	waitingForComputation int

	next, prev *cacheEntry[V]
}

// Cache is an LRU in-memory cache of values of type V, bounded by
// maxmemory (Put/ComputeValue report each entry's size in the same unit).
// Concurrent computation of the same missing key is coalesced: only one
// call to a ComputeValue closure for a given key runs at a time, and
// other callers of Get block on its result instead of recomputing it.
type Cache[V any] struct {
	mutex                 sync.Mutex
	cond                  *sync.Cond
	maxmemory, usedmemory int
	entries               map[string]*cacheEntry[V]
	head, tail            *cacheEntry[V]
}

// New returns an empty Cache bounded by maxmemory.
func New[V any](maxmemory int) *Cache[V] {
	cache := &Cache[V]{
		maxmemory: maxmemory,
		entries:   map[string]*cacheEntry[V]{},
	}
	cache.cond = sync.NewCond(&cache.mutex)
	return cache
}

// Get returns the cached value for key, or calls computeValue and caches
// its result. computeValue runs synchronously and must not call methods
// on the same cache, or this deadlocks. If computeValue is nil, Get only
// peeks: ok is false if key is not currently cached (or has expired).
// If another goroutine is already computing key's value, Get waits for it.
func (c *Cache[V]) Get(key string, computeValue ComputeValue[V]) (val V, ok bool) {
	now := time.Now()

	c.mutex.Lock()
	if entry, ok := c.entries[key]; ok {
		// The expiration not being set is what shows us that
		// the computation of that value is still ongoing.
		for entry.expiration.IsZero() {
			entry.waitingForComputation += 1
			c.cond.Wait()
			entry.waitingForComputation -= 1
		}

		if now.After(entry.expiration) {
			if !c.evictEntry(entry) {
				if entry.expiration.IsZero() {
					panic("lrucache: cache entry that should have been waited for could not be evicted")
				}
				c.mutex.Unlock()
				return entry.value, true
			}
		} else {
			if entry != c.head {
				c.unlinkEntry(entry)
				c.insertFront(entry)
			}
			c.mutex.Unlock()
			return entry.value, true
		}
	}

	if computeValue == nil {
		c.mutex.Unlock()
		var zero V
		return zero, false
	}

	entry := &cacheEntry[V]{
		key:                   key,
		waitingForComputation: 1,
	}

	c.entries[key] = entry

	hasPaniced := true
	defer func() {
		if hasPaniced {
			c.mutex.Lock()
			delete(c.entries, key)
			entry.expiration = now
			entry.waitingForComputation -= 1
		}
		c.mutex.Unlock()
	}()

	c.mutex.Unlock()
	value, ttl, size := computeValue()
	c.mutex.Lock()
	hasPaniced = false

	entry.value = value
	entry.expiration = now.Add(ttl)
	entry.size = size
	entry.waitingForComputation -= 1

	// Only broadcast if other goroutines are actually waiting
	// for a result.
	if entry.waitingForComputation > 0 {
		c.cond.Broadcast()
	}

	c.usedmemory += size
	c.insertFront(entry)

	// Evict only entries with a size of more than zero.
	// This is the only loop in the implementation outside of the `Keys`
	// method.
	evictionCandidate := c.tail
	for c.usedmemory > c.maxmemory && evictionCandidate != nil {
		nextCandidate := evictionCandidate.prev
		if (evictionCandidate.size > 0 || now.After(evictionCandidate.expiration)) &&
			evictionCandidate.waitingForComputation == 0 {
			c.evictEntry(evictionCandidate)
		}
		evictionCandidate = nextCandidate
	}

	return value, true
}

// Put stores value under key. If another goroutine is currently computing
// key's value via Get, Put waits for that computation before overwriting it.
func (c *Cache[V]) Put(key string, value V, size int, ttl time.Duration) {
	now := time.Now()
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if entry, ok := c.entries[key]; ok {
		for entry.expiration.IsZero() {
			entry.waitingForComputation += 1
			c.cond.Wait()
			entry.waitingForComputation -= 1
		}

		c.usedmemory -= entry.size
		entry.expiration = now.Add(ttl)
		entry.size = size
		entry.value = value
		c.usedmemory += entry.size

		c.unlinkEntry(entry)
		c.insertFront(entry)
		return
	}

	entry := &cacheEntry[V]{
		key:        key,
		value:      value,
		expiration: now.Add(ttl),
		size:       size,
	}
	c.usedmemory += size
	c.entries[key] = entry
	c.insertFront(entry)
}

// Del removes key from the cache. It reports whether key was present; a
// key currently being computed by a concurrent Get cannot be evicted, so
// Del returns false for it even though it is about to populate the cache.
func (c *Cache[V]) Del(key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if entry, ok := c.entries[key]; ok {
		return c.evictEntry(entry)
	}
	return false
}

// Keys calls f for every live entry in the cache, evicting expired ones
// along the way. The cache is fully locked for the duration of the call.
func (c *Cache[V]) Keys(f func(key string, val V)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()

	size := 0
	for key, e := range c.entries {
		if key != e.key {
			panic("lrucache: key mismatch")
		}

		if now.After(e.expiration) {
			if c.evictEntry(e) {
				continue
			}
		}

		if e.prev != nil && e.prev.next != e {
			panic("lrucache: list corrupted")
		}
		if e.next != nil && e.next.prev != e {
			panic("lrucache: list corrupted")
		}

		size += e.size
		f(key, e.value)
	}

	if size != c.usedmemory {
		panic("lrucache: size accounting failed")
	}

	if c.head != nil && (c.tail == nil || c.head.prev != nil) {
		panic("lrucache: head/tail corrupted")
	}
	if c.tail != nil && (c.head == nil || c.tail.next != nil) {
		panic("lrucache: head/tail corrupted")
	}
}

func (c *Cache[V]) insertFront(e *cacheEntry[V]) {
	e.next = c.head
	c.head = e

	e.prev = nil
	if e.next != nil {
		e.next.prev = e
	}

	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache[V]) unlinkEntry(e *cacheEntry[V]) {
	if e == c.head {
		c.head = e.next
	}
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if e == c.tail {
		c.tail = e.prev
	}
}

func (c *Cache[V]) evictEntry(e *cacheEntry[V]) bool {
	if e.waitingForComputation != 0 {
		return false
	}

	c.unlinkEntry(e)
	c.usedmemory -= e.size
	delete(c.entries, e.key)
	return true
}
