// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

// Package descache provides index caches for DES containers: an in-process
// LRU with optional expiration and a Redis-backed variant. Both implement
// des.IndexCache and both are advisory: failures cost an extra range
// request, never a failed read.
package descache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"

	"github.com/datavision-labs/easystore/pkg/des"
)

var mon = monkit.Package()

// MemoryOptions controls the in-process cache.
type MemoryOptions struct {
	// Capacity is how many indexes to keep in memory.
	Capacity int

	// TTL invalidates an entry after this duration regardless of use.
	// Non-positive means no expiration.
	TTL time.Duration
}

type memoryEntry struct {
	key     string
	when    time.Time
	order   *list.Element
	entries []des.Entry
}

// Memory is a bounded LRU index cache with optional per-entry expiration.
// It is safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	opts  MemoryOptions
	data  map[string]*memoryEntry
	order *list.List
}

var _ des.IndexCache = (*Memory)(nil)

// NewMemory constructs a Memory cache with the given options.
func NewMemory(opts MemoryOptions) *Memory {
	return &Memory{
		opts:  opts,
		data:  make(map[string]*memoryEntry, opts.Capacity),
		order: list.New(),
	}
}

// Get returns the cached index for key, if present and not expired.
func (c *Memory) Get(ctx context.Context, key string) ([]des.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.data[key]
	if !ok {
		mon.Counter("index_cache_miss").Inc(1)
		return nil, false
	}
	if c.opts.TTL > 0 && time.Since(state.when) > c.opts.TTL {
		delete(c.data, key)
		c.order.Remove(state.order)
		mon.Counter("index_cache_expired").Inc(1)
		return nil, false
	}
	c.order.MoveToFront(state.order)
	mon.Counter("index_cache_hit").Inc(1)
	return state.entries, true
}

// Put stores the index for key, evicting least recently used entries over
// capacity.
func (c *Memory) Put(ctx context.Context, key string, entries []des.Entry) {
	if c.opts.Capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.data[key]; ok {
		state.entries = entries
		state.when = time.Now()
		c.order.MoveToFront(state.order)
		return
	}

	for len(c.data) >= c.opts.Capacity {
		back := c.order.Back()
		delete(c.data, back.Value.(*memoryEntry).key)
		c.order.Remove(back)
	}

	state := &memoryEntry{
		key:     key,
		when:    time.Now(),
		entries: entries,
	}
	state.order = c.order.PushFront(state)
	c.data[key] = state
}

// Len returns the number of cached indexes.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
