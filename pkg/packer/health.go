// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package packer

import (
	"sync"
	"time"
)

// Health is the readiness probe state: the process is ready while the last
// successful lease renewal, metadata ping, and object-store head are all
// recent enough.
type Health struct {
	mu     sync.Mutex
	maxAge time.Duration
	now    func() time.Time

	lastRenew      time.Time
	lastDBPing     time.Time
	lastObjectHead time.Time
}

// NewHealth creates the probe. maxAge bounds how stale each signal may be.
func NewHealth(maxAge time.Duration) *Health {
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &Health{maxAge: maxAge, now: time.Now}
}

// RecordRenew notes a successful lease renewal.
func (h *Health) RecordRenew() { h.record(&h.lastRenew) }

// RecordDBPing notes a successful metadata-store round trip.
func (h *Health) RecordDBPing() { h.record(&h.lastDBPing) }

// RecordObjectHead notes a successful object-store stat.
func (h *Health) RecordObjectHead() { h.record(&h.lastObjectHead) }

func (h *Health) record(at *time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*at = h.now()
}

// Ready reports whether all three signals are fresh.
func (h *Health) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-h.maxAge)
	return h.lastRenew.After(cutoff) &&
		h.lastDBPing.After(cutoff) &&
		h.lastObjectHead.After(cutoff)
}
