// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

// Package names mints monotone, collision-resistant file names of the shape
//
//	<PREFIX>_YYYYMMDD_<12hex>_<2hex>
//
// where the 12-hex block encodes (epoch_ms & ((1<<wrap_bits)-1)) << 8 |
// node_id and the 2-hex suffix is an in-process same-day counter. Two calls
// on the same (node_id, millisecond) always differ by the counter, so the
// same name can never be minted twice by one process.
package names

import (
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/errs"
)

// Error is the names error class.
var Error = errs.Class("names")

// Config controls a Generator. The generator is deterministic given
// (prefix, node id, wrap bits, clock).
type Config struct {
	// Prefix starts every name. ASCII letters and digits only.
	Prefix string

	// NodeID distinguishes concurrent generator processes.
	NodeID uint8

	// WrapBits is how many low bits of epoch milliseconds land in the
	// name. Zero means DefaultWrapBits. Max 40.
	WrapBits uint

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time
}

// DefaultWrapBits keeps roughly 34 years of millisecond timestamps before
// the block wraps.
const DefaultWrapBits = 40

// Generator mints names. Safe for concurrent use.
type Generator struct {
	prefix   string
	nodeID   uint8
	wrapMask uint64
	clock    func() time.Time

	mu      sync.Mutex
	lastMS  int64
	lastDay string
	counter uint8
}

// New validates the config and constructs a Generator.
func New(config Config) (*Generator, error) {
	if config.Prefix == "" {
		return nil, Error.New("prefix must be non-empty")
	}
	for _, r := range config.Prefix {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		if !isLetter && !isDigit {
			return nil, Error.New("prefix may only use ASCII letters and digits, got %q", config.Prefix)
		}
	}
	if config.WrapBits == 0 {
		config.WrapBits = DefaultWrapBits
	}
	if config.WrapBits > 40 {
		return nil, Error.New("wrap bits must be at most 40, got %d", config.WrapBits)
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Generator{
		prefix:   config.Prefix,
		nodeID:   config.NodeID,
		wrapMask: (uint64(1) << config.WrapBits) - 1,
		clock:    clock,
	}, nil
}

// Next mints the next name.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock().UTC()
	ms := now.UnixMilli()
	if ms < g.lastMS {
		// clock went backwards; stick to the last value
		ms = g.lastMS
	}

	day := now.Format("20060102")
	switch {
	case day != g.lastDay:
		g.lastDay = day
		g.counter = 0
	case ms == g.lastMS && g.counter == 0xFF:
		// counter exhausted within one millisecond; wait the clock out
		for ms <= g.lastMS {
			ms = g.clock().UTC().UnixMilli()
		}
		g.counter = 0
	default:
		g.counter++
	}
	g.lastMS = ms

	block := (uint64(ms)&g.wrapMask)<<8 | uint64(g.nodeID)
	return fmt.Sprintf("%s_%s_%012X_%02X", g.prefix, day, block, g.counter)
}
