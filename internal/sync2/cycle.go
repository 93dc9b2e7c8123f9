// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

// Package sync2 provides a small set of concurrency helpers used by the
// packer: a controllable recurring cycle and a sleep that honors
// cancellation.
package sync2

import (
	"context"
	"time"
)

// Cycle implements a recurring event with a fixed interval. The function
// runs once immediately, then on every tick, until it returns an error or
// the context is canceled.
type Cycle struct {
	interval time.Duration
	trigger  chan chan struct{}
	stop     chan struct{}
}

// NewCycle creates a cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{
		interval: interval,
		trigger:  make(chan chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Run runs fn on the cycle's schedule. It returns fn's first error, or nil
// once the context is canceled or the cycle is stopped.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(cycle.interval)
	defer ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cycle.stop:
			return nil
		case done := <-cycle.trigger:
			err := fn(ctx)
			close(done)
			if err != nil {
				return err
			}
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// TriggerWait runs the cycle's function out of schedule and waits for it to
// complete. Returns immediately if the cycle is not running anymore.
func (cycle *Cycle) TriggerWait(ctx context.Context) {
	done := make(chan struct{})
	select {
	case cycle.trigger <- done:
		select {
		case <-done:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	case <-cycle.stop:
	}
}

// Close stops the cycle permanently. Safe to call once.
func (cycle *Cycle) Close() {
	close(cycle.stop)
}

// Sleep waits for the duration or until the context is canceled, whichever
// comes first. It reports whether the full duration elapsed.
func Sleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
