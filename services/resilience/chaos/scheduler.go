// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chaos

import (
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Scheduler Interface
// -----------------------------------------------------------------------------

// Scheduler controls when Harness.Run drills a cycle.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Scheduler interface {
	// ShouldRun returns true if a cycle should run now. A true result
	// consumes the slot.
	ShouldRun(now time.Time) bool

	// NextRun returns when the next cycle is due. Zero means on demand.
	NextRun() time.Time

	// Wake fires when a cycle should be considered before the next tick.
	Wake() <-chan struct{}

	// Reset clears scheduler state.
	Reset()
}

// -----------------------------------------------------------------------------
// Periodic Scheduler
// -----------------------------------------------------------------------------

// PeriodicScheduler runs a cycle at a fixed interval.
//
// Description:
//
//	The first call to ShouldRun returns true; later calls return true once
//	interval has elapsed since the last run.
//
// Thread Safety: Safe for concurrent use.
type PeriodicScheduler struct {
	mu       sync.Mutex
	interval time.Duration
	lastRun  time.Time
}

// NewPeriodicScheduler creates a periodic scheduler.
//
// Inputs:
//   - interval: Time between cycles.
//
// Outputs:
//   - *PeriodicScheduler: The new scheduler. Never nil.
func NewPeriodicScheduler(interval time.Duration) *PeriodicScheduler {
	return &PeriodicScheduler{interval: interval}
}

// ShouldRun implements Scheduler.
func (s *PeriodicScheduler) ShouldRun(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRun.IsZero() || now.Sub(s.lastRun) >= s.interval {
		s.lastRun = now
		return true
	}
	return false
}

// NextRun implements Scheduler.
func (s *PeriodicScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRun.IsZero() {
		return time.Now()
	}
	return s.lastRun.Add(s.interval)
}

// Wake implements Scheduler. Periodic runs are driven by the tick alone.
func (s *PeriodicScheduler) Wake() <-chan struct{} { return nil }

// Reset implements Scheduler.
func (s *PeriodicScheduler) Reset() {
	s.mu.Lock()
	s.lastRun = time.Time{}
	s.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Manual Scheduler
// -----------------------------------------------------------------------------

// ManualScheduler runs a cycle only when triggered.
//
// Description:
//
//	Trigger requests one cycle. Requests made while one is already
//	pending collapse into it.
//
// Thread Safety: Safe for concurrent use.
type ManualScheduler struct {
	mu      sync.Mutex
	pending bool
	wake    chan struct{}
}

// NewManualScheduler creates a manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{wake: make(chan struct{}, 1)}
}

// Trigger requests a cycle.
func (s *ManualScheduler) Trigger() {
	s.mu.Lock()
	s.pending = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ShouldRun implements Scheduler.
func (s *ManualScheduler) ShouldRun(time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.pending
	s.pending = false
	return run
}

// NextRun implements Scheduler.
func (s *ManualScheduler) NextRun() time.Time { return time.Time{} }

// Wake implements Scheduler.
func (s *ManualScheduler) Wake() <-chan struct{} { return s.wake }

// Reset implements Scheduler.
func (s *ManualScheduler) Reset() {
	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()
}

// -----------------------------------------------------------------------------
// NoOp Scheduler
// -----------------------------------------------------------------------------

// NoOpScheduler never runs a cycle. Used when chaos drills are disabled.
type NoOpScheduler struct{}

// ShouldRun implements Scheduler.
func (NoOpScheduler) ShouldRun(time.Time) bool { return false }

// NextRun implements Scheduler.
func (NoOpScheduler) NextRun() time.Time { return time.Time{} }

// Wake implements Scheduler.
func (NoOpScheduler) Wake() <-chan struct{} { return nil }

// Reset implements Scheduler.
func (NoOpScheduler) Reset() {}

var (
	_ Scheduler = (*PeriodicScheduler)(nil)
	_ Scheduler = (*ManualScheduler)(nil)
	_ Scheduler = NoOpScheduler{}
)
