// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"sync"
)

// Clock is a process-wide, freezable view of time (spec §3/§4.1). Its
// state is (base, unfrozen): when unfrozen holds an Instant the clock is
// running and now() tracks the host clock relative to that instant; when
// unfrozen is nil the clock is paused and now() is pinned at base.
//
// Clock is safe for concurrent use; Pause/Resume/Advance are the only
// mutators and each is meant to be called from test or control-plane
// code, not from the scheduling hot path.
type Clock struct {
	host HostClock

	mu       sync.Mutex
	base     Instant
	unfrozen *Instant
}

func newClock(host HostClock) *Clock {
	now := instantFromMillis(host.NowMs())
	return &Clock{host: host, base: now, unfrozen: &now}
}

// Now returns the current instant. Under a paused clock this is exactly
// base and does not move except via Advance; under a running clock it is
// non-decreasing for as long as the host clock is (spec §8 property 1).
func (c *Clock) Now() Instant {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unfrozen == nil {
		return c.base
	}
	elapsed := instantFromMillis(c.host.NowMs()).Sub(*c.unfrozen)
	return c.base.Add(elapsed)
}

// Paused reports whether the clock is currently frozen.
func (c *Clock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unfrozen == nil
}

// Pause freezes the clock at its current value. It returns
// ErrInvalidClockOp if the clock is already paused.
func (c *Clock) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unfrozen == nil {
		return ErrInvalidClockOp
	}
	elapsed := instantFromMillis(c.host.NowMs()).Sub(*c.unfrozen)
	c.base = c.base.Add(elapsed)
	c.unfrozen = nil
	return nil
}

// Resume unfreezes a paused clock, resuming real-time tracking from its
// current (frozen) value. It returns ErrInvalidClockOp if the clock is
// already running.
func (c *Clock) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unfrozen != nil {
		return ErrInvalidClockOp
	}
	now := instantFromMillis(c.host.NowMs())
	c.unfrozen = &now
	return nil
}

// Advance moves a paused clock forward by d. It is the only way time
// passes under a paused clock; it returns ErrInvalidClockOp if the
// clock is currently running.
func (c *Clock) Advance(d Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unfrozen != nil {
		return ErrInvalidClockOp
	}
	c.base = c.base.Add(d)
	return nil
}

var (
	globalClockOnce sync.Once
	globalClock     *Clock
)

// clockInstance returns the process-wide Clock, lazily constructing it
// (with the real host clock) on first use, per spec §9's "global
// mutable state" note.
func clockInstance() *Clock {
	globalClockOnce.Do(func() {
		globalClock = newClock(newRealHost())
	})
	return globalClock
}

// Now returns the current instant on the process-wide clock.
func Now() Instant {
	return clockInstance().Now()
}

// Paused reports whether the process-wide clock is frozen.
func Paused() bool {
	return clockInstance().Paused()
}

// Pause freezes the process-wide clock. It panics if the clock is
// already paused (spec §4.1: "Fails (panics in caller) if pause is
// called twice").
func Pause() {
	if err := clockInstance().Pause(); err != nil {
		panic("chronowheel: " + err.Error())
	}
}

// Resume unfreezes the process-wide clock. It panics if the clock is
// already running.
func Resume() {
	if err := clockInstance().Resume(); err != nil {
		panic("chronowheel: " + err.Error())
	}
}

// Advance moves the process-wide clock forward by d while paused, then
// synchronously drives the driver's tick so that any timers crossed by
// the advance fire before Advance returns (spec §4.5 point 4: under a
// paused clock, advance is the only way to make progress).
func Advance(d Duration) {
	if err := clockInstance().Advance(d); err != nil {
		panic("chronowheel: " + err.Error())
	}
	driverInstance().tick(clockInstance().Now())
}
