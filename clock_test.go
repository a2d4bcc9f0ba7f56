// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"testing"
	"time"
)

// fakeHost is a HostClock/HostScheduler double driven entirely by test
// code, so clock tests don't depend on wall-clock timing.
type fakeHost struct {
	ms float64
}

func (h *fakeHost) NowMs() float64 { return h.ms }

func (h *fakeHost) Schedule(cb func(), ms int32) (cancel func()) {
	return func() {}
}

func TestClockPauseResume(t *testing.T) {
	c := newClock(&fakeHost{ms: 1000})

	if c.Paused() {
		t.Fatalf("freshly constructed clock should be running\n")
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause failed: %s\n", err)
	}
	if err := c.Pause(); err == nil {
		t.Fatalf("Pause on an already-paused clock should fail\n")
	}
	if !c.Paused() {
		t.Fatalf("clock should report paused\n")
	}
	if err := c.Advance(500 * time.Millisecond); err != nil {
		t.Fatalf("Advance failed: %s\n", err)
	}
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume failed: %s\n", err)
	}
	if err := c.Resume(); err == nil {
		t.Fatalf("Resume on an already-running clock should fail\n")
	}
	if err := c.Advance(time.Millisecond); err == nil {
		t.Fatalf("Advance on a running clock should fail\n")
	}
}

func TestClockPauseInvariance(t *testing.T) {
	host := &fakeHost{ms: 0}
	c := newClock(host)
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause failed: %s\n", err)
	}
	before := c.Now()
	host.ms = 10_000 // host time moves, paused clock must not
	after := c.Now()
	if before != after {
		t.Fatalf("paused clock moved: %v -> %v\n", before, after)
	}
	if err := c.Advance(5 * time.Millisecond); err != nil {
		t.Fatalf("Advance failed: %s\n", err)
	}
	want := before.Add(5 * time.Millisecond)
	if got := c.Now(); got != want {
		t.Fatalf("Advance(5ms) produced %v, want %v\n", got, want)
	}
}

func TestClockMonotonicWhileRunning(t *testing.T) {
	host := &fakeHost{ms: 0}
	c := newClock(host)
	a := c.Now()
	host.ms = 3
	b := c.Now()
	if b.Before(a) {
		t.Fatalf("running clock went backwards: %v -> %v\n", a, b)
	}
}

func TestPackageClockPauseAdvanceResume(t *testing.T) {
	Pause()
	defer Resume()

	before := Now()
	Advance(250 * time.Millisecond)
	after := Now()
	if got, want := after.Sub(before), 250*time.Millisecond; got != want {
		t.Fatalf("Advance(250ms): Now() moved by %v, want %v\n", got, want)
	}
}
