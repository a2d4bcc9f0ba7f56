// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"sync/atomic"
)

// timerState is the scheduled-timer state bitfield from spec §3/§4.3:
// bit 0 is "fired", bit 1 is "invalidated", and the remaining bits are a
// generation counter that linearizes concurrent resets against
// concurrent fires. It is accessed atomically, the same encoding
// discipline the teacher's tinfo.go applies to wheel position and flags
// — this engine still has a background driver goroutine racing with
// user-goroutine Reset/drop calls, the same concurrency shape wtimer's
// run-queue workers have against wt.Del().
type timerState struct {
	bits atomic.Uint32
}

const (
	stateFired       uint32 = 1 << 0
	stateInvalidated uint32 = 1 << 1
	stateGenShift           = 2
	stateGenStep     uint32 = 1 << stateGenShift
)

// fired reports whether the driver has marked this timer as expired.
func (s *timerState) fired() bool {
	return s.bits.Load()&stateFired != 0
}

// invalidated reports whether the timer has been permanently stopped
// (Sleep.Stop sets this bit; bumpGeneration refuses to proceed once it is
// set).
func (s *timerState) invalidated() bool {
	return s.bits.Load()&stateInvalidated != 0
}

// generation returns the current reset generation.
func (s *timerState) generation() uint32 {
	return s.bits.Load() >> stateGenShift
}

// markFired sets the fired bit and returns the generation it was set
// under, so the driver's insertion bookkeeping can detect a concurrent
// reset that raced the fire.
func (s *timerState) markFired() uint32 {
	for {
		old := s.bits.Load()
		next := old | stateFired
		if s.bits.CompareAndSwap(old, next) {
			return old >> stateGenShift
		}
	}
}

// markInvalidated sets the invalidated bit. Once set it is never
// cleared.
func (s *timerState) markInvalidated() {
	for {
		old := s.bits.Load()
		next := old | stateInvalidated
		if s.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// bumpGeneration implements Sleep.reset's state transition (spec §4.3):
// the generation counter advances and the fired/invalidated low bits
// are cleared, so a fire that was in flight when the reset was issued
// is superseded. It returns false if the timer was already
// invalidated, in which case the reset must not proceed.
func (s *timerState) bumpGeneration() (ok bool) {
	for {
		old := s.bits.Load()
		if old&stateInvalidated != 0 {
			return false
		}
		next := (old + stateGenStep) &^ (stateFired | stateInvalidated)
		if s.bits.CompareAndSwap(old, next) {
			return true
		}
	}
}
