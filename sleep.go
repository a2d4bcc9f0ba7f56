// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

// Sleep is a one-shot timer future, the Go analogue of
// original_source's tokio::Sleep (spec §4.1). Rust drives it through
// Future::poll backed by a Waker; Go has no poll loop, so it is driven
// by a channel that is closed exactly once, at the deadline — the
// idiomatic Go substitute for "wait for one event" futures, and the
// same shape the teacher exposes to callers that want to select{} on a
// timer.
type Sleep struct {
	entry    *scheduledTimer
	deadline Instant
	done     chan struct{}
	inert    bool
}

// NewSleep returns a Sleep that fires once duration has elapsed.
func NewSleep(duration Duration) *Sleep {
	return NewSleepUntil(clockInstance().Now().Add(duration))
}

// NewSleepUntil returns a Sleep that fires at the given deadline (spec
// §4.1's sleep_until).
func NewSleepUntil(deadline Instant) *Sleep {
	s := &Sleep{deadline: deadline}
	done := make(chan struct{})
	s.done = done
	s.entry = newScheduledTimer(func() { close(done) })
	driverInstance().register(s.entry, deadline)
	return s
}

// Deadline returns the instant at which s will fire.
func (s *Sleep) Deadline() Instant { return s.deadline }

// C returns the channel that closes once s has fired. After Reset, the
// channel is replaced, so callers must re-fetch C() — the same
// contract as the standard library's time.Timer.Reset.
func (s *Sleep) C() <-chan struct{} { return s.done }

// IsElapsed reports whether s has already fired (spec §4.1). A Sleep
// stopped before it fired (see Stop) reports false from then on,
// matching the "inert timer never resolves" behavior of a torn-down
// timer in the original; a Sleep that fired before Stop keeps reporting
// true until a Reset is rejected.
func (s *Sleep) IsElapsed() bool {
	if s.inert {
		return false
	}
	return s.entry.state.fired()
}

// Reset rearms s to fire at a new deadline (spec §4.1/§4.3). Once Stop
// has been called, Reset never re-arms s, leaves Deadline unchanged and
// reports ErrInvalidTimer,
// mirroring the teacher's own Reset rejecting a timer handle that is not
// in a resettable state (wtimer.go's WTimer.Reset checking fActive/
// fRemoved before allowing reuse).
func (s *Sleep) Reset(deadline Instant) error {
	if s.inert {
		return ErrInvalidTimer
	}
	if !s.entry.state.bumpGeneration() {
		s.inert = true
		s.done = make(chan struct{})
		return ErrInvalidTimer
	}
	s.deadline = deadline
	done := make(chan struct{})
	myGen := s.entry.state.generation()
	entry := s.entry
	s.done = done
	driverInstance().reset(entry, deadline, func() {
		if entry.state.generation() == myGen {
			close(done)
		}
	})
	return nil
}

// Stop cancels s. A stopped Sleep never fires again, even across a
// subsequent Reset (spec §4.6 cancellation). Calling Stop a second time
// reports ErrAlreadyRemovedTimer, the same signal the teacher's Del()
// gives a caller that removes an already-removed timer (wtimer.go).
func (s *Sleep) Stop() error {
	if s.entry.state.invalidated() {
		return ErrAlreadyRemovedTimer
	}
	driverInstance().cancel(s.entry)
	s.entry.state.markInvalidated()
	return nil
}
