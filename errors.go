// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"errors"
)

// Driver/timer-handle errors, carried over from the teacher's flat
// sentinel-error style.
var (
	// ErrAlreadyRemovedTimer is returned by Sleep.Stop when the Sleep
	// was already stopped.
	ErrAlreadyRemovedTimer = errors.New("chronowheel: called on already removed timer")

	// ErrInvalidTimer is returned by Sleep.Reset once the Sleep has been
	// permanently stopped: it is no longer in a resettable state.
	ErrInvalidTimer = errors.New("chronowheel: called on invalid timer handle")

	// ErrInvalidClockOp is returned by Clock.Pause/Resume/Advance when
	// the requested transition doesn't apply to the clock's current
	// state (spec §7).
	ErrInvalidClockOp = errors.New("chronowheel: invalid clock state transition")

	// ErrOverflow names an Instant+Duration computation that overflowed
	// the representable range (spec §7). No function in this package
	// returns it: Instant.Add panics on overflow instead, matching the Rust
	// original's checked-add-or-abort behavior.
	ErrOverflow = errors.New("chronowheel: instant arithmetic overflow")

	// ErrInertTimer names the case of a Sleep whose driver has been torn
	// down. The driver is a process-lifetime singleton that is never torn
	// down, and no function in this package returns this error.
	ErrInertTimer = errors.New("chronowheel: timer has gone away")

	// ErrWheelElapsed is returned by the hierarchical wheel when an
	// insertion deadline is at or before the wheel's current elapsed
	// time. DelayQueue treats this as "already due" rather than an
	// error.
	ErrWheelElapsed = errors.New("chronowheel: deadline already elapsed")

	// ErrWheelInvalid is returned by the hierarchical wheel when an
	// insertion deadline is further than the wheel's maximum
	// representable horizon (~2 years) in the future.
	ErrWheelInvalid = errors.New("chronowheel: deadline too far in the future")

	// ErrKeyNotFound is returned by DelayQueue operations addressing a
	// Key that is not (or no longer) present.
	ErrKeyNotFound = errors.New("chronowheel: key not found")

	// ErrQueueFull is returned when a DelayQueue would exceed its
	// maximum entry count (2^30 - 1, spec §3).
	ErrQueueFull = errors.New("chronowheel: delay queue at capacity")
)

// Elapsed is the sole user-visible error Timeout returns once its
// deadline has passed before the wrapped operation completed (spec §6,
// §7). It carries no data.
type Elapsed struct{}

func (Elapsed) Error() string { return "deadline has elapsed" }

// Timeout reports true, so Elapsed satisfies the conventional Go
// "interface{ Timeout() bool }" check that callers use to distinguish
// deadline errors from other failures (the closest idiomatic analogue
// to the original's conversion to an OS TimedOut error kind).
func (Elapsed) Timeout() bool { return true }

// Temporary reports true: a fresh Timeout with the same or a longer
// duration may well succeed.
func (Elapsed) Temporary() bool { return true }

// IsElapsed reports whether err is (or wraps) an Elapsed error.
func IsElapsed(err error) bool {
	var e Elapsed
	return errors.As(err, &e)
}
