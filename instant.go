// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"time"
)

// Duration is a non-negative elapsed interval. It is a thin alias over
// time.Duration so callers can keep using the stdlib's duration literals
// and arithmetic; chronowheel only adds the saturating/checked rules that
// its own Instant arithmetic requires.
type Duration = time.Duration

// Instant is a monotonic point in time, microsecond resolution, measured
// as an offset from an arbitrary process-local epoch. Two Instants are
// only comparable if they were derived from the same Clock (or the same
// host monotonic source); there is no wall-clock meaning attached to the
// zero value.
//
// Instant intentionally carries no public constructor: obtain one from
// Now(), a Clock, or by adding a Duration to an existing Instant.
type Instant struct {
	us int64 // microseconds since the epoch
}

// instantFromMillis builds an Instant from a host performance.now()-style
// fractional-millisecond reading.
func instantFromMillis(ms float64) Instant {
	return Instant{us: int64(ms * 1000)}
}

func (i Instant) millis() float64 {
	return float64(i.us) / 1000
}

// Add returns i + d. It panics (Overflow, per spec §7) if the result
// cannot be represented.
func (i Instant) Add(d Duration) Instant {
	delta := d.Microseconds()
	sum := i.us + delta
	if d > 0 && sum < i.us {
		panic("chronowheel: Instant+Duration overflow")
	}
	if d < 0 && sum > i.us {
		panic("chronowheel: Instant+Duration overflow")
	}
	return Instant{us: sum}
}

// Sub returns the Duration elapsed between two Instants. It saturates at
// zero rather than going negative — this is the monotonicity clamp that
// masks host clock skew described in spec §4.2.
func (i Instant) Sub(other Instant) Duration {
	if other.us >= i.us {
		return 0
	}
	return time.Duration(i.us-other.us) * time.Microsecond
}

// Before reports whether i happens before other.
func (i Instant) Before(other Instant) bool {
	return i.us < other.us
}

// After reports whether i happens after other.
func (i Instant) After(other Instant) bool {
	return i.us > other.us
}

// Equal reports whether i and other represent the same instant.
func (i Instant) Equal(other Instant) bool {
	return i.us == other.us
}

// Elapsed returns the duration since i according to the process clock,
// the same convenience original_source's Instant::elapsed() offers.
func (i Instant) Elapsed() Duration {
	return clockInstance().Now().Sub(i)
}
