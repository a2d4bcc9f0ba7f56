// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"encoding/json"
	"time"
)

// WallTime is a millisecond-resolution wall-clock reading, the
// SystemTime equivalent from spec §6. Unlike Instant it is not
// monotonic and is not affected by the virtual Clock's pause/advance —
// it always reflects the host's wall-clock collaborator
// (host_date_now_ms()), defaulting to the OS clock.
type WallTime struct {
	ms int64 // milliseconds since the Unix epoch
}

var wallClockHost HostWallClock = newRealWallHost()

// WallNow returns the current wall-clock time.
func WallNow() WallTime {
	return WallTime{ms: int64(wallClockHost.NowMs())}
}

// UnixMilli returns t as milliseconds since the Unix epoch.
func (t WallTime) UnixMilli() int64 { return t.ms }

// Time converts t to a standard library time.Time in UTC.
func (t WallTime) Time() time.Time {
	return time.UnixMilli(t.ms).UTC()
}

// Sub returns the duration elapsed between two wall-clock readings. It
// is not saturating: wall-clock time can legitimately move backwards
// (NTP step, leap second), unlike the monotonic Instant.
func (t WallTime) Sub(other WallTime) Duration {
	return time.Duration(t.ms-other.ms) * time.Millisecond
}

// wireSystemTime is the {secs_since_epoch, nanos_since_epoch} shape spec
// §6 specifies for a configured serialization backend.
type wireSystemTime struct {
	SecsSinceEpoch  uint64 `json:"secs_since_epoch"`
	NanosSinceEpoch uint32 `json:"nanos_since_epoch"`
}

// MarshalJSON implements the wire format spec §6 calls out for
// SystemTime: millisecond-resolution seconds-and-nanos relative to the
// Unix epoch.
func (t WallTime) MarshalJSON() ([]byte, error) {
	secs := t.ms / 1000
	millisRem := t.ms % 1000
	if millisRem < 0 {
		millisRem += 1000
		secs--
	}
	return json.Marshal(wireSystemTime{
		SecsSinceEpoch:  uint64(secs),
		NanosSinceEpoch: uint32(millisRem) * 1_000_000,
	})
}

// UnmarshalJSON implements the inverse of MarshalJSON.
func (t *WallTime) UnmarshalJSON(data []byte) error {
	var wire wireSystemTime
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	t.ms = int64(wire.SecsSinceEpoch)*1000 + int64(wire.NanosSinceEpoch)/1_000_000
	return nil
}
