// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"encoding/json"
	"testing"
)

func TestWallTimeJSONRoundTrip(t *testing.T) {
	cases := []int64{0, 1, 1_699_999_999_123, -500}
	for _, ms := range cases {
		want := WallTime{ms: ms}
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("Marshal(%d) failed: %s\n", ms, err)
		}
		var got WallTime
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %s\n", data, err)
		}
		if got.ms != want.ms {
			t.Fatalf("round trip mismatch for %dms: got %dms, data=%s\n", ms, got.ms, data)
		}
	}
}

func TestWallTimeSub(t *testing.T) {
	a := WallTime{ms: 5000}
	b := WallTime{ms: 2000}
	if got, want := a.Sub(b), int64(3000); got.Milliseconds() != want {
		t.Fatalf("Sub mismatch: got %v, want %dms\n", got, want)
	}
}

func TestWallTimeUnixMilli(t *testing.T) {
	w := WallTime{ms: 123456}
	if got := w.UnixMilli(); got != 123456 {
		t.Fatalf("UnixMilli() = %d, want 123456\n", got)
	}
	if got := w.Time().UnixMilli(); got != 123456 {
		t.Fatalf("Time().UnixMilli() = %d, want 123456\n", got)
	}
}
