// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import "testing"

func TestHierWheelInsertElapsedFails(t *testing.T) {
	w := newHierWheel()
	e := &wheelEntry{}
	if err := w.insert(e, 0); err != ErrWheelElapsed {
		t.Fatalf("insert at/before elapsed should fail with ErrWheelElapsed, got %v\n", err)
	}
}

func TestHierWheelInsertTooFarFails(t *testing.T) {
	w := newHierWheel()
	e := &wheelEntry{}
	if err := w.insert(e, wheelMaxDuration+1); err != ErrWheelInvalid {
		t.Fatalf("insert beyond the wheel's horizon should fail with ErrWheelInvalid, got %v\n", err)
	}
}

func TestHierWheelPollOrdersByDeadline(t *testing.T) {
	w := newHierWheel()
	order := []uint64{5000, 100, 900000, 10}
	entries := make(map[*wheelEntry]uint64)
	for _, when := range order {
		e := &wheelEntry{}
		e.owner = when
		if err := w.insert(e, when); err != nil {
			t.Fatalf("insert(%d) failed: %s\n", when, err)
		}
		entries[e] = when
	}

	got := w.poll(900000)
	if len(got) != len(order) {
		t.Fatalf("expected all %d entries to expire, got %d\n", len(order), len(got))
	}
	last := uint64(0)
	for _, e := range got {
		when := entries[e]
		if when < last {
			t.Fatalf("poll did not return entries in non-decreasing deadline order: %v\n", got)
		}
		last = when
	}
}

func TestHierWheelRemove(t *testing.T) {
	w := newHierWheel()
	a := &wheelEntry{}
	b := &wheelEntry{}
	if err := w.insert(a, 100); err != nil {
		t.Fatalf("insert a failed: %s\n", err)
	}
	if err := w.insert(b, 200); err != nil {
		t.Fatalf("insert b failed: %s\n", err)
	}
	w.remove(a)

	got := w.poll(1000)
	if len(got) != 1 || got[0] != b {
		t.Fatalf("expected only b to remain after removing a, got %v\n", got)
	}
}

func TestHierWheelCascadesAcrossLevels(t *testing.T) {
	w := newHierWheel()
	// Far enough out to land above level 0 (level 0 only spans 64ms).
	e := &wheelEntry{}
	const when = uint64(5000)
	if err := w.insert(e, when); err != nil {
		t.Fatalf("insert failed: %s\n", err)
	}
	if e.level == 0 {
		t.Fatalf("a deadline 5000ms out from a fresh wheel should not land at level 0\n")
	}

	got := w.poll(when)
	if len(got) != 1 || got[0] != e {
		t.Fatalf("expected the cascaded entry to expire once its deadline is reached, got %v\n", got)
	}
}

// TestHierWheelLevelZeroFIFO is spec §8 property 10 at the boundary the
// review flagged: two entries with the exact same deadline, both landing
// directly in level 0 (well under the 64ms level-0 span), must drain in
// insertion order.
func TestHierWheelLevelZeroFIFO(t *testing.T) {
	w := newHierWheel()
	first := &wheelEntry{}
	second := &wheelEntry{}
	const when = uint64(10)
	if err := w.insert(first, when); err != nil {
		t.Fatalf("insert first failed: %s\n", err)
	}
	if err := w.insert(second, when); err != nil {
		t.Fatalf("insert second failed: %s\n", err)
	}
	if first.level != 0 || second.level != 0 {
		t.Fatalf("both entries should land at level 0, got %d and %d\n", first.level, second.level)
	}

	got := w.poll(when)
	if len(got) != 2 || got[0] != first || got[1] != second {
		t.Fatalf("expected [first, second] in insertion order, got %v\n", got)
	}
}

func TestHierWheelNextDeadline(t *testing.T) {
	w := newHierWheel()
	if _, ok := w.nextDeadline(); ok {
		t.Fatalf("an empty wheel should report no next deadline\n")
	}
	e := &wheelEntry{}
	if err := w.insert(e, 42); err != nil {
		t.Fatalf("insert failed: %s\n", err)
	}
	d, ok := w.nextDeadline()
	if !ok || d != 42 {
		t.Fatalf("nextDeadline() = (%d, %v), want (42, true)\n", d, ok)
	}
}
