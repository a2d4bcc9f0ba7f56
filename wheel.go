// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"math/bits"

	"github.com/zoobzio/metricz"
)

// Observability surface for the wheel (SPEC_FULL's DOMAIN STACK): a
// private registry per wheel instance, the same per-owner-instance
// shape delayqueue.go and driver.go use their own *metricz.Registry for.
const (
	MetricWheelEntriesTotal    = metricz.Key("wheel.entries.total")
	MetricWheelPromotionsTotal = metricz.Key("wheel.promotions.total")
)

// wheelEntry is one slot-list node of the hierarchical wheel, the same
// intrusive doubly-linked-list shape the teacher's TimerLnk/timerLst
// pair uses for its own wheel slots (timer_lst.go, tinfo.go), adapted
// here to carry a millisecond deadline instead of a tick count and to
// drop the atomic tInfo bitfield: DelayQueue, the wheel's only caller,
// already serializes every wheel operation behind its own mutex, so the
// lock-free wheel-position encoding the teacher needs for its
// concurrent run-queue workers is not needed here.
type wheelEntry struct {
	next, prev *wheelEntry
	when       uint64 // absolute deadline, in milliseconds since the wheel's epoch
	level      int
	slot       int
	// owner lets a caller that embeds wheelEntry in a richer struct
	// (DelayQueue's dqEntry[T]) recover that struct from the bare
	// *wheelEntry values poll() hands back, without resorting to
	// unsafe pointer arithmetic.
	owner interface{}
}

func (e *wheelEntry) detached() bool {
	return e == e.next || (e.next == nil && e.prev == nil)
}

// wheelList is a slot's circular doubly linked list, grounded directly
// on timerLst from timer_lst.go.
type wheelList struct {
	head wheelEntry
}

func (lst *wheelList) init() {
	lst.head.next = &lst.head
	lst.head.prev = &lst.head
}

func (lst *wheelList) isEmpty() bool { return lst.head.next == &lst.head }

// pushBack appends e as the newest entry in the list. Entries are always
// added at the tail and drained from the head (see popFront), giving
// FIFO order within a slot. This is a deliberate departure from
// original_source's wheel::Stack (stack.rs's push/pop both operate on
// the head, which is LIFO by construction): spec §8 property 10
// ("DelayQueue FIFO for equal deadlines ... emitted in insertion
// order") is an explicit, testable contract that a LIFO slot would
// violate for any pair of equal deadlines landing directly in level 0
// (deadlines under 64ms apart from the wheel's elapsed mark), so FIFO
// wins over the original's stack-ordered slot list here.
func (lst *wheelList) pushBack(e *wheelEntry) {
	e.next = &lst.head
	e.prev = lst.head.prev
	e.prev.next = e
	lst.head.prev = e
}

func (lst *wheelList) remove(e *wheelEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = e
	e.prev = e
}

// popFront removes and returns the oldest node of the list (see
// pushBack: entries are appended at the tail, so the head is always the
// longest-queued entry).
func (lst *wheelList) popFront() *wheelEntry {
	if lst.isEmpty() {
		return nil
	}
	e := lst.head.next
	lst.remove(e)
	return e
}

const (
	wheelNumLevels  = 6
	wheelSlotBits   = 6
	wheelSlotsCount = 1 << wheelSlotBits // 64
	wheelSlotMask   = wheelSlotsCount - 1
	// wheelMaxDuration is the furthest deadline (relative to the
	// current elapsed mark) the wheel can represent: 64^6 - 1 ms, a
	// little over two years, matching spec §3's stated horizon.
	wheelMaxDuration uint64 = (1 << (wheelSlotBits * wheelNumLevels)) - 1
)

// level is one of the wheel's six 64-slot rings, grounded on the
// structure implied by original_source/src/tokio_util/wheel/mod.rs
// (its companion level.rs was not present in the retrieved sources, so
// the slot/expiration bookkeeping below is a standard from-scratch
// hierarchical-timing-wheel reconstruction rather than a line-by-line
// port -- see DESIGN.md).
type level struct {
	levelNo  int
	occupied uint64 // bit i set => slots[i] is non-empty
	slots    [wheelSlotsCount]wheelList
}

func newLevel(levelNo int) *level {
	l := &level{levelNo: levelNo}
	for i := range l.slots {
		l.slots[i].init()
	}
	return l
}

func (l *level) unit() uint64 {
	return uint64(1) << uint(wheelSlotBits*l.levelNo)
}

func (l *level) slotFor(when uint64) int {
	return int((when >> uint(wheelSlotBits*l.levelNo)) & wheelSlotMask)
}

func (l *level) add(e *wheelEntry) {
	s := l.slotFor(e.when)
	e.level = l.levelNo
	e.slot = s
	l.slots[s].pushBack(e)
	l.occupied |= 1 << uint(s)
}

func (l *level) removeEntry(e *wheelEntry) {
	l.slots[e.slot].remove(e)
	if l.slots[e.slot].isEmpty() {
		l.occupied &^= 1 << uint(e.slot)
	}
}

// nextExpiration returns the deadline and slot index of the
// soonest-occupied slot at this level, relative to elapsed, or ok=false
// if the level has nothing pending.
func (l *level) nextExpiration(elapsed uint64) (deadline uint64, slot int, ok bool) {
	if l.occupied == 0 {
		return 0, 0, false
	}
	unit := l.unit()
	levelRange := unit * wheelSlotsCount
	curSlot := int((elapsed / unit) % wheelSlotsCount)
	rotated := bits.RotateLeft64(l.occupied, -curSlot)
	offset := bits.TrailingZeros64(rotated)
	slot = (curSlot + offset) & wheelSlotMask
	levelStart := elapsed - (elapsed % levelRange)
	deadline = levelStart + uint64(slot)*unit
	if deadline < elapsed {
		deadline += levelRange
	}
	return deadline, slot, true
}

// popSlot drains every entry queued in the given slot.
func (l *level) popSlot(slot int) []*wheelEntry {
	var out []*wheelEntry
	for {
		e := l.slots[slot].popFront()
		if e == nil {
			break
		}
		out = append(out, e)
	}
	l.occupied &^= 1 << uint(slot)
	return out
}

// hierWheel is the 6-level hierarchical timing wheel from spec §3,
// the structural core of DelayQueue.
type hierWheel struct {
	elapsed uint64
	levels  [wheelNumLevels]*level
	metrics *metricz.Registry
}

func newHierWheel() *hierWheel {
	metrics := metricz.New()
	metrics.Counter(MetricWheelEntriesTotal)
	metrics.Counter(MetricWheelPromotionsTotal)
	w := &hierWheel{metrics: metrics}
	for i := range w.levels {
		w.levels[i] = newLevel(i)
	}
	return w
}

// levelFor mirrors original_source's free function level_for: the
// level is determined by the highest bit at which elapsed and when
// differ, ignoring the low 6 bits (a difference confined to those bits
// always maps to level 0, whose 64 slots are 1ms wide).
func levelFor(elapsed, when uint64) int {
	const slotMask = uint64(wheelSlotMask)
	masked := (elapsed ^ when) | slotMask
	significant := 63 - bits.LeadingZeros64(masked)
	level := significant / wheelSlotBits
	if level >= wheelNumLevels {
		level = wheelNumLevels - 1
	}
	return level
}

// insert places a new entry at absolute deadline "when" (milliseconds
// since the wheel's epoch). It returns ErrWheelElapsed if when is at or
// before the wheel's current elapsed mark, and ErrWheelInvalid if when
// is further out than the wheel can represent.
func (w *hierWheel) insert(e *wheelEntry, when uint64) error {
	if when <= w.elapsed {
		return ErrWheelElapsed
	}
	if when-w.elapsed > wheelMaxDuration {
		BUG("wheel: insert %d ms past elapsed %d exceeds horizon %d\n", when, w.elapsed, wheelMaxDuration)
		return ErrWheelInvalid
	}
	e.when = when
	lvl := levelFor(w.elapsed, when)
	w.levels[lvl].add(e)
	w.metrics.Counter(MetricWheelEntriesTotal).Inc()
	return nil
}

// remove detaches e from whichever level/slot currently holds it.
func (w *hierWheel) remove(e *wheelEntry) {
	w.levels[e.level].removeEntry(e)
}

// nextDeadline reports the soonest pending deadline in the wheel, if
// any (spec §3: DelayQueue.Peek backs onto this).
func (w *hierWheel) nextDeadline() (uint64, bool) {
	for _, l := range w.levels {
		if _, slot, ok := l.nextExpiration(w.elapsed); ok {
			// The soonest slot of the lowest occupied level holds the
			// earliest entry; above level 0 a slot spans many deadlines,
			// so take the smallest one rather than the slot's start.
			lst := &l.slots[slot]
			earliest := lst.head.next.when
			for e := lst.head.next; e != &lst.head; e = e.next {
				if e.when < earliest {
					earliest = e.when
				}
			}
			return earliest, true
		}
	}
	return 0, false
}

// poll drains every entry at or before now, cascading level-N buckets
// down to level 0 as their coarse bucket comes due, and returns the
// entries that are genuinely expired (level 0) in deadline order. It
// mirrors original_source's Wheel::poll / poll_expiration loop.
func (w *hierWheel) poll(now uint64) []*wheelEntry {
	var expired []*wheelEntry
	for {
		var (
			bestDeadline uint64
			bestSlot     int
			bestLevel    int
			found        bool
		)
		for lvlNo, l := range w.levels {
			if d, s, ok := l.nextExpiration(w.elapsed); ok {
				if !found || d < bestDeadline {
					bestDeadline, bestSlot, bestLevel, found = d, s, lvlNo, true
				}
			}
		}
		if !found || bestDeadline > now {
			w.setElapsed(now)
			return expired
		}

		entries := w.levels[bestLevel].popSlot(bestSlot)
		if bestLevel == 0 {
			expired = append(expired, entries...)
		} else {
			w.metrics.Counter(MetricWheelPromotionsTotal).Add(float64(len(entries)))
			if DBGon() {
				DBG("wheel: cascading %d entries from level %d slot %d down to level %d\n",
					len(entries), bestLevel, bestSlot, bestLevel-1)
			}
			for _, e := range entries {
				w.levels[bestLevel-1].add(e)
			}
		}
		w.setElapsed(bestDeadline)
	}
}

func (w *hierWheel) setElapsed(when uint64) {
	if when > w.elapsed {
		w.elapsed = when
	}
}
