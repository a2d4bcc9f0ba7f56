// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"context"
	"sync"

	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// maxDelayQueueEntries matches the original's slab-index ceiling (spec
// §3): (1<<30)-1 entries.
const maxDelayQueueEntries = (1 << 30) - 1

// Key identifies an entry inserted into a DelayQueue. It remains valid
// until the entry is removed or expires, and is never reused while the
// entry it names is still live.
type Key uint64

// Expired is one item popped off a DelayQueue once its deadline has
// passed.
type Expired[T any] struct {
	Key      Key
	Value    T
	Deadline Instant
}

type dqEntry[T any] struct {
	wheelEntry
	key     Key
	value   T
	expired bool
	// expiredNext/expiredPrev chain entries that expired before being
	// drained by Poll, using the same intrusive-list shape as the
	// wheel's own slots.
	expiredNext, expiredPrev *dqEntry[T]
}

// DelayQueue is a keyed collection of values, each carrying its own
// expiration, backed by the hierarchical wheel in wheel.go (spec §3
// "Keyed Delay Queue"). It is the Go analogue of
// tokio_util::time::DelayQueue: where the original layers a slab +
// HashMap remapping scheme on top of a generational index (to keep Key
// stable across its internal compaction), a Go map already gives O(1)
// stable-key insert/remove/lookup without that machinery, so entries
// live directly in a map[Key]*dqEntry[T] here.
type DelayQueue[T any] struct {
	mu       sync.Mutex
	wheel    *hierWheel
	entries  map[Key]*dqEntry[T]
	expHead  dqEntry[T] // circular list head for already-expired, undrained entries
	nextKey  uint64
	start    Instant
	startSet bool
	capHint  int

	metrics *metricz.Registry
	tracer  *tracez.Tracer
}

// delayQueueMetric keys, one registry per queue so multiple queues in a
// process don't collide (the way Filter/Fallback/etc. in the pipz
// examples each keep their own *metricz.Registry instance).
const (
	MetricQueueLen          = metricz.Key("delayqueue.len")
	MetricQueueExpiredTotal = metricz.Key("delayqueue.expired.total")

	// SpanDelayQueuePoll wraps each advance PollExpired makes against the
	// wheel (SPEC_FULL DOMAIN STACK).
	SpanDelayQueuePoll = tracez.Key("delayqueue.poll")
)

// NewDelayQueue creates an empty queue.
func NewDelayQueue[T any]() *DelayQueue[T] {
	return NewDelayQueueWithCapacity[T](0)
}

// NewDelayQueueWithCapacity creates an empty queue sized to hold
// capacity entries without the backing map growing (spec §4.9's
// with_capacity).
func NewDelayQueueWithCapacity[T any](capacity int) *DelayQueue[T] {
	metrics := metricz.New()
	metrics.Gauge(MetricQueueLen)
	metrics.Counter(MetricQueueExpiredTotal)

	q := &DelayQueue[T]{
		wheel:   newHierWheel(),
		entries: make(map[Key]*dqEntry[T], capacity),
		capHint: capacity,
		metrics: metrics,
		tracer:  tracez.New(),
	}
	q.expHead.expiredNext = &q.expHead
	q.expHead.expiredPrev = &q.expHead
	return q
}

func (q *DelayQueue[T]) epoch() Instant {
	if !q.startSet {
		q.start = clockInstance().Now()
		q.startSet = true
	}
	return q.start
}

// normalize converts an absolute Instant deadline into the wheel's
// internal millisecond-since-epoch coordinate, clamping anything at or
// before "now" up to "now" (spec: "values cannot be set to expire in
// the past").
func (q *DelayQueue[T]) normalize(deadline Instant) uint64 {
	now := clockInstance().Now()
	if deadline.Before(now) {
		deadline = now
	}
	ms := deadline.Sub(q.epoch()).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return uint64(ms)
}

func (q *DelayQueue[T]) toInstant(whenMs uint64) Instant {
	return q.epoch().Add(Duration(whenMs) * Duration(1_000_000))
}

func (q *DelayQueue[T]) pushExpired(e *dqEntry[T]) {
	e.expired = true
	e.expiredPrev = q.expHead.expiredPrev
	e.expiredNext = &q.expHead
	q.expHead.expiredPrev.expiredNext = e
	q.expHead.expiredPrev = e
}

func (q *DelayQueue[T]) removeExpired(e *dqEntry[T]) {
	e.expiredPrev.expiredNext = e.expiredNext
	e.expiredNext.expiredPrev = e.expiredPrev
	e.expiredNext, e.expiredPrev = nil, nil
}

func (q *DelayQueue[T]) popExpired() *dqEntry[T] {
	if q.expHead.expiredNext == &q.expHead {
		return nil
	}
	e := q.expHead.expiredNext
	q.removeExpired(e)
	return e
}

// InsertAt schedules value to expire at the given absolute deadline.
func (q *DelayQueue[T]) InsertAt(value T, deadline Instant) (Key, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= maxDelayQueueEntries {
		WARN("delayqueue: insert rejected, queue full at %d entries\n", len(q.entries))
		return 0, ErrQueueFull
	}

	key := Key(q.nextKey)
	q.nextKey++

	e := &dqEntry[T]{key: key, value: value}
	e.owner = e
	when := q.normalize(deadline)
	e.when = when
	q.entries[key] = e

	if err := q.wheel.insert(&e.wheelEntry, when); err != nil {
		// Elapsed: already due, goes straight to the expired list.
		if DBGon() {
			DBG("delayqueue: key %d inserted already past due (%s), queued as expired\n", key, err)
		}
		q.pushExpired(e)
	}

	q.metrics.Gauge(MetricQueueLen).Set(float64(len(q.entries)))
	return key, nil
}

// Insert schedules value to expire after timeout elapses from now.
func (q *DelayQueue[T]) Insert(value T, timeout Duration) (Key, error) {
	return q.InsertAt(value, clockInstance().Now().Add(timeout))
}

// Remove removes and returns the entry named by key, wherever it
// currently lives (pending in the wheel, or already expired but not yet
// drained by Poll).
func (q *DelayQueue[T]) Remove(key Key) (Expired[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	if !ok {
		return Expired[T]{}, ErrKeyNotFound
	}
	if e.expired {
		q.removeExpired(e)
	} else {
		q.wheel.remove(&e.wheelEntry)
	}
	delete(q.entries, key)
	q.metrics.Gauge(MetricQueueLen).Set(float64(len(q.entries)))

	return Expired[T]{Key: key, Value: e.value, Deadline: q.toInstant(e.when)}, nil
}

// TryRemove is Remove without the error return, spec §4.9's try_remove:
// it reports ok=false instead of erroring when key is absent, for
// callers that treat "already gone" as a normal outcome rather than a
// bug (e.g. racing a remove against the entry's own expiration).
func (q *DelayQueue[T]) TryRemove(key Key) (Expired[T], bool) {
	exp, err := q.Remove(key)
	if err != nil {
		return Expired[T]{}, false
	}
	return exp, true
}

// ResetAt reschedules an existing entry to a new absolute deadline.
func (q *DelayQueue[T]) ResetAt(key Key, deadline Instant) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	if !ok {
		return ErrKeyNotFound
	}
	if e.expired {
		q.removeExpired(e)
	} else {
		q.wheel.remove(&e.wheelEntry)
	}
	e.expired = false

	when := q.normalize(deadline)
	e.when = when
	if err := q.wheel.insert(&e.wheelEntry, when); err != nil {
		q.pushExpired(e)
	}
	return nil
}

// Reset reschedules an existing entry to expire after timeout elapses
// from now.
func (q *DelayQueue[T]) Reset(key Key, timeout Duration) error {
	return q.ResetAt(key, clockInstance().Now().Add(timeout))
}

// Poll drains and returns every entry whose deadline is at or before
// now, oldest deadline first (spec §3/§4 DelayQueue.poll).
func (q *DelayQueue[T]) Poll(now Instant) []Expired[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	whenNow := q.normalize(now)
	newly := q.wheel.poll(whenNow)
	for _, we := range newly {
		e := entryFromWheel[T](we)
		q.pushExpired(e)
	}

	var out []Expired[T]
	for {
		e := q.popExpired()
		if e == nil {
			break
		}
		delete(q.entries, e.key)
		out = append(out, Expired[T]{Key: e.key, Value: e.value, Deadline: q.toInstant(e.when)})
	}
	if len(out) > 0 {
		q.metrics.Counter(MetricQueueExpiredTotal).Add(float64(len(out)))
		q.metrics.Gauge(MetricQueueLen).Set(float64(len(q.entries)))
	}
	return out
}

// entryFromWheel recovers the dqEntry[T] that owns the given
// wheelEntry (set once, at insertion, via wheelEntry.owner).
func entryFromWheel[T any](we *wheelEntry) *dqEntry[T] {
	return we.owner.(*dqEntry[T])
}

// Len reports how many entries (pending or expired-but-undrained) the
// queue currently holds.
func (q *DelayQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Peek reports the deadline of the entry that will expire next, if
// any.
func (q *DelayQueue[T]) Peek() (Instant, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.expHead.expiredNext != &q.expHead {
		return q.toInstant(q.expHead.expiredNext.when), true
	}
	if when, ok := q.wheel.nextDeadline(); ok {
		return q.toInstant(when), true
	}
	return Instant{}, false
}

// IsEmpty reports whether the queue holds no entries at all, pending or
// expired-but-undrained.
func (q *DelayQueue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Contains reports whether key currently names a live entry.
func (q *DelayQueue[T]) Contains(key Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[key]
	return ok
}

// Capacity reports the size the backing map was last sized or reserved
// for (spec §4.9's capacity). Go's map type exposes no true capacity
// introspection, so this tracks the sizing hint last set by
// WithCapacity, Reserve, ShrinkToFit or Compact (or Len, if larger)
// rather than an exact allocation size.
func (q *DelayQueue[T]) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capHint < len(q.entries) {
		return len(q.entries)
	}
	return q.capHint
}

// Reserve ensures the queue can hold at least len+additional entries
// without the backing map needing to grow, matching spec §4.9's
// reserve. Go maps cannot be grown in place, so this rebuilds the map
// once at the larger size.
func (q *DelayQueue[T]) Reserve(additional int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	want := len(q.entries) + additional
	if want <= q.capHint {
		return
	}
	grown := make(map[Key]*dqEntry[T], want)
	for k, e := range q.entries {
		grown[k] = e
	}
	q.entries = grown
	q.capHint = want
}

// ShrinkToFit drops any reserved headroom beyond the queue's current
// size (spec §4.9). Like Compact, it rebuilds the backing map at its
// current size so Go can actually reclaim the unused buckets, since
// deleting map entries alone never shrinks Go's runtime allocation.
func (q *DelayQueue[T]) ShrinkToFit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rebuildLocked()
}

// Compact is spec §4.9's compact: in the original, it rebuilds the
// slab's contiguous indices and refreshes the Key→index remap. This
// project's Key already maps 1:1 onto entries via a Go map rather than
// a slab-plus-remap (see DelayQueue's doc comment), so there is no
// index to renumber; Compact still does real work by reallocating the
// backing map at its current size, reclaiming space left behind by
// deleted/expired entries the same way the original's rebuild does.
func (q *DelayQueue[T]) Compact() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rebuildLocked()
}

func (q *DelayQueue[T]) rebuildLocked() {
	fresh := make(map[Key]*dqEntry[T], len(q.entries))
	for k, e := range q.entries {
		fresh[k] = e
	}
	q.entries = fresh
	q.capHint = len(q.entries)
}

// Clear removes every entry from the queue, pending or expired, leaving
// it empty.
func (q *DelayQueue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wheel = newHierWheel()
	q.entries = make(map[Key]*dqEntry[T], q.capHint)
	q.expHead.expiredNext = &q.expHead
	q.expHead.expiredPrev = &q.expHead
	q.metrics.Gauge(MetricQueueLen).Set(0)
}

// PollExpired blocks until an entry expires, the queue empties out, or
// ctx is canceled — the streaming consumption mode spec §4.9 describes
// (poll_expired registering a waker and being driven again on wake).
// Each wait is backed by a Sleep pinned to the queue's current earliest
// deadline, the same "one Sleep for the earliest deadline" design spec
// §3 calls for; under a paused clock the caller drives progress with
// Advance, same as every other primitive in this package.
func (q *DelayQueue[T]) PollExpired(ctx context.Context) (Expired[T], bool, error) {
	for {
		if exp, ok := q.pollOnce(ctx); ok {
			return exp, true, nil
		}
		q.mu.Lock()
		deadline, have := q.wheel.nextDeadline()
		empty := len(q.entries) == 0
		q.mu.Unlock()
		if empty {
			return Expired[T]{}, false, nil
		}
		if !have {
			// Nothing in the wheel but entries remain: everything left
			// is already in the expired stack, which pollOnce would
			// have drained above. Guard against a logic error looping
			// forever instead of spinning silently.
			return Expired[T]{}, false, nil
		}

		sleep := NewSleepUntil(q.toInstant(deadline))
		select {
		case <-ctx.Done():
			sleep.Stop()
			return Expired[T]{}, false, ctx.Err()
		case <-sleep.C():
		}
	}
}

// pollOnce advances the wheel to now, drains anything newly expired
// into the expired stack, and pops one entry off that stack if present.
// The advance itself is wrapped in a delayqueue.poll span (SPEC_FULL
// DOMAIN STACK), the same "span per tick/advance" shape driver.go's
// tick uses.
func (q *DelayQueue[T]) pollOnce(ctx context.Context) (Expired[T], bool) {
	_, span := q.tracer.StartSpan(ctx, SpanDelayQueuePoll)
	defer span.Finish()

	q.mu.Lock()
	defer q.mu.Unlock()

	whenNow := q.normalize(clockInstance().Now())
	for _, we := range q.wheel.poll(whenNow) {
		q.pushExpired(entryFromWheel[T](we))
	}

	e := q.popExpired()
	if e == nil {
		return Expired[T]{}, false
	}
	delete(q.entries, e.key)
	q.metrics.Counter(MetricQueueExpiredTotal).Inc()
	q.metrics.Gauge(MetricQueueLen).Set(float64(len(q.entries)))
	return Expired[T]{Key: e.key, Value: e.value, Deadline: q.toInstant(e.when)}, true
}

// Metrics returns this queue's metric registry: delayqueue.len and
// delayqueue.expired.total.
func (q *DelayQueue[T]) Metrics() *metricz.Registry { return q.metrics }

// Tracer returns the tracer recording a delayqueue.poll span per
// PollExpired advance.
func (q *DelayQueue[T]) Tracer() *tracez.Tracer { return q.tracer }

// WheelMetrics returns the backing wheel's metric registry:
// wheel.entries.total and wheel.promotions.total.
func (q *DelayQueue[T]) WheelMetrics() *metricz.Registry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wheel.metrics
}
