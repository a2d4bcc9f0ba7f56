// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"container/heap"
	"context"
	"strconv"
	"sync"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// maxImmediateRearmsPerTurn bounds how many times register/reset may
// force an immediate (zero-delay) host re-entry while the driver is
// already executing a host callback, per spec §4.5/§9's "strong-count >
// 20" re-entrancy guard. Go has no reference-count equivalent to
// inspect, so this is the explicit "arming in progress" counter the
// design note suggests as the alternative.
const maxImmediateRearmsPerTurn = 20

// Observability surface for the driver (spec's DOMAIN STACK): metrics,
// tracing and hook events, wired the way zoobzio/pipz wires the same
// three libraries around its own connectors.
const (
	MetricActiveTimers    = metricz.Key("driver.timers.active")
	MetricTicksTotal      = metricz.Key("driver.ticks.total")
	MetricFiredTotal      = metricz.Key("driver.fired.total")
	MetricRearmGuardTrips = metricz.Key("driver.rearm.guard.triggered.total")

	SpanTick = tracez.Key("driver.tick")

	TagFiredCount = tracez.Tag("driver.fired_count")

	// EventMissedDeadline fires when a timer is processed at any instant
	// later than its own deadline — a host-scheduling-jitter signal a
	// host embedding this engine may want to observe.
	EventMissedDeadline = hookz.Key("driver.missed_deadline")

	// EventRearmGuardTripped fires when the host-callback bridge's
	// re-entrancy guard engages.
	EventRearmGuardTripped = hookz.Key("driver.rearm_guard_tripped")
)

// DriverEvent is the payload delivered through the driver's hooks.
type DriverEvent struct {
	At   Instant
	Late Duration
}

// scheduledTimer is the driver-visible record for one pending wakeup
// (spec §3). Its deadline/heap membership are only ever touched while
// holding the owning driver's mutex; state is a lock-free atomic
// bitfield so Sleep.IsElapsed and friends can be read from any
// goroutine without contending with the driver.
type scheduledTimer struct {
	state    timerState
	deadline Instant
	removed  bool
	heapIdx  int
	seq      uint64

	// wake is invoked (at most once per fire) whenever the driver marks
	// this entry fired. It must not block and must not call back into
	// the driver synchronously.
	wake func()
}

func newScheduledTimer(wake func()) *scheduledTimer {
	return &scheduledTimer{heapIdx: -1, wake: wake}
}

// timerHeap is a binary heap of scheduledTimer ordered by deadline,
// ties broken by insertion sequence (spec §5: "ties within the
// top-level driver heap are broken by insertion order").
type timerHeap []*scheduledTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *timerHeap) Push(x interface{}) {
	t := x.(*scheduledTimer)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}

// timerDriver is the process-wide singleton that owns all scheduled
// timers and arbitrates with the host's one-shot callback facility
// (spec §3/§4.4/§4.5).
type timerDriver struct {
	host HostScheduler

	mu         sync.Mutex
	heap       timerHeap
	nextSeq    uint64
	cancelHost func()
	rearmCount int // consecutive zero-delay host rearms, see armHost

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[DriverEvent]
}

func newTimerDriver(host HostScheduler) *timerDriver {
	metrics := metricz.New()
	metrics.Gauge(MetricActiveTimers)
	metrics.Counter(MetricTicksTotal)
	metrics.Counter(MetricFiredTotal)
	metrics.Counter(MetricRearmGuardTrips)

	return &timerDriver{
		host:    host,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[DriverEvent](),
	}
}

var (
	globalDriverOnce sync.Once
	globalDriver     *timerDriver
)

func driverInstance() *timerDriver {
	globalDriverOnce.Do(func() {
		globalDriver = newTimerDriver(newRealHost())
	})
	return globalDriver
}

// DriverHandle exposes the process-wide timer driver's observability
// surface to embedders, the same shape zoobzio/pipz's connectors expose
// their own metrics/tracer/hooks through (e.g. Timeout[T].Metrics(),
// .Tracer(), .OnTimeout in timeout.go) — without it, nothing could ever
// read the counters driver.go records or subscribe to its hook events.
type DriverHandle struct {
	d *timerDriver
}

// Driver returns a handle onto the process-wide driver's observability
// surface.
func Driver() DriverHandle {
	return DriverHandle{d: driverInstance()}
}

// Metrics returns the driver's metric registry: driver.timers.active,
// driver.ticks.total, driver.fired.total and driver.rearm.guard.triggered.total.
func (h DriverHandle) Metrics() *metricz.Registry { return h.d.metrics }

// Tracer returns the tracer that records a driver.tick span per tick.
func (h DriverHandle) Tracer() *tracez.Tracer { return h.d.tracer }

// OnMissedDeadline registers a handler invoked whenever a timer is
// processed at any instant later than its own deadline (§4.5).
func (h DriverHandle) OnMissedDeadline(handler func(context.Context, DriverEvent) error) error {
	_, err := h.d.hooks.Hook(EventMissedDeadline, handler)
	return err
}

// OnRearmGuardTripped registers a handler invoked whenever the
// host-callback bridge's re-entrancy guard engages (§4.5/§9).
func (h DriverHandle) OnRearmGuardTripped(handler func(context.Context, DriverEvent) error) error {
	_, err := h.d.hooks.Hook(EventRearmGuardTripped, handler)
	return err
}

// register adds t to the driver's heap with the given deadline and, if
// the clock is running, kicks the host-callback bridge so an
// already-due (or soon-due) entry is processed promptly instead of
// waiting for whatever the previously-outstanding host reservation was
// aimed at (spec §4.5 point 2).
func (d *timerDriver) register(t *scheduledTimer, deadline Instant) {
	d.mu.Lock()
	t.deadline = deadline
	t.removed = false
	t.seq = d.nextSeq
	d.nextSeq++
	heap.Push(&d.heap, t)
	d.metrics.Gauge(MetricActiveTimers).Set(float64(len(d.heap)))
	d.kickLocked()
}

// reset re-arms an existing entry at a new deadline, whether or not it
// is currently in the heap (it may have already fired, or may have been
// removed), and swaps in a new waker. This is Sleep.reset's driver-side
// half (spec §4.3/§4.6). wake is assigned under the driver lock because
// tick() reads t.wake from a separate goroutine after releasing it.
func (d *timerDriver) reset(t *scheduledTimer, deadline Instant, wake func()) {
	d.mu.Lock()
	t.deadline = deadline
	t.removed = false
	t.wake = wake
	if t.heapIdx >= 0 {
		t.seq = d.nextSeq
		d.nextSeq++
		heap.Fix(&d.heap, t.heapIdx)
	} else {
		t.seq = d.nextSeq
		d.nextSeq++
		heap.Push(&d.heap, t)
	}
	d.metrics.Gauge(MetricActiveTimers).Set(float64(len(d.heap)))
	d.kickLocked()
}

// cancel removes t from the heap (if present) and sets its removed flag;
// rejecting a later Reset is left to the invalidated bit Sleep.Stop sets
// on t.state. This backs Sleep's drop semantics (spec
// §4.6, §5 cancellation): the removal itself is immediate here (Go has
// no deterministic destructor to make it lazy for), which is a strict
// improvement over the spec's "lazy, bounded at next tick" framing.
func (d *timerDriver) cancel(t *scheduledTimer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t.removed = true
	if t.heapIdx >= 0 {
		heap.Remove(&d.heap, t.heapIdx)
		d.metrics.Gauge(MetricActiveTimers).Set(float64(len(d.heap)))
	}
}

// kickLocked must be called with d.mu held; it releases the lock before
// returning. It is the entry point used by register/reset to ensure the
// host-callback bridge is armed for the new earliest deadline.
func (d *timerDriver) kickLocked() {
	d.mu.Unlock()
	d.armHost()
}

// tick is the algorithm from spec §4.4: pop every entry whose deadline
// has passed, in increasing-deadline order (ties by insertion order),
// mark it fired and invoke its waker.
func (d *timerDriver) tick(now Instant) {
	ctx, span := d.tracer.StartSpan(context.Background(), SpanTick)
	fired := 0
	defer func() {
		span.SetTag(TagFiredCount, strconv.Itoa(fired))
		span.Finish()
	}()

	d.metrics.Counter(MetricTicksTotal).Inc()

	d.mu.Lock()
	d.rearmCount = 0
	var wakers []func()
	for len(d.heap) > 0 && !d.heap[0].deadline.After(now) {
		t := heap.Pop(&d.heap).(*scheduledTimer)
		late := now.Sub(t.deadline)
		t.markFired()
		fired++
		if t.wake != nil {
			wakers = append(wakers, t.wake)
		}
		d.metrics.Counter(MetricFiredTotal).Inc()
		if late > 0 {
			go func(at Instant, late Duration) {
				_ = d.hooks.Emit(ctx, EventMissedDeadline, DriverEvent{At: at, Late: late}) //nolint:errcheck
			}(now, late)
		}
	}
	pending := len(d.heap)
	d.metrics.Gauge(MetricActiveTimers).Set(float64(pending))
	d.mu.Unlock()

	if DBGon() && fired > 0 {
		DBG("driver: tick at %s fired %d timer(s), %d still pending\n", now, fired, pending)
	}

	for _, wake := range wakers {
		wake()
	}
}

// armHost recomputes the earliest outstanding deadline and (re)arms the
// host one-shot reservation accordingly (spec §4.5 points 3-4). Under a
// paused clock there is no host reservation to arm: Advance is the only
// thing that moves time forward, and it drives tick synchronously
// itself — this only ticks synchronously here too, for the corner case
// of a deadline that already falls on/before the frozen "now".
func (d *timerDriver) armHost() {
	d.mu.Lock()
	var next Instant
	have := false
	if len(d.heap) > 0 {
		next = d.heap[0].deadline
		have = true
	}
	cancel := d.cancelHost
	d.cancelHost = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !have {
		return
	}
	if clockInstance().Paused() {
		// Advance is the only thing that moves a paused clock, and it
		// already drives a synchronous tick itself (spec §4.5 point
		// 4). But a register/reset that lands on (or before) the
		// clock's current frozen instant — e.g. an Interval re-arming
		// itself to a deadline that is still behind "now" after a
		// single Advance — has no host callback coming to notice
		// that, so it must be ticked through right here instead of
		// waiting for an Advance call that may never come.
		now := clockInstance().Now()
		if !next.After(now) {
			d.tick(now)
		}
		return
	}

	now := clockInstance().Now()
	delay := next.Sub(now)
	ms := clampToInt32Ms(delay)

	if ms == 0 {
		d.mu.Lock()
		d.rearmCount++
		tripped := d.rearmCount > maxImmediateRearmsPerTurn
		if tripped {
			d.rearmCount = 0
		}
		d.mu.Unlock()
		if tripped {
			WARN("driver: rearm guard tripped after %d consecutive zero-delay rearms at %s\n",
				maxImmediateRearmsPerTurn, now)
			d.metrics.Counter(MetricRearmGuardTrips).Inc()
			go func() {
				_ = d.hooks.Emit(context.Background(), EventRearmGuardTripped, DriverEvent{At: now}) //nolint:errcheck
			}()
			// Force a small real delay instead of looping the host
			// callback synchronously at zero-delay forever (spec
			// §4.5/§9: bound re-arms per turn, don't starve progress).
			ms = 1
		}
	}

	d.mu.Lock()
	d.cancelHost = d.host.Schedule(d.onHostFire, ms)
	d.mu.Unlock()
}

// onHostFire is the host one-shot callback itself: run tick, then
// re-arm for whatever is now the earliest deadline.
func (d *timerDriver) onHostFire() {
	d.tick(clockInstance().Now())
	d.armHost()
}

