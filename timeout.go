// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"context"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability surface for Run/RunAt, grounded on the shape
// zoobzio/pipz's own Timeout connector exposes for the same concern
// (metrics, a span per call, near-timeout/timeout hook events) — pipz
// drives its race off github.com/zoobzio/clockz, which this project
// deliberately does not wire (see SPEC_FULL.md/DESIGN.md: the virtual
// Clock is this project's own deliverable), so the race below is run
// against a local Sleep instead of clockz.Clock.WithTimeout.
const (
	MetricTimeoutRunsTotal     = metricz.Key("timeout.runs.total")
	MetricTimeoutElapsedTotal  = metricz.Key("timeout.elapsed.total")
	MetricTimeoutCompletedMs   = metricz.Key("timeout.completed.duration_ms")
	SpanTimeoutRun             = tracez.Key("timeout.run")
	TagTimeoutDuration         = tracez.Tag("timeout.duration")
	TagTimeoutOutcome          = tracez.Tag("timeout.outcome")
	EventTimeoutElapsed        = hookz.Key("timeout.elapsed")
	EventTimeoutNearlyElapsed  = hookz.Key("timeout.nearly_elapsed")
	timeoutNearThresholdFactor = 0.8
)

// TimeoutObservability holds the shared metrics/tracer/hooks used by
// Run and RunAt. A package-level instance keeps the common case
// (call Run directly) free of setup, while still giving embedders a
// handle to subscribe to events.
type TimeoutObservability struct {
	Metrics *metricz.Registry
	Tracer  *tracez.Tracer
	Hooks   *hookz.Hooks[TimeoutObservabilityEvent]
}

// TimeoutObservabilityEvent is delivered through Hooks.
type TimeoutObservabilityEvent struct {
	Duration    Duration
	Elapsed     Duration
	TimedOut    bool
	PercentUsed float64
}

func newTimeoutObservability() *TimeoutObservability {
	metrics := metricz.New()
	metrics.Counter(MetricTimeoutRunsTotal)
	metrics.Counter(MetricTimeoutElapsedTotal)
	metrics.Gauge(MetricTimeoutCompletedMs)
	return &TimeoutObservability{
		Metrics: metrics,
		Tracer:  tracez.New(),
		Hooks:   hookz.New[TimeoutObservabilityEvent](),
	}
}

var defaultTimeoutObservability = newTimeoutObservability()

// TimeoutMetrics returns the metric registry shared by every Run/RunAt
// call: timeout.runs.total, timeout.elapsed.total, timeout.completed.duration_ms.
func TimeoutMetrics() *metricz.Registry { return defaultTimeoutObservability.Metrics }

// TimeoutTracer returns the tracer that records a timeout.run span per
// Run/RunAt call.
func TimeoutTracer() *tracez.Tracer { return defaultTimeoutObservability.Tracer }

// OnTimeoutElapsed registers a handler invoked whenever a Run/RunAt call
// returns Elapsed.
func OnTimeoutElapsed(handler func(context.Context, TimeoutObservabilityEvent) error) error {
	_, err := defaultTimeoutObservability.Hooks.Hook(EventTimeoutElapsed, handler)
	return err
}

// OnTimeoutNearlyElapsed registers a handler invoked whenever a
// Run/RunAt call completes successfully but used more than 80% of its
// budget.
func OnTimeoutNearlyElapsed(handler func(context.Context, TimeoutObservabilityEvent) error) error {
	_, err := defaultTimeoutObservability.Hooks.Hook(EventTimeoutNearlyElapsed, handler)
	return err
}

// Run races fn against a deadline duration in the future (spec §4.8
// Timeout). fn receives a context that is canceled the instant the
// deadline fires, the idiomatic Go substitute for polling a second
// future the way original_source's Timeout<F> does. If fn does not
// return before the deadline, Run returns the zero value of T and an
// Elapsed error; ctx cancellation does not itself stop fn's goroutine,
// so fn must respect ctx the same way the original's doc comment
// requires the wrapped future to respect polling.
func Run[T any](ctx context.Context, duration Duration, fn func(context.Context) (T, error)) (T, error) {
	return RunAt(ctx, clockInstance().Now().Add(duration), fn)
}

// RunAt is Run with an absolute deadline (spec §4.8's timeout_at).
func RunAt[T any](ctx context.Context, deadline Instant, fn func(context.Context) (T, error)) (T, error) {
	obs := defaultTimeoutObservability
	obs.Metrics.Counter(MetricTimeoutRunsTotal).Inc()

	spanCtx, span := obs.Tracer.StartSpan(ctx, SpanTimeoutRun)
	duration := deadline.Sub(clockInstance().Now())
	span.SetTag(TagTimeoutDuration, duration.String())
	start := clockInstance().Now()
	defer span.Finish()

	runCtx, cancel := context.WithCancel(spanCtx)
	defer cancel()

	type outcome[T any] struct {
		val T
		err error
	}
	resultCh := make(chan outcome[T], 1)
	go func() {
		v, err := fn(runCtx)
		select {
		case resultCh <- outcome[T]{val: v, err: err}:
		case <-runCtx.Done():
		}
	}()

	sleep := NewSleepUntil(deadline)
	defer sleep.Stop()

	select {
	case <-ctx.Done():
		cancel()
		span.SetTag(TagTimeoutOutcome, "canceled")
		var zero T
		return zero, ctx.Err()
	case res := <-resultCh:
		elapsed := clockInstance().Now().Sub(start)
		obs.Metrics.Gauge(MetricTimeoutCompletedMs).Set(float64(elapsed.Milliseconds()))
		span.SetTag(TagTimeoutOutcome, "completed")
		if duration > 0 {
			percentUsed := float64(elapsed) / float64(duration) * 100
			if percentUsed > timeoutNearThresholdFactor*100 {
				_ = obs.Hooks.Emit(spanCtx, EventTimeoutNearlyElapsed, TimeoutObservabilityEvent{ //nolint:errcheck
					Duration:    duration,
					Elapsed:     elapsed,
					PercentUsed: percentUsed,
				})
			}
		}
		return res.val, res.err
	case <-sleep.C():
		cancel()
		elapsed := clockInstance().Now().Sub(start)
		obs.Metrics.Counter(MetricTimeoutElapsedTotal).Inc()
		span.SetTag(TagTimeoutOutcome, "elapsed")
		_ = obs.Hooks.Emit(spanCtx, EventTimeoutElapsed, TimeoutObservabilityEvent{ //nolint:errcheck
			Duration: duration,
			Elapsed:  elapsed,
			TimedOut: true,
		})
		var zero T
		return zero, Elapsed{}
	}
}

