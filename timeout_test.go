// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestTimeoutElapses is spec §8 scenario E.
func TestTimeoutElapses(t *testing.T) {
	Pause()
	defer Resume()

	block := make(chan struct{})
	defer close(block)

	done := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), 1000*time.Millisecond, func(ctx context.Context) (int, error) {
			select {
			case <-block:
				return 0, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond) // give the goroutine time to register its Sleep
	Advance(1001 * time.Millisecond)

	select {
	case err := <-done:
		if !IsElapsed(err) {
			t.Fatalf("expected an Elapsed error, got %v\n", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run never returned\n")
	}
}

// TestTimeoutInnerWins is spec §8 property 9: the inner completes
// before the deadline, so Run returns Ok.
func TestTimeoutInnerWins(t *testing.T) {
	Pause()
	defer Resume()

	ready := make(chan struct{})
	done := make(chan struct {
		val int
		err error
	}, 1)
	go func() {
		v, err := Run(context.Background(), 1000*time.Millisecond, func(ctx context.Context) (int, error) {
			close(ready)
			return 42, nil
		})
		done <- struct {
			val int
			err error
		}{v, err}
	}()

	<-ready
	res := <-done
	if res.err != nil {
		t.Fatalf("expected no error, got %v\n", res.err)
	}
	if res.val != 42 {
		t.Fatalf("expected the inner value 42, got %d\n", res.val)
	}
}

func TestElapsedErrorShape(t *testing.T) {
	var e Elapsed
	if e.Error() != "deadline has elapsed" {
		t.Fatalf("unexpected Elapsed.Error(): %q\n", e.Error())
	}
	if !e.Timeout() {
		t.Fatalf("Elapsed.Timeout() should report true\n")
	}
	if !errors.As(error(e), &e) {
		t.Fatalf("errors.As should recognize Elapsed\n")
	}
}
