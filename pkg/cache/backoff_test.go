package cache

import (
	"testing"
	"time"
)

// fixedClock is a github.com/cenkalti/backoff/v4.Clock that never
// advances on its own; tests move it forward explicitly to exercise
// the idle-reset deadline.
type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func TestBackoffManagerZeroJitterSequence(t *testing.T) {
	want := []time.Duration{
		800, 1200, 1800, 2700, 4050, 6075, 9112, 13668, 15000, 15000,
	}
	bm := NewBackoffManager(BackoffOptions{
		Min:    800 * time.Millisecond,
		Max:    15000 * time.Millisecond,
		Factor: 1.5,
		Jitter: 0,
	}, nil)

	for i, want := range want {
		got := bm.Duration()
		if got != want*time.Millisecond {
			t.Fatalf("Duration() call %d = %v, want %v", i+1, got, want*time.Millisecond)
		}
	}
}

func TestBackoffManagerClampsAtMax(t *testing.T) {
	bm := NewBackoffManager(BackoffOptions{
		Min:    800 * time.Millisecond,
		Max:    15000 * time.Millisecond,
		Factor: 1.5,
		Jitter: 0,
	}, nil)

	maxAttempt := bm.maxAttempt
	for i := 0; i <= maxAttempt+5; i++ {
		d := bm.Duration()
		if i > maxAttempt && d != bm.opts.Max {
			t.Fatalf("Duration() at attempt %d = %v, want Max (%v) once attempt exceeds %d", i, d, bm.opts.Max, maxAttempt)
		}
	}
}

func TestBackoffManagerReset(t *testing.T) {
	bm := NewBackoffManager(BackoffOptions{
		Min:    800 * time.Millisecond,
		Max:    15000 * time.Millisecond,
		Factor: 1.5,
		Jitter: 0,
	}, nil)

	first := bm.Duration()
	_ = bm.Duration()
	bm.Reset()
	afterReset := bm.Duration()
	if afterReset != first {
		t.Fatalf("Duration() after Reset() = %v, want %v (same as the first call)", afterReset, first)
	}
}

func TestBackoffManagerIdleResetsAttempt(t *testing.T) {
	clk := &fixedClock{now: time.Unix(0, 0)}
	bm := NewBackoffManager(BackoffOptions{
		Min:           800 * time.Millisecond,
		Max:           15000 * time.Millisecond,
		Factor:        1.5,
		Jitter:        0,
		ResetDuration: 10 * time.Second,
	}, clk)

	first := bm.Duration()
	_ = bm.Duration()

	clk.now = clk.now.Add(11 * time.Second)
	afterIdle := bm.Duration()
	if afterIdle != first {
		t.Fatalf("Duration() after an idle period past ResetDuration = %v, want %v (attempt should have reset)", afterIdle, first)
	}
}

func TestBackoffManagerClearTimeoutPreventsIdleReset(t *testing.T) {
	clk := &fixedClock{now: time.Unix(0, 0)}
	bm := NewBackoffManager(BackoffOptions{
		Min:           800 * time.Millisecond,
		Max:           15000 * time.Millisecond,
		Factor:        1.5,
		Jitter:        0,
		ResetDuration: 10 * time.Second,
	}, clk)

	first := bm.Duration()
	_ = bm.Duration()
	bm.ClearTimeout()

	clk.now = clk.now.Add(11 * time.Second)
	got := bm.Duration()
	if got == first {
		t.Fatalf("ClearTimeout should cancel the pending idle-reset deadline, but attempt still appears to have reset")
	}
}

func TestBackoffManagerJitterStaysWithinBounds(t *testing.T) {
	bm := NewBackoffManager(BackoffOptions{
		Min:    800 * time.Millisecond,
		Max:    15000 * time.Millisecond,
		Factor: 1.5,
		Jitter: 0.1,
	}, nil)

	for i := 0; i < 20; i++ {
		d := bm.Duration()
		if d < 0 || d > bm.opts.Max {
			t.Fatalf("Duration() = %v, out of bounds [0, %v]", d, bm.opts.Max)
		}
	}
}
