package cache

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffOptions are the tunables of the relist backoff. Jitter is
// clamped to [0, 1] by NewBackoffManager; a zero Jitter disables jitter.
type BackoffOptions struct {
	Min           time.Duration
	Max           time.Duration
	Factor        float64
	Jitter        float64
	ResetDuration time.Duration
}

// DefaultBackoffOptions returns the standard defaults: 800ms initial
// delay, 15s ceiling, 1.5x growth, 10% symmetric jitter, 60s idle-reset.
func DefaultBackoffOptions() BackoffOptions {
	return BackoffOptions{
		Min:           800 * time.Millisecond,
		Max:           15000 * time.Millisecond,
		Factor:        1.5,
		Jitter:        0.1,
		ResetDuration: 60000 * time.Millisecond,
	}
}

// BackoffManager produces the retry delays the Reflector's outer loop
// sleeps on between listAndWatch attempts. It implements
// github.com/cenkalti/backoff/v4's BackOff interface so a caller who
// already has cenkalti-based retry plumbing elsewhere can drop this in
// directly, even though the Reflector drives it through Duration
// rather than NextBackOff.
type BackoffManager struct {
	opts       BackoffOptions
	maxAttempt int
	clock      backoff.Clock

	mu            sync.Mutex
	attempt       int
	resetDeadline time.Time
	rng           *rand.Rand
}

var _ backoff.BackOff = &BackoffManager{}

// NewBackoffManager builds a BackoffManager from opts, applying the
// standard defaults to any zero field other than Jitter and clamping
// Jitter to [0, 1] (a zero Jitter stays zero).
// A nil clock defaults to backoff.SystemClock.
func NewBackoffManager(opts BackoffOptions, clock backoff.Clock) *BackoffManager {
	defaults := DefaultBackoffOptions()
	if opts.Min <= 0 {
		opts.Min = defaults.Min
	}
	if opts.Max <= 0 {
		opts.Max = defaults.Max
	}
	if opts.Factor <= 0 {
		opts.Factor = defaults.Factor
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.Jitter > 1 {
		opts.Jitter = 1
	}
	if opts.ResetDuration <= 0 {
		opts.ResetDuration = defaults.ResetDuration
	}
	if clock == nil {
		clock = backoff.SystemClock
	}
	return &BackoffManager{
		opts:       opts,
		maxAttempt: int(math.Floor(math.Log(float64(opts.Max)/float64(opts.Min)) / math.Log(opts.Factor))),
		clock:      clock,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Duration schedules the idle-reset deadline, captures and advances
// attempt, and returns the jittered exponential delay floored to a whole
// millisecond (or Max, once attempt exceeds the precomputed ceiling).
func (b *BackoffManager) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if !b.resetDeadline.IsZero() && !now.Before(b.resetDeadline) {
		b.attempt = 0
	}
	b.resetDeadline = now.Add(b.opts.ResetDuration)

	attempt := b.attempt
	b.attempt++

	if attempt > b.maxAttempt {
		return b.opts.Max
	}

	d := float64(b.opts.Min) * math.Pow(b.opts.Factor, float64(attempt))
	if b.opts.Jitter != 0 {
		r := b.rng.Float64()
		d *= 1 + b.opts.Jitter*(2*r-1)
	}
	dur := time.Duration(math.Floor(d/float64(time.Millisecond))) * time.Millisecond
	if dur > b.opts.Max {
		dur = b.opts.Max
	}
	if dur < 0 {
		dur = 0
	}
	return dur
}

// Reset zeroes attempt.
func (b *BackoffManager) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// ClearTimeout cancels the pending idle-reset deadline. Reflector.Stop
// calls this so a stopped Reflector's BackoffManager does not silently
// reset attempt out from under a caller inspecting it afterward.
func (b *BackoffManager) ClearTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetDeadline = time.Time{}
}

// NextBackOff satisfies backoff.BackOff.
func (b *BackoffManager) NextBackOff() time.Duration {
	return b.Duration()
}
