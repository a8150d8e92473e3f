package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a wall clock for tests that starts at a fixed
// instant and advances by a fixed step on every Now call.
//
// The same scenario with the same clock produces identical settled_at and
// run timestamps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	calls int64
}

// DefaultEpoch is the instant DeterministicClock starts at when none is given.
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewDeterministicClock creates a clock at start that advances by step.
// A zero start means DefaultEpoch.
func NewDeterministicClock(start time.Time, step time.Duration) *DeterministicClock {
	if start.IsZero() {
		start = DefaultEpoch
	}
	return &DeterministicClock{start: start.UTC(), step: step}
}

// Now returns the current instant and advances the clock.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.calls) * c.step)
	c.calls++
	return t
}

// Calls returns how many times Now was called.
func (c *DeterministicClock) Calls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Reset rewinds the clock to its start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = 0
}
