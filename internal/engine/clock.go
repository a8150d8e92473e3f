package engine

import "sync/atomic"

// Clock hands out schedule positions within one generation.
//
// The k-th activity a workflow schedules in a generation gets seq k. Replay
// re-runs the workflow from the top with a fresh Clock, so the same
// scheduling decision lands on the same seq and finds its recorded
// invocation. Positions never come from wall-clock time.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// though a generation schedules from a single goroutine.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0; the first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at a specific position.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next position.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last position handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
