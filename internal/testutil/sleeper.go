package testutil

import (
	"context"
	"sync"
	"time"
)

// RecordingSleeper is a retry.SleepFunc source that records requested
// delays instead of waiting.
type RecordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

// Sleep records d and returns immediately, or returns ctx.Err() if ctx is
// already done.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

// Delays returns a copy of the recorded delays in call order.
func (s *RecordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}
