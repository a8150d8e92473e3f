package engine

import (
	"time"

	"github.com/roach88/paysettle/internal/store"
)

// Observer receives execution events. Implementations must be safe for
// concurrent use; activity events arrive from worker goroutines.
type Observer interface {
	ActivityAttempt(activity string, attempt int)
	ActivityFinished(activity, outcome string, attempts int, elapsed time.Duration)
	GenerationStarted(instanceID string, generation int64)
	RunFinished(instanceID string, status store.RunStatus)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) ActivityAttempt(string, int) {}
func (NopObserver) ActivityFinished(string, string, int, time.Duration) {}
func (NopObserver) GenerationStarted(string, int64) {}
func (NopObserver) RunFinished(string, store.RunStatus) {}
