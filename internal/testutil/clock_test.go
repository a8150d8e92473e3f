package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicClock_DefaultEpoch(t *testing.T) {
	clock := NewDeterministicClock(time.Time{}, 0)
	assert.True(t, clock.Now().Equal(DefaultEpoch))
	assert.True(t, clock.Now().Equal(DefaultEpoch), "zero step never advances")
}

func TestDeterministicClock_AdvancesByStep(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := NewDeterministicClock(start, time.Second)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(time.Second), clock.Now())
	assert.Equal(t, start.Add(2*time.Second), clock.Now())
	assert.Equal(t, int64(3), clock.Calls())
}

func TestDeterministicClock_Reset(t *testing.T) {
	clock := NewDeterministicClock(time.Time{}, time.Minute)
	clock.Now()
	clock.Now()

	clock.Reset()
	assert.Equal(t, DefaultEpoch, clock.Now())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock(time.Time{}, time.Millisecond)
	const goroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(goroutines), clock.Calls())
}
