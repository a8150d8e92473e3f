package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_StartsAtZero(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(0), c.Current())
	assert.Equal(t, int64(1), c.Next(), "first scheduled activity is seq 1")
}

func TestClock_NewClockAt(t *testing.T) {
	c := NewClockAt(41)
	assert.Equal(t, int64(42), c.Next())
	assert.Equal(t, int64(42), c.Current())
}

func TestClock_ReplayAssignsSamePositions(t *testing.T) {
	first, second := NewClock(), NewClock()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first.Next(), second.Next())
	}
}

func TestClock_ConcurrentNextIsUnique(t *testing.T) {
	c := NewClock()
	const goroutines = 50
	const perGoroutine = 100

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				seq := c.Next()
				mu.Lock()
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
	assert.Equal(t, int64(goroutines*perGoroutine), c.Current())
}
