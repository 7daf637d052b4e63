package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_DefaultsToEpoch(t *testing.T) {
	c := NewClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch, c.Now(), "zero step never moves")
}

func TestClock_AdvanceAndSet(t *testing.T) {
	c := NewClock(Epoch)
	c.Advance(time.Hour)
	assert.Equal(t, Epoch.Add(time.Hour), c.Now())

	target := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Set(target)
	assert.Equal(t, target, c.Now())
}

func TestClock_Stepping(t *testing.T) {
	c := NewSteppingClock(Epoch, time.Second)
	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch.Add(time.Second), c.Now())
	assert.Equal(t, Epoch.Add(2*time.Second), c.Peek())
	assert.Equal(t, Epoch.Add(2*time.Second), c.Now())
}

func TestClock_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	c := NewClock(time.Date(2025, 1, 1, 1, 0, 0, 0, loc))
	assert.Equal(t, time.UTC, c.Now().Location())
}

func TestClock_ConcurrentSteppingIsUnique(t *testing.T) {
	c := NewSteppingClock(Epoch, time.Nanosecond)

	var mu sync.Mutex
	seen := make(map[time.Time]bool)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ts := c.Now()
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1000)
}
