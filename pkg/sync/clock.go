package sync

import gosync "sync"

// Clock is the coordinator-wide logical clock. It totally orders sync-log
// entries; it is never used for conflict arbitration. All access is
// mutex-guarded: read-modify-write of the counter is not safe in parallel.
type Clock struct {
	mu    gosync.Mutex
	value int64
}

// NewClock creates a clock starting at the given value (typically the
// persisted maximum restored from the sync log).
func NewClock(start int64) *Clock {
	return &Clock{value: start}
}

// Observe folds in a clock value received from an agent and advances:
// value = max(local, received) + 1. Returns the advanced value.
func (c *Clock) Observe(received int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.value {
		c.value = received
	}
	c.value++
	return c.value
}

// Tick advances the clock for a locally-originated mutation.
func (c *Clock) Tick() int64 {
	return c.Observe(0)
}

// Current returns the clock without advancing it.
func (c *Clock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
