package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_ObserveAdvancesPastBoth(t *testing.T) {
	c := NewClock(5)

	assert.Equal(t, int64(6), c.Observe(0), "local ahead: local+1")
	assert.Equal(t, int64(11), c.Observe(10), "remote ahead: remote+1")
	assert.Equal(t, int64(12), c.Observe(11), "equal: +1")
	assert.Equal(t, int64(12), c.Current())
}

func TestClock_TickIsMonotonic(t *testing.T) {
	c := NewClock(0)
	prev := c.Current()
	for i := 0; i < 100; i++ {
		v := c.Tick()
		assert.Greater(t, v, prev)
		prev = v
	}
}
