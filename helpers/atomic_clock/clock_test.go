package atomic_clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock(t *testing.T) {
	t.Parallel()
	const delta = 100 * time.Millisecond
	var c Clock
	assert.True(t, c.IsZero())
	assert.Equal(t, time.Duration(0), Since(&c))

	tim := time.Now().Add(-time.Second)
	c.SetTime(tim)
	assert.Equal(t, tim.UnixNano(), c.UnixNano())
	assert.InDelta(t, float64(time.Second), float64(Since(&c)), float64(delta))

	c.SetNow()
	assert.False(t, c.IsZero())
	assert.True(t, Since(&c) < delta)
	assert.InDelta(t, time.Now().UnixNano(), Now().Time().UnixNano(), float64(delta))
}
