package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(500 * time.Millisecond)
	assert.Equal(t, 0, fired)

	c.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, fired)
	assert.Equal(t, epoch.Add(time.Second), c.Now())
	assert.Equal(t, 0, c.Pending())
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestFakeRescheduleKeepsPeriod(t *testing.T) {
	c := Fake(epoch)
	var ticks []time.Time

	var tick func()
	tick = func() {
		ticks = append(ticks, c.Now())
		if len(ticks) < 5 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)

	require.Len(t, ticks, 5)
	for i, at := range ticks {
		assert.Equal(t, epoch.Add(time.Duration(i+1)*time.Second), at)
	}
	assert.Equal(t, epoch.Add(10*time.Second), c.Now())
}

func TestFakeOrdering(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.AfterFunc(time.Second, func() { order = append(order, "b") })

	c.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestFakeNonPositiveRunsImmediately(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(0, func() { fired = true })
	assert.True(t, fired)
	assert.False(t, timer.Stop())
}

func TestNilTimerStop(t *testing.T) {
	var timer *Timer
	assert.False(t, timer.Stop())
}
