package services

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer_RescheduleFiresOnce(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	d := newDebouncer(clock)
	defer d.Stop()

	var first, second atomic.Int32
	d.Schedule("r1", 100*time.Millisecond, func() { first.Add(1) })
	clock.Advance(60 * time.Millisecond)
	d.Schedule("r1", 100*time.Millisecond, func() { second.Add(1) })
	assert.True(t, d.Pending("r1"))

	clock.Advance(60 * time.Millisecond)
	assert.True(t, d.Pending("r1"))

	clock.Advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return second.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int32(0), first.Load())
	assert.False(t, d.Pending("r1"))
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	d := newDebouncer(clock)
	defer d.Stop()

	var fired atomic.Int32
	d.Schedule("a", 10*time.Millisecond, func() { fired.Add(1) })
	d.Schedule("b", 10*time.Millisecond, func() { fired.Add(1) })

	clock.Advance(10 * time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 2 }, waitFor, tick)
}

func TestDebouncer_CancelAndStop(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	d := newDebouncer(clock)

	var fired atomic.Int32
	d.Schedule("a", 10*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, d.Cancel("a"))
	assert.False(t, d.Cancel("a"))

	d.Schedule("b", 10*time.Millisecond, func() { fired.Add(1) })
	d.Stop()
	d.Schedule("c", 10*time.Millisecond, func() { fired.Add(1) })
	assert.False(t, d.Pending("b"))
	assert.False(t, d.Pending("c"))

	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
