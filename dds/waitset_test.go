package dds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardConditionWakesWaitSet(t *testing.T) {
	ws := NewWaitSet()
	gc := NewGuardCondition()
	ws.Attach(gc)

	go func() {
		time.Sleep(20 * time.Millisecond)
		gc.SetTrigger(true)
	}()

	start := time.Now()
	triggered, err := ws.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, triggered, 1)
	assert.Same(t, Condition(gc), triggered[0])
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitTimeout(t *testing.T) {
	ws := NewWaitSet()
	ws.Attach(NewGuardCondition())

	start := time.Now()
	_, err := ws.Wait(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAlreadyTriggeredReturnsImmediately(t *testing.T) {
	ws := NewWaitSet()
	gc := NewGuardCondition()
	gc.SetTrigger(true)
	ws.Attach(gc)

	triggered, err := ws.Wait(time.Second)
	require.NoError(t, err)
	assert.Len(t, triggered, 1)
}

func TestDetachStopsWakes(t *testing.T) {
	ws := NewWaitSet()
	gc := NewGuardCondition()
	ws.Attach(gc)
	ws.Detach(gc)

	gc.SetTrigger(true)
	_, err := ws.Wait(0)
	require.ErrorIs(t, err, ErrTimeout)
}

// Edge triggering: a condition staying true signals an attached waitset
// once per transition, not per wait.
func TestEdgeTriggeredWake(t *testing.T) {
	ws := NewWaitSet()
	gc := NewGuardCondition()
	ws.Attach(gc)

	gc.SetTrigger(true)
	gc.SetTrigger(true) // no new edge

	triggered, err := ws.Wait(0)
	require.NoError(t, err)
	assert.Len(t, triggered, 1)

	gc.SetTrigger(false)
	_, err = ws.Wait(0)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestStatusConditionMask(t *testing.T) {
	sc := NewStatusCondition()
	sc.SetEnabledStatuses(StatusDataAvailable)

	sc.raise(StatusSampleLost)
	assert.False(t, sc.Triggered(), "disabled status must not trigger")

	sc.raise(StatusDataAvailable)
	assert.True(t, sc.Triggered())

	sc.clear(StatusDataAvailable)
	assert.False(t, sc.Triggered())

	// Widening the mask exposes the still-active status.
	sc.SetEnabledStatuses(StatusAll)
	assert.True(t, sc.Triggered())
}

func TestMultipleWaitSetsOneCondition(t *testing.T) {
	ws1, ws2 := NewWaitSet(), NewWaitSet()
	gc := NewGuardCondition()
	ws1.Attach(gc)
	ws2.Attach(gc)
	gc.SetTrigger(true)

	for _, ws := range []*WaitSet{ws1, ws2} {
		triggered, err := ws.Wait(time.Second)
		require.NoError(t, err)
		assert.Len(t, triggered, 1)
	}
}
