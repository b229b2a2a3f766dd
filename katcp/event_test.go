package katcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvent_SetIsIdempotentAndVisible(t *testing.T) {
	t.Parallel()
	e := newEvent()
	require.False(t, e.IsSet())

	e.Set()
	e.Set()
	require.True(t, e.IsSet())
	require.True(t, e.Wait(0))
}

func TestEvent_ClearBlocksFutureWaits(t *testing.T) {
	t.Parallel()
	e := newEvent()
	e.Set()
	e.Clear()
	require.False(t, e.IsSet())
	require.False(t, e.Wait(10*time.Millisecond))
}

func TestEvent_WaitUnblocksOnSet(t *testing.T) {
	t.Parallel()
	e := newEvent()

	done := make(chan bool, 1)
	go func() { done <- e.Wait(NoTimeout) }()

	time.Sleep(10 * time.Millisecond)
	e.Set()

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Set")
	}
}

func TestEvent_WaitTimesOut(t *testing.T) {
	t.Parallel()
	e := newEvent()
	require.False(t, e.Wait(20*time.Millisecond))
}
