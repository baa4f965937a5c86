package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerSetsAndClearsFlagAcrossTicks(t *testing.T) {
	tm := New(2 * time.Millisecond)
	tm.Registered(0)
	require.False(t, tm.ShouldPreempt(0))

	tm.Start()
	defer tm.Stop()

	require.Eventually(t, func() bool { return tm.ShouldPreempt(0) }, time.Second, time.Millisecond)

	tm.Clear(0)
	require.False(t, tm.ShouldPreempt(0))

	require.Eventually(t, func() bool { return tm.Ticks() > 0 }, time.Second, time.Millisecond)
}

func TestTimerRegistersFlagsLazilyPerWorker(t *testing.T) {
	tm := New(time.Second)
	f3 := tm.Registered(3)
	require.NotNil(t, f3)
	require.False(t, tm.ShouldPreempt(1))
	require.False(t, tm.ShouldPreempt(3))
}
