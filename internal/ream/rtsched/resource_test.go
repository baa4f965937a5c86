package rtsched

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reamlang/ream/internal/ream/pid"
)

const (
	prioHigh   = 10
	prioMedium = 20
	prioLow    = 30
)

func TestRequestGrantsFreeResource(t *testing.T) {
	inh := NewInheritance()
	granted, err := inh.Request("r", pid.PID(1), prioLow)
	require.NoError(t, err)
	require.True(t, granted)
	require.Equal(t, prioLow, inh.EffectivePriority(pid.PID(1)))
}

func TestRequestIsReentrant(t *testing.T) {
	inh := NewInheritance()
	_, err := inh.Request("r", pid.PID(1), prioLow)
	require.NoError(t, err)
	granted, err := inh.Request("r", pid.PID(1), prioLow)
	require.NoError(t, err)
	require.True(t, granted)
}

// TestPriorityInheritanceBoostsHolder is the classic inversion setup:
// low-priority L holds R, high-priority H blocks on it. While H waits,
// L must outrank any medium-priority work; once L releases, its base
// priority is restored and H owns R.
func TestPriorityInheritanceBoostsHolder(t *testing.T) {
	inh := NewInheritance()
	low, high := pid.PID(1), pid.PID(2)

	granted, err := inh.Request("r", low, prioLow)
	require.NoError(t, err)
	require.True(t, granted)

	granted, err = inh.Request("r", high, prioHigh)
	require.NoError(t, err)
	require.False(t, granted)

	// L inherits H's priority, so L now outranks a medium-priority task.
	require.Equal(t, prioHigh, inh.EffectivePriority(low))
	require.Less(t, inh.EffectivePriority(low), prioMedium)

	inh.Release("r", low)

	// original-priority restoration: L holds nothing, so it is back at base.
	require.Equal(t, prioLow, inh.EffectivePriority(low))
	// H was the head waiter and now owns R.
	require.Equal(t, high, inh.resources["r"].owner)
	require.True(t, inh.resources["r"].held)
}

// TestBoostPersistsWhileAnotherResourceStillBlocks: the boost drops
// only when the last boosting waiter is gone, not on the first
// release.
func TestBoostPersistsWhileAnotherResourceStillBlocks(t *testing.T) {
	inh := NewInheritance()
	owner, high, medium := pid.PID(1), pid.PID(2), pid.PID(3)

	_, err := inh.Request("r1", owner, prioLow)
	require.NoError(t, err)
	_, err = inh.Request("r2", owner, prioLow)
	require.NoError(t, err)

	_, err = inh.Request("r1", high, prioHigh)
	require.NoError(t, err)
	_, err = inh.Request("r2", medium, prioMedium)
	require.NoError(t, err)
	require.Equal(t, prioHigh, inh.EffectivePriority(owner))

	// releasing r1 sheds the High boost but the Medium waiter on r2
	// still holds the owner above base.
	inh.Release("r1", owner)
	require.Equal(t, prioMedium, inh.EffectivePriority(owner))

	inh.Release("r2", owner)
	require.Equal(t, prioLow, inh.EffectivePriority(owner))
}

// TestTransitiveBoostPropagation: A blocks on a resource whose holder
// is itself blocked; the boost must travel the whole chain.
func TestTransitiveBoostPropagation(t *testing.T) {
	inh := NewInheritance()
	a, b, c := pid.PID(1), pid.PID(2), pid.PID(3)

	_, err := inh.Request("r2", c, prioLow)
	require.NoError(t, err)
	_, err = inh.Request("r1", b, prioMedium)
	require.NoError(t, err)
	_, err = inh.Request("r2", b, prioMedium) // B now blocked on C
	require.NoError(t, err)
	require.Equal(t, prioMedium, inh.EffectivePriority(c))

	_, err = inh.Request("r1", a, prioHigh) // A blocked on B, B blocked on C
	require.NoError(t, err)
	require.Equal(t, prioHigh, inh.EffectivePriority(b))
	require.Equal(t, prioHigh, inh.EffectivePriority(c))
}

func TestReleaseHandsResourceToHighestPriorityWaiter(t *testing.T) {
	inh := NewInheritance()
	owner, medium, high := pid.PID(1), pid.PID(2), pid.PID(3)

	_, err := inh.Request("r", owner, prioLow)
	require.NoError(t, err)
	_, err = inh.Request("r", medium, prioMedium)
	require.NoError(t, err)
	_, err = inh.Request("r", high, prioHigh)
	require.NoError(t, err)

	inh.Release("r", owner)
	require.Equal(t, high, inh.resources["r"].owner)

	inh.Release("r", high)
	require.Equal(t, medium, inh.resources["r"].owner)
}

func TestReleaseByNonOwnerIsIgnored(t *testing.T) {
	inh := NewInheritance()
	_, err := inh.Request("r", pid.PID(1), prioLow)
	require.NoError(t, err)

	inh.Release("r", pid.PID(99))
	require.Equal(t, pid.PID(1), inh.resources["r"].owner)
}

// TestDeadlockAbortsYoungestVictim: A holds r1 and waits on r2; B
// holds r2. B asking for r1 would close the cycle, so the youngest
// task in it (B, the larger PID) is aborted: its resources return to
// their waiters and the error names cycle and victim.
func TestDeadlockAbortsYoungestVictim(t *testing.T) {
	inh := NewInheritance()
	a, b := pid.PID(1), pid.PID(2)

	granted, err := inh.Request("r1", a, prioLow)
	require.NoError(t, err)
	require.True(t, granted)
	granted, err = inh.Request("r2", b, prioLow)
	require.NoError(t, err)
	require.True(t, granted)

	granted, err = inh.Request("r2", a, prioLow)
	require.NoError(t, err)
	require.False(t, granted)

	_, err = inh.Request("r1", b, prioLow)
	require.ErrorIs(t, err, ErrDeadlock)

	var dl *DeadlockError
	require.ErrorAs(t, err, &dl)
	require.Equal(t, b, dl.Victim)
	require.ElementsMatch(t, []pid.PID{a, b}, dl.Cycle)

	// the victim's resource was handed to its waiter: A now owns both.
	require.Equal(t, a, inh.resources["r1"].owner)
	require.Equal(t, a, inh.resources["r2"].owner)
}

func TestNoFalseDeadlockOnSharedContention(t *testing.T) {
	inh := NewInheritance()
	// three tasks all queued on one resource is contention, not deadlock.
	_, err := inh.Request("r", pid.PID(1), prioLow)
	require.NoError(t, err)
	for i := 2; i <= 4; i++ {
		_, err = inh.Request("r", pid.PID(i), prioMedium)
		require.NoError(t, err)
	}
}

// TestPriorityChangeHookFires: every boost and restore must reach the
// installed hook so the scheduler layer can re-band the process.
func TestPriorityChangeHookFires(t *testing.T) {
	inh := NewInheritance()
	var changes []prioChange
	inh.OnPriorityChange(func(p pid.PID, prio int) {
		changes = append(changes, prioChange{pid: p, prio: prio})
	})
	low, high := pid.PID(1), pid.PID(2)

	_, err := inh.Request("r", low, prioLow)
	require.NoError(t, err)
	_, err = inh.Request("r", high, prioHigh)
	require.NoError(t, err)
	require.Contains(t, changes, prioChange{pid: low, prio: prioHigh})

	changes = nil
	inh.Release("r", low)
	require.Contains(t, changes, prioChange{pid: low, prio: prioLow})
}

func TestDeadlockErrorMatchesSentinel(t *testing.T) {
	err := error(&DeadlockError{Cycle: []pid.PID{1, 2}, Victim: 2})
	require.True(t, errors.Is(err, ErrDeadlock))
}
