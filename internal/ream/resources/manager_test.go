package resources

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reamlang/ream/internal/ream/pid"
)

func TestMemoryQuotaExceeded(t *testing.T) {
	m := NewManager(Quotas{})
	m.Register(1, Quotas{MaxMemory: 1 << 20})

	var violations []Violation
	m.OnViolation(func(v Violation) { violations = append(violations, v) })

	require.NoError(t, m.UpdateMemoryUsage(1, 500_000))
	require.Empty(t, violations)

	err := m.UpdateMemoryUsage(1, 2_000_000)
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, KindMemory, qe.Kind)
	require.Len(t, violations, 1)
	require.Equal(t, pid.PID(1), violations[0].Pid)
	require.Equal(t, KindMemory, violations[0].Kind)
	require.Equal(t, int64(1), m.Violations(1))

	// usage is still recorded even for the rejected update.
	require.Equal(t, int64(2_000_000), m.Usage(1).MemoryBytes)
}

func TestCPUTimeQuotaWithSlidingWindow(t *testing.T) {
	m := NewManager(Quotas{})
	m.Register(1, Quotas{MaxCPUTime: 10 * time.Millisecond, CPUTimePeriod: 40 * time.Millisecond})

	require.NoError(t, m.UpdateCPUTime(1, 6*time.Millisecond))
	err := m.UpdateCPUTime(1, 6*time.Millisecond)
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, KindCPU, qe.Kind)

	// once the window rolls over, the budget refills.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.UpdateCPUTime(1, 6*time.Millisecond))
}

func TestFileHandleQuota(t *testing.T) {
	m := NewManager(Quotas{})
	m.Register(1, Quotas{MaxFileHandles: 2})

	require.NoError(t, m.UpdateFileHandles(1, 2))
	err := m.UpdateFileHandles(1, 3)
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, KindFileHandles, qe.Kind)
}

func TestSyscallRateQuota(t *testing.T) {
	m := NewManager(Quotas{})
	m.Register(1, Quotas{MaxSyscallsPerSecond: 5})

	var limited error
	for i := 0; i < 20; i++ {
		if err := m.UpdateSyscallCount(1); err != nil {
			limited = err
			break
		}
	}
	var qe *QuotaExceededError
	require.ErrorAs(t, limited, &qe)
	require.Equal(t, KindSyscallRate, qe.Kind)
	require.Greater(t, m.Usage(1).Syscalls, int64(0))
}

func TestUnregisteredProcessFallsBackToDefaults(t *testing.T) {
	m := NewManager(Quotas{MaxMemory: 100})
	err := m.UpdateMemoryUsage(42, 200)
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, KindMemory, qe.Kind)
}

func TestDiskAndNetworkCountersAccumulate(t *testing.T) {
	m := NewManager(Quotas{})
	m.Register(1, Quotas{})

	require.NoError(t, m.ReserveDiskIO(1, 100, true))
	require.NoError(t, m.ReserveDiskIO(1, 40, false))
	require.NoError(t, m.ReserveNetwork(1, 7, true))
	require.NoError(t, m.ReserveNetwork(1, 3, false))

	u := m.Usage(1)
	require.Equal(t, int64(100), u.DiskBytesWritten)
	require.Equal(t, int64(40), u.DiskBytesRead)
	require.Equal(t, int64(7), u.NetBytesSent)
	require.Equal(t, int64(3), u.NetBytesRecv)
}

func TestBalancerFlagsImbalance(t *testing.T) {
	b := NewBalancer(time.Hour) // never samples during the test

	rec := b.Balance([]WorkerLoad{
		{WorkerID: 0, QueueDepth: 30},
		{WorkerID: 1, QueueDepth: 0},
		{WorkerID: 2, QueueDepth: 0},
		{WorkerID: 3, QueueDepth: 2},
	})
	require.Equal(t, []int{0}, rec.OverloadedWorkers)
	require.ElementsMatch(t, []int{1, 2}, rec.UnderloadedWorkers)
}

func TestBalancerBalancedLoadNoRecommendation(t *testing.T) {
	b := NewBalancer(time.Hour)
	rec := b.Balance([]WorkerLoad{
		{WorkerID: 0, QueueDepth: 5},
		{WorkerID: 1, QueueDepth: 6},
		{WorkerID: 2, QueueDepth: 5},
	})
	require.Empty(t, rec.OverloadedWorkers)
	require.Empty(t, rec.UnderloadedWorkers)
}

func TestQuotaErrorStrings(t *testing.T) {
	err := error(&QuotaExceededError{Kind: KindDiskIO})
	require.Contains(t, err.Error(), "disk_io")
	require.False(t, errors.Is(err, ErrResourceNotHeld))
}
