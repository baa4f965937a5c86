// Package resources implements REAM's per-process resource accounting,
// quota enforcement, and adaptive load-balance advisor.
package resources

import (
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Kind names the resource dimension a quota violation occurred in.
type Kind int

const (
	KindCPU Kind = iota
	KindMemory
	KindFileHandles
	KindSocketHandles
	KindNetworkBandwidth
	KindDiskIO
	KindSyscallRate
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindMemory:
		return "memory"
	case KindFileHandles:
		return "file_handles"
	case KindSocketHandles:
		return "socket_handles"
	case KindNetworkBandwidth:
		return "network_bandwidth"
	case KindDiskIO:
		return "disk_io"
	case KindSyscallRate:
		return "syscall_rate"
	default:
		return "unknown"
	}
}

// QuotaExceededError reports which quota a process ran past:
// QuotaExceeded(kind).
type QuotaExceededError struct{ Kind Kind }

func (e *QuotaExceededError) Error() string { return "resources: quota exceeded: " + e.Kind.String() }

// ErrResourceNotHeld names the error for releasing a resource the
// caller does not hold. No function in this package returns it.
var ErrResourceNotHeld = errors.New("resources: resource not held")

// Quotas enumerates the recognised quota options.
// Zero-valued limits mean "no limit" for that dimension.
type Quotas struct {
	MaxCPUTime                     time.Duration
	CPUTimePeriod                  time.Duration
	MaxMemory                      int64
	MaxFileHandles                 int
	MaxSocketHandles               int
	MaxNetworkBandwidthBytesPerSec float64
	MaxDiskIOBytesPerSec           float64
	MaxSyscallsPerSecond           float64
	PriorityBoost                  int // carried with the quotas; no code in this module reads it or adjusts any priority from it
}

// limiters bundles the rate.Limiter instances backing the
// bytes/sec and syscalls/sec quotas — REAM uses golang.org/x/time/rate
// token buckets here rather than hand-rolled windows.
type limiters struct {
	network  *rate.Limiter
	diskIO   *rate.Limiter
	syscalls *rate.Limiter
}

func newLimiters(q Quotas) *limiters {
	l := &limiters{}
	if q.MaxNetworkBandwidthBytesPerSec > 0 {
		l.network = rate.NewLimiter(rate.Limit(q.MaxNetworkBandwidthBytesPerSec), int(q.MaxNetworkBandwidthBytesPerSec))
	}
	if q.MaxDiskIOBytesPerSec > 0 {
		l.diskIO = rate.NewLimiter(rate.Limit(q.MaxDiskIOBytesPerSec), int(q.MaxDiskIOBytesPerSec))
	}
	if q.MaxSyscallsPerSecond > 0 {
		l.syscalls = rate.NewLimiter(rate.Limit(q.MaxSyscallsPerSecond), int(q.MaxSyscallsPerSecond)+1)
	}
	return l
}
