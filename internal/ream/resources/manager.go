package resources

import (
	"sync"
	"time"

	"github.com/fjl/memsize"

	"github.com/reamlang/ream/internal/log"
	"github.com/reamlang/ream/internal/ream/pid"
)

// Usage is the per-process accounting record.
type Usage struct {
	CPUTime          time.Duration
	MemoryBytes      int64
	FileHandles      int
	SocketHandles    int
	NetBytesSent     int64
	NetBytesRecv     int64
	DiskBytesRead    int64
	DiskBytesWritten int64
	Syscalls         int64
	LastUpdate       time.Time
}

type account struct {
	mu             sync.Mutex
	usage          Usage
	quotas         Quotas
	limiters       *limiters
	cpuWindowStart time.Time
	violations     int64
}

// Violation describes a quota breach for OnViolation callbacks.
type Violation struct {
	Pid  pid.PID
	Kind Kind
}

// Manager tracks per-process resource usage against configured Quotas
// and enforces them. It never terminates a process itself — breaches
// are reported through the returned error and the OnViolation callback
// so the runtime layer, which owns process lifecycle, decides the
// policy response.
type Manager struct {
	mu       sync.RWMutex
	accounts map[pid.PID]*account
	defaults Quotas

	onViolation func(Violation)

	log *log.Logger
}

func NewManager(defaults Quotas) *Manager {
	return &Manager{
		accounts: make(map[pid.PID]*account),
		defaults: defaults,
		log:      log.Root.New("component", "resources"),
	}
}

// SetDefaults replaces the default quotas applied to processes that
// were never explicitly Registered. Already-registered accounts keep
// their quotas; hot-reloaded config affects new processes only.
func (m *Manager) SetDefaults(q Quotas) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = q
}

// OnViolation installs the callback fired on every quota breach.
func (m *Manager) OnViolation(f func(Violation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onViolation = f
}

func (m *Manager) fire(v Violation) {
	m.mu.RLock()
	f := m.onViolation
	m.mu.RUnlock()
	if f != nil {
		f(v)
	}
}

// Register installs process-specific quotas. Zero-valued fields mean
// "no limit" for that dimension; merging in manager defaults is the
// caller's responsibility.
func (m *Manager) Register(p pid.PID, q Quotas) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[p] = &account{quotas: q, limiters: newLimiters(q), cpuWindowStart: time.Now()}
}

func (m *Manager) Unregister(p pid.PID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, p)
}

func (m *Manager) acct(p pid.PID) *account {
	m.mu.RLock()
	a, ok := m.accounts[p]
	m.mu.RUnlock()
	if ok {
		return a
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[p]; ok {
		return a
	}
	a = &account{quotas: m.defaults, limiters: newLimiters(m.defaults), cpuWindowStart: time.Now()}
	m.accounts[p] = a
	return a
}

// Violations reports the cumulative quota-violation count for p.
func (m *Manager) Violations(p pid.PID) int64 {
	a := m.acct(p)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.violations
}

// Usage returns a snapshot of p's current accounting record.
func (m *Manager) Usage(p pid.PID) Usage {
	a := m.acct(p)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// UpdateCPUTime adds delta to p's CPU time and resets the enforcement
// window if CPUTimePeriod has elapsed.
func (m *Manager) UpdateCPUTime(p pid.PID, delta time.Duration) error {
	a := m.acct(p)
	a.mu.Lock()
	now := time.Now()
	if a.quotas.CPUTimePeriod > 0 && now.Sub(a.cpuWindowStart) >= a.quotas.CPUTimePeriod {
		a.usage.CPUTime = 0
		a.cpuWindowStart = now
	}
	a.usage.CPUTime += delta
	a.usage.LastUpdate = now
	exceeded := a.quotas.MaxCPUTime > 0 && a.usage.CPUTime > a.quotas.MaxCPUTime
	if exceeded {
		a.violations++
	}
	a.mu.Unlock()
	if exceeded {
		m.fire(Violation{Pid: p, Kind: KindCPU})
		return &QuotaExceededError{Kind: KindCPU}
	}
	return nil
}

// UpdateMemoryUsage sets p's current memory footprint. The executor
// reports vm.State.ApproxSize here; a memsize scan runs only through
// the on-demand deep memory query. Manager only enforces the ceiling.
func (m *Manager) UpdateMemoryUsage(p pid.PID, bytes int64) error {
	a := m.acct(p)
	a.mu.Lock()
	a.usage.MemoryBytes = bytes
	a.usage.LastUpdate = time.Now()
	exceeded := a.quotas.MaxMemory > 0 && bytes > a.quotas.MaxMemory
	if exceeded {
		a.violations++
	}
	a.mu.Unlock()
	if exceeded {
		m.fire(Violation{Pid: p, Kind: KindMemory})
		return &QuotaExceededError{Kind: KindMemory}
	}
	return nil
}

// ScanSize uses fjl/memsize to compute the retained heap size of an
// arbitrary root object, for memory accounting of VM state graphs
// (globals, cell table, program closures) that a simple byte counter
// cannot see through.
func ScanSize(root interface{}) uint64 {
	return uint64(memsize.Scan(root).Total)
}

// UpdateFileHandles sets the live file-handle count for p.
func (m *Manager) UpdateFileHandles(p pid.PID, n int) error {
	a := m.acct(p)
	a.mu.Lock()
	a.usage.FileHandles = n
	exceeded := a.quotas.MaxFileHandles > 0 && n > a.quotas.MaxFileHandles
	if exceeded {
		a.violations++
	}
	a.mu.Unlock()
	if exceeded {
		m.fire(Violation{Pid: p, Kind: KindFileHandles})
		return &QuotaExceededError{Kind: KindFileHandles}
	}
	return nil
}

// UpdateSocketHandles sets the live socket-handle count for p.
func (m *Manager) UpdateSocketHandles(p pid.PID, n int) error {
	a := m.acct(p)
	a.mu.Lock()
	a.usage.SocketHandles = n
	exceeded := a.quotas.MaxSocketHandles > 0 && n > a.quotas.MaxSocketHandles
	if exceeded {
		a.violations++
	}
	a.mu.Unlock()
	if exceeded {
		m.fire(Violation{Pid: p, Kind: KindSocketHandles})
		return &QuotaExceededError{Kind: KindSocketHandles}
	}
	return nil
}

// ReserveNetwork consumes n bytes from p's network bandwidth token
// bucket, blocking-free: it returns a quota error immediately rather
// than stalling the caller.
func (m *Manager) ReserveNetwork(p pid.PID, n int, sent bool) error {
	a := m.acct(p)
	a.mu.Lock()
	if sent {
		a.usage.NetBytesSent += int64(n)
	} else {
		a.usage.NetBytesRecv += int64(n)
	}
	lims := a.limiters
	a.mu.Unlock()
	if lims.network != nil && !lims.network.AllowN(time.Now(), n) {
		a.mu.Lock()
		a.violations++
		a.mu.Unlock()
		m.fire(Violation{Pid: p, Kind: KindNetworkBandwidth})
		return &QuotaExceededError{Kind: KindNetworkBandwidth}
	}
	return nil
}

// ReserveDiskIO consumes n bytes from p's disk-IO token bucket.
func (m *Manager) ReserveDiskIO(p pid.PID, n int, write bool) error {
	a := m.acct(p)
	a.mu.Lock()
	if write {
		a.usage.DiskBytesWritten += int64(n)
	} else {
		a.usage.DiskBytesRead += int64(n)
	}
	lims := a.limiters
	a.mu.Unlock()
	if lims.diskIO != nil && !lims.diskIO.AllowN(time.Now(), n) {
		a.mu.Lock()
		a.violations++
		a.mu.Unlock()
		m.fire(Violation{Pid: p, Kind: KindDiskIO})
		return &QuotaExceededError{Kind: KindDiskIO}
	}
	return nil
}

// UpdateSyscallCount records a syscall against p's per-second budget.
func (m *Manager) UpdateSyscallCount(p pid.PID) error {
	a := m.acct(p)
	a.mu.Lock()
	a.usage.Syscalls++
	lims := a.limiters
	a.mu.Unlock()
	if lims.syscalls != nil && !lims.syscalls.Allow() {
		a.mu.Lock()
		a.violations++
		a.mu.Unlock()
		m.fire(Violation{Pid: p, Kind: KindSyscallRate})
		return &QuotaExceededError{Kind: KindSyscallRate}
	}
	return nil
}
