package registry

import (
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/program"
	"github.com/reamlang/ream/internal/ream/vm"
)

// State is a Process's lifecycle state.
type State int32

const (
	Ready State = iota
	Running
	Waiting
	Suspended
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Suspended:
		return "suspended"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Process is REAM's actor: a PID, a priority, a lifecycle state, an
// owned VM, a mailbox, and link/monitor relationships.
//
// Invariant: a Process is in exactly one scheduler structure at a
// time; Terminated is absorbing; only the owning executor may mutate
// VM.
type Process struct {
	Pid      pid.PID
	Priority program.Priority // base priority, fixed at spawn

	state    int32 // atomic State
	effPrio  int32 // atomic program.Priority ordinal, Priority plus any inheritance boost
	realtime int32 // atomic bool: owned by the real-time dispatcher, not the work-stealing pool

	VM      *vm.State
	Program *program.Program
	Cells   *vm.CellTable

	Mailbox *Mailbox

	mu             sync.RWMutex
	links          mapset.Set        // set of pid.PID
	monitors       map[int64]pid.PID // monitor ref -> target
	monitoredBy    map[int64]pid.PID // monitor ref -> watcher, for DOWN fan-out
	nextMonitorRef int64

	CPUTimeUsed          int64 // nanoseconds, atomic
	MemoryUsed           int64 // bytes, atomic
	InstructionsExecuted int64 // atomic
	Quanta               int64 // executor dispatch count, atomic

	SpawnedAt time.Time

	exitReason string
	exitMu     sync.Mutex
}

// NewProcess constructs a fresh, Ready process.
func NewProcess(id pid.PID, priority program.Priority, prog *program.Program, st *vm.State, mailboxCapacity int) *Process {
	return &Process{
		Pid:         id,
		Priority:    priority,
		state:       int32(Ready),
		effPrio:     int32(priority),
		VM:          st,
		Program:     prog,
		Cells:       vm.NewCellTable(),
		Mailbox:     NewMailbox(mailboxCapacity),
		links:       mapset.NewSet(),
		monitors:    make(map[int64]pid.PID),
		monitoredBy: make(map[int64]pid.PID),
		SpawnedAt:   time.Now(),
	}
}

func (p *Process) State() State { return State(atomic.LoadInt32(&p.state)) }

// CAS attempts to move the process from `from` to `to`, returning
// whether it succeeded. Terminated is absorbing: a CAS out of
// Terminated always fails.
func (p *Process) CAS(from, to State) bool {
	if State(atomic.LoadInt32(&p.state)) == Terminated && to != Terminated {
		return false
	}
	return atomic.CompareAndSwapInt32(&p.state, int32(from), int32(to))
}

func (p *Process) SetState(s State) { atomic.StoreInt32(&p.state, int32(s)) }

// EffectivePriority is the priority schedulers must dispatch on:
// the spawn-time base plus any priority-inheritance boost currently
// in force.
func (p *Process) EffectivePriority() program.Priority {
	return program.Priority(atomic.LoadInt32(&p.effPrio))
}

// SetEffectivePriority installs a boosted (or restored) scheduling
// priority; it never touches the base Priority.
func (p *Process) SetEffectivePriority(prio program.Priority) {
	atomic.StoreInt32(&p.effPrio, int32(prio))
}

// SetRealtime hands ownership of the process to the real-time
// dispatcher; work-stealing workers drop realtime processes instead
// of executing them.
func (p *Process) SetRealtime(on bool) {
	var v int32
	if on {
		v = 1
	}
	atomic.StoreInt32(&p.realtime, v)
}

func (p *Process) IsRealtime() bool { return atomic.LoadInt32(&p.realtime) != 0 }

func (p *Process) AddLink(target pid.PID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links.Add(target)
}

func (p *Process) RemoveLink(target pid.PID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links.Remove(target)
}

// Links returns a snapshot of linked PIDs.
func (p *Process) Links() []pid.PID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]pid.PID, 0, p.links.Cardinality())
	for v := range p.links.Iter() {
		out = append(out, v.(pid.PID))
	}
	return out
}

// AddMonitor records that ref is watching target, returning the ref.
func (p *Process) AddMonitor(target pid.PID) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextMonitorRef++
	ref := p.nextMonitorRef
	p.monitors[ref] = target
	return ref
}

// RemoveMonitor drops ref from the watcher side, returning the target
// it pointed at so the caller can clear the reverse entry.
func (p *Process) RemoveMonitor(ref int64) (pid.PID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.monitors[ref]
	delete(p.monitors, ref)
	return t, ok
}

// RemoveWatcher clears the reverse entry installed by AddWatcher.
func (p *Process) RemoveWatcher(ref int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.monitoredBy, ref)
}

// AddWatcher records that this process (the target) is being monitored
// by watcher under ref, so DOWN can be routed back on termination.
func (p *Process) AddWatcher(ref int64, watcher pid.PID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.monitoredBy[ref] = watcher
}

func (p *Process) Watchers() map[int64]pid.PID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[int64]pid.PID, len(p.monitoredBy))
	for k, v := range p.monitoredBy {
		out[k] = v
	}
	return out
}

func (p *Process) SetExitReason(reason string) {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	p.exitReason = reason
}

func (p *Process) ExitReason() string {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return p.exitReason
}
