package registry

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	goruntime "runtime"
	"sync"
	"time"

	bloomfilter "github.com/holiman/bloomfilter/v2"

	"github.com/reamlang/ream/internal/log"
	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/program"
	"github.com/reamlang/ream/internal/ream/vm"
)

var (
	ErrNoSuchProcess     = errors.New("registry: no such process")
	ErrAlreadyTerminated = errors.New("registry: already terminated")
)

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	procs map[pid.PID]*Process
}

// Registry owns every live Process and exposes it by PID. It is sharded by PID hash, each shard behind its own
// sync.RWMutex, and fronted by a bloom filter recording
// every PID ever allocated — since PIDs are never reused, the filter
// only ever grows, and a negative answer lets `lookup` skip the shard
// lock entirely for PIDs that were never valid.
type Registry struct {
	alloc *pid.Allocator

	shards [shardCount]*shard

	everAllocatedMu sync.Mutex
	everAllocated   *bloomfilter.Filter

	mailboxCapacity int

	readyMu sync.Mutex
	onReady func(*Process) // scheduler hook: called when a Waiting/Suspended process becomes Ready

	log *log.Logger
}

// Config bundles the registry's tunables.
type Config struct {
	MailboxCapacity int
	MaxProcesses    uint64
}

func New(cfg Config) *Registry {
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = 10_000
	}
	maxProcesses := cfg.MaxProcesses
	if maxProcesses == 0 {
		maxProcesses = 1_000_000
	}
	filter, err := bloomfilter.NewOptimal(maxProcesses, 0.001)
	if err != nil {
		// NewOptimal only fails on a degenerate (zero) element count,
		// which cfg normalization above already excludes.
		panic(err)
	}
	r := &Registry{
		alloc:           pid.NewAllocator(),
		everAllocated:   filter,
		mailboxCapacity: cfg.MailboxCapacity,
		log:             log.Root.New("component", "registry"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{procs: make(map[pid.PID]*Process)}
	}
	return r
}

// OnReady installs the scheduler hook invoked whenever a process
// transitions into Ready from Waiting (e.g. a message arrives).
func (r *Registry) OnReady(f func(*Process)) {
	r.readyMu.Lock()
	defer r.readyMu.Unlock()
	r.onReady = f
}

func (r *Registry) fireReady(p *Process) {
	r.readyMu.Lock()
	f := r.onReady
	r.readyMu.Unlock()
	if f != nil {
		f(p)
	}
}

func pidHash(p pid.PID) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(p))
	h.Write(buf[:])
	return h.Sum64()
}

func (r *Registry) shardFor(p pid.PID) *shard {
	return r.shards[pidHash(p)%shardCount]
}

// AllocatePID returns a fresh, runtime-unique PID.
func (r *Registry) AllocatePID() pid.PID {
	p := r.alloc.Allocate()
	r.everAllocatedMu.Lock()
	r.everAllocated.AddHash(pidHash(p))
	r.everAllocatedMu.Unlock()
	return p
}

// Register admits a fully-constructed Process into the registry.
func (r *Registry) Register(proc *Process) {
	s := r.shardFor(proc.Pid)
	s.mu.Lock()
	s.procs[proc.Pid] = proc
	s.mu.Unlock()
}

// Unregister removes a (now Terminated) process and returns its link
// and watcher sets so the caller can fan out Exit/DOWN notifications.
func (r *Registry) Unregister(p pid.PID) (links []pid.PID, watchers map[int64]pid.PID, ok bool) {
	s := r.shardFor(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, found := s.procs[p]
	if !found {
		return nil, nil, false
	}
	delete(s.procs, p)
	return proc.Links(), proc.Watchers(), true
}

// Lookup returns a non-owning reference to the process, or false if
// the PID is unknown or was never allocated.
func (r *Registry) Lookup(p pid.PID) (*Process, bool) {
	if !r.maybeAllocated(p) {
		return nil, false
	}
	s := r.shardFor(p)
	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.procs[p]
	return proc, ok
}

func (r *Registry) maybeAllocated(p pid.PID) bool {
	r.everAllocatedMu.Lock()
	defer r.everAllocatedMu.Unlock()
	return r.everAllocated.ContainsHash(pidHash(p))
}

// Send pushes msg to the recipient's mailbox, flipping Waiting to
// Ready on delivery. It returns ErrNoSuchProcess for an
// unknown or Terminated PID and ErrMailboxFull when the bounded
// mailbox is saturated — REAM never silently drops a Message:
// a failed Send is observable to the
// caller. The VM turns a failed Send into a fault of the sending
// process; no Exit is posted back to a linked sender.
func (r *Registry) Send(to pid.PID, payload vm.Value, from pid.PID) error {
	proc, ok := r.Lookup(to)
	if !ok || proc.State() == Terminated {
		return ErrNoSuchProcess
	}
	msg := Message{From: from, To: to, Payload: payload, Timestamp: time.Now()}
	if err := proc.Mailbox.Push(msg); err != nil {
		return err
	}
	if proc.CAS(Waiting, Ready) {
		r.fireReady(proc)
	}
	return nil
}

// SendControl delivers a Control message, used for Terminate/Suspend/
// Resume/Exit notifications.
func (r *Registry) SendControl(to pid.PID, ctrl Control) error {
	proc, ok := r.Lookup(to)
	if !ok || proc.State() == Terminated {
		return ErrNoSuchProcess
	}
	msg := Message{From: ctrl.From, To: to, Control: &ctrl, Timestamp: time.Now()}
	if err := proc.Mailbox.Push(msg); err != nil {
		return err
	}
	if proc.CAS(Waiting, Ready) {
		r.fireReady(proc)
	}
	return nil
}

// Wake flips a Waiting process back to Ready without delivering a
// message, used for sleep expiry. The process may still be mid-
// transition on its executor (Running, about to become Waiting), so
// Wake yields until the state settles rather than dropping the wakeup.
func (r *Registry) Wake(p pid.PID) {
	proc, ok := r.Lookup(p)
	if !ok {
		return
	}
	for {
		switch proc.State() {
		case Waiting:
			if proc.CAS(Waiting, Ready) {
				r.fireReady(proc)
				return
			}
		case Running:
			goruntime.Gosched()
		default:
			return
		}
	}
}

// Spawn allocates a PID, constructs a Process executing prog, and
// registers it.
func (r *Registry) Spawn(prog *program.Program, priority program.Priority) *Process {
	id := r.AllocatePID()
	st := vm.NewState(vm.NewGlobalTable(), maxLocals(prog), prog.Header.MaxStack)
	proc := NewProcess(id, priority, prog, st, r.mailboxCapacity)
	r.Register(proc)
	r.log.Debug("process spawned", "pid", id, "priority", priority)
	return proc
}

func maxLocals(prog *program.Program) int {
	if prog.Header.MaxGlobals > 0 {
		return prog.Header.MaxGlobals
	}
	return 64
}

// Terminate transitions a process to Terminated, unregisters it, and
// broadcasts Exit to its links / DOWN to its monitors. reason is
// carried as the structured Exit reason.
func (r *Registry) Terminate(p pid.PID, reason string) {
	proc, ok := r.Lookup(p)
	if !ok {
		return
	}
	proc.SetState(Terminated)
	proc.SetExitReason(reason)
	links, watchers, _ := r.Unregister(p)
	for _, l := range links {
		r.SendControl(l, Control{Kind: ControlExit, Reason: reason, From: p})
	}
	for ref, watcher := range watchers {
		r.SendControl(watcher, Control{Kind: ControlExit, Reason: "DOWN(" + reason + ", ref=" + itoa64(ref) + ")", From: p})
	}
	r.log.Debug("process terminated", "pid", p, "reason", reason)
}

func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Count returns the number of live (not yet unregistered) processes.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.procs)
		s.mu.RUnlock()
	}
	return n
}
