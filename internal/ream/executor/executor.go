// Package executor implements REAM's process executor:
// the code that actually runs one process for one quantum, honouring
// preemption and budget, and performing the Ready/Running/Waiting/
// Terminated state transitions.
package executor

import (
	"sync/atomic"
	"time"

	"github.com/reamlang/ream/internal/log"
	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/registry"
	"github.com/reamlang/ream/internal/ream/resources"
	"github.com/reamlang/ream/internal/ream/timer"
	"github.com/reamlang/ream/internal/ream/vm"
)

// Disposition tells the caller (the scheduler's worker loop) what to
// do with the process after one quantum.
type Disposition int

const (
	// Requeue: process is Ready again and must go back onto a deque.
	Requeue Disposition = iota
	// Parked: process is Waiting and must NOT be requeued; the
	// registry's OnReady hook will requeue it when woken.
	Parked
	// Done: process is Terminated; links/monitors already notified.
	Done
)

// Result is what Execute reports back to the worker loop.
type Result struct {
	Disposition Disposition
	Outcome     vm.StepOutcome
}

// Budget controls how much work one quantum may perform.
type Budget struct {
	MaxInstructions int
}

// memoryScanInterval is how many quanta pass between structural
// VM-state size estimates (vm.State.ApproxSize) for memory-quota
// accounting.
const memoryScanInterval = 64

// Executor runs processes against a VM Host, a Timer, and a Registry.
// It holds no process-ownership state of its own: everything it needs
// arrives as arguments, so any worker goroutine in the scheduler pool
// can call Execute on any Ready process.
type Executor struct {
	reg       *registry.Registry
	resources *resources.Manager
	timer     *timer.Timer
	hostFor   func(*registry.Process) vm.Host

	log *log.Logger
}

func New(reg *registry.Registry, res *resources.Manager, tm *timer.Timer, hostFor func(*registry.Process) vm.Host) *Executor {
	return &Executor{reg: reg, resources: res, timer: tm, hostFor: hostFor, log: log.Root.New("component", "executor")}
}

// Execute runs proc for up to budget instructions on workerID,
// implementing the executor contract:
//
//  1. Ready -> Running.
//  2. step_quantum(vm, budget).
//  3. Yielded / budget exhausted / preempted -> Running -> Ready, Requeue.
//  4. Blocked(WaitingForMessage) -> Running -> Waiting, Parked.
//  5. Returned/Faulted -> Terminated, synchronous Exit/DOWN fan-out.
//
// CPU time is reported to the resources manager regardless of
// outcome; the instruction count is added to the process's own
// InstructionsExecuted counter.
func (e *Executor) Execute(proc *registry.Process, workerID int, budget Budget) Result {
	if !proc.CAS(registry.Ready, registry.Running) {
		// Lost the race (e.g. concurrently Terminated by a control
		// message); report nothing further.
		return Result{Disposition: Done}
	}

	start := time.Now()
	host := e.hostFor(proc)
	max := budget.MaxInstructions
	if max <= 0 {
		max = 10_000
	}

	outcome := vm.StepQuantum(proc.VM, proc.Program, max, host, func() bool {
		return e.timer.ShouldPreempt(workerID)
	})

	elapsed := time.Since(start)
	atomic.AddInt64(&proc.CPUTimeUsed, int64(elapsed))
	atomic.AddInt64(&proc.InstructionsExecuted, int64(outcome.Ran))
	if e.resources != nil {
		if err := e.resources.UpdateCPUTime(proc.Pid, elapsed); err != nil {
			e.log.Warn("cpu quota exceeded", "pid", proc.Pid, "err", err)
		}
		// A full reflective heap scan is far too heavy per quantum, so
		// periodic accounting uses the VM's own structural estimate;
		// the deep scan stays an on-demand diagnostic.
		if quanta := atomic.AddInt64(&proc.Quanta, 1); quanta%memoryScanInterval == 0 {
			mem := proc.VM.ApproxSize()
			atomic.StoreInt64(&proc.MemoryUsed, mem)
			if err := e.resources.UpdateMemoryUsage(proc.Pid, mem); err != nil {
				e.reg.Terminate(proc.Pid, err.Error())
				return Result{Disposition: Done, Outcome: outcome}
			}
		}
	}

	switch outcome.Kind {
	case vm.Yielded, vm.Ran:
		e.timer.Clear(workerID)
		proc.CAS(registry.Running, registry.Ready)
		return Result{Disposition: Requeue, Outcome: outcome}

	case vm.Blocked:
		proc.CAS(registry.Running, registry.Waiting)
		// A message may have landed between the VM's empty mailbox poll
		// and the transition above; the sender's Waiting->Ready CAS lost
		// that race, so re-check here or the wakeup is lost.
		if outcome.Reason == vm.BlockWaitingForMessage && proc.Mailbox.Len() > 0 {
			if proc.CAS(registry.Waiting, registry.Ready) {
				return Result{Disposition: Requeue, Outcome: outcome}
			}
		}
		return Result{Disposition: Parked, Outcome: outcome}

	case vm.Returned, vm.Faulted:
		reason := "normal"
		if outcome.Kind == vm.Faulted && outcome.Fault != nil {
			reason = outcome.Fault.Error()
		}
		e.reg.Terminate(proc.Pid, reason)
		return Result{Disposition: Done, Outcome: outcome}

	default:
		proc.CAS(registry.Running, registry.Ready)
		return Result{Disposition: Requeue, Outcome: outcome}
	}
}

// PidOf is a small convenience used by scheduler tests to avoid
// importing pid directly.
func PidOf(proc *registry.Process) pid.PID { return proc.Pid }
