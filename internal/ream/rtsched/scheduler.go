package rtsched

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/reamlang/ream/internal/log"
	"github.com/reamlang/ream/internal/ream/pid"
)

// ErrAdmissionRejected is returned by AddTask when the new task would
// push total utilization past the schedulability bound for the active
// policy.
var ErrAdmissionRejected = errors.New("rtsched: admission rejected, utilization bound exceeded")

// Scheduler orders Tasks under EDF, RM, or a hybrid of both, and
// tracks admission so the system never accepts a task set it cannot
// guarantee. It only orders; actually running the popped task is the
// runtime dispatcher's job.
type Scheduler struct {
	mu     sync.Mutex
	policy Policy

	edf *taskHeap
	rm  *taskHeap

	tasks map[pid.PID]*Task
	seq   uint64

	onDeadlineMiss func(DeadlineMiss)

	lastDispatched pid.PID
	preemptions    uint64
	deadlineMisses uint64

	log *log.Logger
}

func New(policy Policy) *Scheduler {
	return &Scheduler{
		policy: policy,
		edf:    newTaskHeap(edfLess),
		rm:     newTaskHeap(rmLess),
		tasks:  make(map[pid.PID]*Task),
		log:    log.Root.New("component", "rtsched"),
	}
}

// OnDeadlineMiss installs the callback fired when CheckDeadlines
// observes a task whose absolute deadline has already passed.
func (s *Scheduler) OnDeadlineMiss(f func(DeadlineMiss)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDeadlineMiss = f
}

// usesRM routes a task to the fixed-priority (RM) heap or the EDF
// heap. Under Hybrid the task's release pattern decides: Periodic
// tasks are RM-scheduled, Sporadic and Aperiodic ones are
// EDF-scheduled.
func (s *Scheduler) usesRM(t *Task) bool {
	switch s.policy {
	case RM:
		return true
	case EDF:
		return false
	default: // Hybrid
		return t.Type == Periodic
	}
}

// utilization returns sum(WCET/Period) across admitted tasks plus the
// candidate, used by both admission tests.
func (s *Scheduler) utilization(candidate *Task) float64 {
	u := float64(candidate.WCET) / float64(candidate.Period)
	for _, t := range s.tasks {
		u += float64(t.WCET) / float64(t.Period)
	}
	return u
}

// liuLaylandBound returns n*(2^(1/n)-1) for n tasks (including the
// candidate), the classical RM schedulability sufficient condition.
func liuLaylandBound(n int) float64 {
	nf := float64(n)
	return nf * (math.Pow(2, 1/nf) - 1)
}

// AddTask performs admission control for t under the active policy
// and, if accepted, inserts it into the relevant heap(s):
//   - EDF: accepted iff utilization <= 1 (Liu & Layland's EDF bound).
//   - RM: accepted iff utilization <= n*(2^(1/n)-1) (sufficient, not
//     necessary — REAM chooses the conservative test over an exact
//     response-time analysis for simplicity).
//   - Hybrid: each task is tested against the bound for the sub-policy
//     it will actually run under.
func (s *Scheduler) AddTask(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Period <= 0 {
		// aperiodic/sporadic tasks admit against their deadline as the
		// minimum inter-arrival time.
		t.Period = t.Deadline
	}
	if t.RemainingTime <= 0 {
		t.RemainingTime = t.WCET
	}
	t.OriginalPriority = t.Priority
	if t.RMPriority == 0 {
		t.RMPriority = int(t.Period.Microseconds())
	}
	rm := s.usesRM(t)

	u := s.utilization(t)
	if rm {
		n := len(s.tasks) + 1
		if u > liuLaylandBound(n) {
			return ErrAdmissionRejected
		}
	} else {
		if u > 1.0 {
			return ErrAdmissionRejected
		}
	}

	s.seq++
	t.seq = s.seq
	s.tasks[t.Pid] = t
	s.release(t, time.Now())
	return nil
}

// release computes t's next absolute deadline from `from` and pushes
// it onto the policy-appropriate heap.
func (s *Scheduler) release(t *Task, from time.Time) {
	t.releasedAt = from
	t.absoluteDeadline = from.Add(t.Deadline)
	if !t.queued {
		if s.usesRM(t) {
			s.rm.push(t)
		} else {
			s.edf.push(t)
		}
		t.queued = true
	}
}

// NextTask pops the highest-priority ready task under the active
// routing. Under Hybrid, RM tasks always preempt EDF tasks: short,
// tightly-bounded periodic work is assumed latency-critical relative
// to longer-horizon EDF work.
func (s *Scheduler) NextTask() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.rm.pop()
	if t == nil {
		t = s.edf.pop()
	}
	if t != nil {
		t.queued = false
		if s.lastDispatched != pid.Nil && t.Pid != s.lastDispatched {
			s.preemptions++
		}
		s.lastDispatched = t.Pid
	}
	return t
}

// Requeue puts an admitted task's current instance back on its ready
// heap, keeping its deadline: used when a quantum ends before the
// instance's budget is spent, and when a blocked task's message
// arrives. A no-op for unknown or already-queued tasks.
func (s *Scheduler) Requeue(p pid.PID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[p]
	if !ok || t.queued {
		return
	}
	if s.usesRM(t) {
		s.rm.push(t)
	} else {
		s.edf.push(t)
	}
	t.queued = true
}

// ConsumeBudget draws elapsed execution time from p's current
// instance and reports whether the instance's budget is spent.
func (s *Scheduler) ConsumeBudget(p pid.PID, elapsed time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[p]
	if !ok {
		return false
	}
	t.RemainingTime -= elapsed
	return t.RemainingTime <= 0
}

// Complete finishes the current instance: a Periodic task is
// re-released for its next period with a fresh budget; Sporadic and
// Aperiodic tasks are withdrawn until re-registered.
func (s *Scheduler) Complete(p pid.PID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[p]
	if !ok {
		return
	}
	if t.Type != Periodic {
		delete(s.tasks, p)
		s.rm.remove(p)
		s.edf.remove(p)
		return
	}
	t.RemainingTime = t.WCET
	s.release(t, t.releasedAt.Add(t.Period))
}

// RemoveTask withdraws a task from future scheduling, including any
// already-released instance still queued.
func (s *Scheduler) RemoveTask(p pid.PID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, p)
	s.rm.remove(p)
	s.edf.remove(p)
}

// TrackResource records that p's task now holds r; UntrackResource is
// its inverse. Both are no-ops for pids with no admitted task.
func (s *Scheduler) TrackResource(p pid.PID, r ResourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[p]; ok {
		t.HeldResources = append(t.HeldResources, r)
	}
}

func (s *Scheduler) UntrackResource(p pid.PID, r ResourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[p]
	if !ok {
		return
	}
	kept := t.HeldResources[:0]
	for _, held := range t.HeldResources {
		if held != r {
			kept = append(kept, held)
		}
	}
	t.HeldResources = kept
}

// Preemptions reports how many dispatches switched away from the
// previously running task.
func (s *Scheduler) Preemptions() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preemptions
}

// DeadlineMisses reports the cumulative miss count observed by
// CheckDeadlines.
func (s *Scheduler) DeadlineMisses() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadlineMisses
}

// TaskCount reports how many tasks are currently admitted.
func (s *Scheduler) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// CheckDeadlines scans admitted tasks whose absolute deadline has
// passed with budget still unspent and fires onDeadlineMiss for each.
// Polled by the runtime's RT dispatcher on every tick.
func (s *Scheduler) CheckDeadlines(now time.Time) {
	s.mu.Lock()
	var misses []DeadlineMiss
	for _, t := range s.tasks {
		if t.RemainingTime > 0 && now.After(t.absoluteDeadline) {
			misses = append(misses, DeadlineMiss{Pid: t.Pid, Deadline: t.absoluteDeadline, Late: now.Sub(t.absoluteDeadline)})
		}
	}
	s.deadlineMisses += uint64(len(misses))
	cb := s.onDeadlineMiss
	s.mu.Unlock()
	if cb == nil {
		return
	}
	for _, m := range misses {
		cb(m)
	}
}

// Utilization reports current total utilization for diagnostics.
func (s *Scheduler) Utilization() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var u float64
	for _, t := range s.tasks {
		u += float64(t.WCET) / float64(t.Period)
	}
	return u
}
