package rtsched

import (
	"errors"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set"

	"github.com/reamlang/ream/internal/log"
	"github.com/reamlang/ream/internal/ream/pid"
)

// ErrDeadlock matches any *DeadlockError via errors.Is.
var ErrDeadlock = errors.New("rtsched: request would deadlock")

// DeadlockError reports a detected wait-for cycle. By the time the
// caller sees it, the victim — the youngest task in the cycle — has
// already been aborted: dropped from every wait queue, its resources
// handed to their next waiters, and any boosts it caused recomputed.
type DeadlockError struct {
	Cycle  []pid.PID
	Victim pid.PID
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("rtsched: deadlock detected (cycle %v, victim %v)", e.Cycle, e.Victim)
}

func (e *DeadlockError) Is(target error) bool { return target == ErrDeadlock }

// ResourceID names a mutually-exclusive resource guarded by the
// priority-inheritance protocol (e.g. a VM atomic cell region, a
// file handle, a rate-limited quota bucket).
type ResourceID string

type resourceState struct {
	owner   pid.PID
	held    bool
	waiters []pid.PID
}

type prioChange struct {
	pid  pid.PID
	prio int
}

// Inheritance implements the Priority Inheritance Protocol for
// rtsched resources: when a high-priority task blocks on a resource
// held by a lower-priority one, the holder is temporarily boosted to
// the waiter's priority until it releases, bounding priority-inversion
// delay. Boosts propagate transitively through chains of blocked
// holders, and every effective-priority change is pushed out through
// the OnPriorityChange hook so the scheduler layer can act on it.
// Deadlock is detected as a cycle in the resource-wait graph, built
// with deckarep/golang-set rather than a hand-rolled adjacency set.
type Inheritance struct {
	mu        sync.Mutex
	resources map[ResourceID]*resourceState
	base      map[pid.PID]int // priority before any inheritance boost
	effective map[pid.PID]int // current effective priority (boosted or base)

	onChange func(pid.PID, int)
	pending  []prioChange

	log *log.Logger
}

func NewInheritance() *Inheritance {
	return &Inheritance{
		resources: make(map[ResourceID]*resourceState),
		base:      make(map[pid.PID]int),
		effective: make(map[pid.PID]int),
		log:       log.Root.New("component", "rtsched.inherit"),
	}
}

// OnPriorityChange installs the hook fired after every boost or
// restore, outside the protocol lock. The runtime layer uses it to
// move the affected process between scheduling bands.
func (inh *Inheritance) OnPriorityChange(f func(pid.PID, int)) {
	inh.mu.Lock()
	defer inh.mu.Unlock()
	inh.onChange = f
}

func (inh *Inheritance) stateFor(r ResourceID) *resourceState {
	st, ok := inh.resources[r]
	if !ok {
		st = &resourceState{}
		inh.resources[r] = st
	}
	return st
}

func (inh *Inheritance) setEffectiveLocked(p pid.PID, prio int) {
	if cur, ok := inh.effective[p]; ok && cur == prio {
		return
	}
	inh.effective[p] = prio
	inh.pending = append(inh.pending, prioChange{pid: p, prio: prio})
}

// drainPending must be called with the lock released; it fires the
// change hook for everything the locked section recorded.
func (inh *Inheritance) drainPending(pend []prioChange, f func(pid.PID, int)) {
	if f == nil {
		return
	}
	for _, c := range pend {
		f(c.pid, c.prio)
	}
}

// Request attempts to acquire resource r for requester at the given
// base priority (lower = higher, matching Task.RMPriority). If r is
// free, it is granted immediately. If held, requester is queued as a
// waiter and the holder chain's effective priority is boosted to
// requester's where that is higher. A request that would close a
// wait-for cycle aborts the cycle's youngest task and returns a
// *DeadlockError naming the cycle and the victim; the requester is
// not queued and may retry.
func (inh *Inheritance) Request(r ResourceID, requester pid.PID, basePriority int) (granted bool, err error) {
	inh.mu.Lock()
	granted, err = inh.requestLocked(r, requester, basePriority)
	pend, f := inh.pending, inh.onChange
	inh.pending = nil
	inh.mu.Unlock()
	inh.drainPending(pend, f)
	return granted, err
}

func (inh *Inheritance) requestLocked(r ResourceID, requester pid.PID, basePriority int) (bool, error) {
	st := inh.stateFor(r)
	if _, ok := inh.base[requester]; !ok {
		inh.base[requester] = basePriority
		inh.effective[requester] = basePriority
	}

	if !st.held {
		st.held = true
		st.owner = requester
		return true, nil
	}
	if st.owner == requester {
		return true, nil // already held, re-entrant no-op
	}

	if cycle := inh.findCycleLocked(r, requester); cycle != nil {
		victim := youngest(cycle)
		inh.abortLocked(victim)
		inh.log.Warn("deadlock broken", "cycle", cycle, "victim", victim)
		return false, &DeadlockError{Cycle: cycle, Victim: victim}
	}

	st.waiters = append(st.waiters, requester)
	inh.propagateBoostLocked(st.owner, inh.effective[requester])
	return false, nil
}

// propagateBoostLocked walks the chain of blocked holders starting at
// owner, raising each one to prio where it is higher: if the holder is
// itself waiting on another resource, that resource's owner inherits
// too.
func (inh *Inheritance) propagateBoostLocked(owner pid.PID, prio int) {
	for owner != pid.Nil {
		if prio >= inh.effective[owner] {
			return
		}
		inh.setEffectiveLocked(owner, prio)
		owner = inh.blockerOfLocked(owner)
	}
}

// blockerOfLocked returns the owner of the resource p is currently
// queued on, or Nil if p is not blocked.
func (inh *Inheritance) blockerOfLocked(p pid.PID) pid.PID {
	for _, st := range inh.resources {
		if !st.held {
			continue
		}
		for _, w := range st.waiters {
			if w == p {
				return st.owner
			}
		}
	}
	return pid.Nil
}

// Release relinquishes r, handing it to the highest-priority waiter
// and recomputing the former owner's effective priority from whatever
// it still holds: the boost drops only when the last boosting waiter
// is gone.
func (inh *Inheritance) Release(r ResourceID, owner pid.PID) {
	inh.mu.Lock()
	inh.releaseLocked(r, owner)
	pend, f := inh.pending, inh.onChange
	inh.pending = nil
	inh.mu.Unlock()
	inh.drainPending(pend, f)
}

func (inh *Inheritance) releaseLocked(r ResourceID, owner pid.PID) {
	st, ok := inh.resources[r]
	if !ok || !st.held || st.owner != owner {
		return
	}
	if len(st.waiters) == 0 {
		st.held = false
		st.owner = pid.Nil
	} else {
		best := 0
		for i, w := range st.waiters {
			if inh.effective[w] < inh.effective[st.waiters[best]] {
				best = i
			}
		}
		next := st.waiters[best]
		st.waiters = append(st.waiters[:best], st.waiters[best+1:]...)
		st.owner = next
	}
	inh.recomputeLocked(owner)
}

// recomputeLocked resets p's effective priority to its base, raised by
// the highest-priority waiter on any resource p still holds.
func (inh *Inheritance) recomputeLocked(p pid.PID) {
	best, ok := inh.base[p]
	if !ok {
		return
	}
	for _, st := range inh.resources {
		if !st.held || st.owner != p {
			continue
		}
		for _, w := range st.waiters {
			if inh.effective[w] < best {
				best = inh.effective[w]
			}
		}
	}
	inh.setEffectiveLocked(p, best)
}

// abortLocked removes victim from the protocol entirely: out of every
// wait queue, every resource it owns released to the next waiter, and
// every boost it was causing recomputed.
func (inh *Inheritance) abortLocked(victim pid.PID) {
	for _, st := range inh.resources {
		kept := st.waiters[:0]
		for _, w := range st.waiters {
			if w != victim {
				kept = append(kept, w)
			}
		}
		st.waiters = kept
	}
	for rid, st := range inh.resources {
		if st.held && st.owner == victim {
			inh.releaseLocked(rid, victim)
		}
	}
	for p := range inh.base {
		if p != victim {
			inh.recomputeLocked(p)
		}
	}
	delete(inh.effective, victim)
	delete(inh.base, victim)
}

// EffectivePriority returns p's current (possibly boosted) priority.
func (inh *Inheritance) EffectivePriority(p pid.PID) int {
	inh.mu.Lock()
	defer inh.mu.Unlock()
	return inh.effective[p]
}

// findCycleLocked walks the wait-for graph from the owner of r and
// reports the cycle that queueing requester on r would close, as the
// chain requester -> holder -> ... -> requester, or nil if none.
func (inh *Inheritance) findCycleLocked(r ResourceID, requester pid.PID) []pid.PID {
	st, ok := inh.resources[r]
	if !ok || !st.held {
		return nil
	}
	visited := mapset.NewSet()
	path := []pid.PID{requester}
	var visit func(holder pid.PID) []pid.PID
	visit = func(holder pid.PID) []pid.PID {
		if holder == requester {
			return append([]pid.PID(nil), path...)
		}
		if visited.Contains(holder) {
			return nil
		}
		visited.Add(holder)
		path = append(path, holder)
		for _, st := range inh.resources {
			if !st.held || st.owner == holder {
				continue
			}
			for _, w := range st.waiters {
				if w == holder {
					if c := visit(st.owner); c != nil {
						return c
					}
				}
			}
		}
		path = path[:len(path)-1]
		return nil
	}
	return visit(st.owner)
}

// youngest picks the victim: PIDs allocate monotonically, so the
// largest PID in the cycle is the youngest task.
func youngest(cycle []pid.PID) pid.PID {
	y := cycle[0]
	for _, p := range cycle {
		if p > y {
			y = p
		}
	}
	return y
}
