// Package rtsched implements REAM's real-time scheduler: EDF and rate-monotonic admission/ordering, a hybrid router
// between the two, and a priority-inheritance protocol with
// resource-wait-graph deadlock detection.
package rtsched

import (
	"time"

	"github.com/reamlang/ream/internal/ream/pid"
)

// Policy selects the scheduling discipline a Task is ordered under.
type Policy int

const (
	EDF Policy = iota
	RM
	Hybrid
)

// TaskType classifies a real-time task's release pattern. Under the
// Hybrid policy it decides the routing: Periodic tasks are
// fixed-priority (RM) scheduled, Sporadic and Aperiodic ones go to
// the EDF queue.
type TaskType int

const (
	Periodic TaskType = iota
	Sporadic
	Aperiodic
)

func (t TaskType) String() string {
	switch t {
	case Periodic:
		return "periodic"
	case Sporadic:
		return "sporadic"
	case Aperiodic:
		return "aperiodic"
	default:
		return "unknown"
	}
}

// Task is one real-time schedulable unit: a process with a period, a
// worst-case execution time budget, and a relative deadline within
// each period.
type Task struct {
	Pid      pid.PID
	Type     TaskType
	Priority int // lower = higher; base scheduling priority
	Period   time.Duration
	Deadline time.Duration // relative to period start; <= Period
	WCET     time.Duration

	// RemainingTime is the unexpended execution budget of the current
	// instance; it starts at WCET and is drawn down by the dispatcher.
	RemainingTime time.Duration

	// OriginalPriority is captured at admission, before any
	// priority-inheritance boost touches Priority.
	OriginalPriority int

	// HeldResources lists the inheritance-protocol resources the task
	// currently owns.
	HeldResources []ResourceID

	// RM-only: lower numeric value = higher fixed priority. Computed
	// from Period when zero (shorter period = higher priority).
	RMPriority int

	releasedAt       time.Time
	absoluteDeadline time.Time
	seq              uint64 // tie-break, assignment order
	queued           bool   // currently sitting in a ready heap
}

// DeadlineMiss is emitted when a Task's absolute deadline passes
// before it completed.
type DeadlineMiss struct {
	Pid      pid.PID
	Deadline time.Time
	Late     time.Duration
}
