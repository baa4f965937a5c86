// Package pid defines REAM's process identifier and its allocator.
package pid

import "sync/atomic"

// PID is a monotonically increasing, runtime-unique process identifier.
// It is never reused.
type PID uint64

// Nil is the zero PID; no live process is ever allocated this value.
const Nil PID = 0

func (p PID) String() string {
	return "pid<" + itoa(uint64(p)) + ">"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Allocator hands out fresh PIDs via a single atomic counter. This is
// the one free-floating piece of shared state in the runtime;
// everything else lives behind the registry.
type Allocator struct {
	next uint64
}

// NewAllocator returns an allocator whose first PID is 1.
func NewAllocator() *Allocator {
	return &Allocator{next: 0}
}

// Allocate returns a fresh, never-before-issued PID.
func (a *Allocator) Allocate() PID {
	return PID(atomic.AddUint64(&a.next, 1))
}
