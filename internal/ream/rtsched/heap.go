package rtsched

import (
	"container/heap"

	"github.com/reamlang/ream/internal/ream/pid"
)

// taskHeap is a container/heap of *Task ordered by a comparator that
// the two disciplines (EDF: absolute deadline; RM: fixed priority)
// install separately.
type taskHeap struct {
	items []*Task
	less  func(a, b *Task) bool
}

func newTaskHeap(less func(a, b *Task) bool) *taskHeap {
	h := &taskHeap{less: less}
	heap.Init(h)
	return h
}

func (h *taskHeap) Len() int            { return len(h.items) }
func (h *taskHeap) Less(i, j int) bool  { return h.less(h.items[i], h.items[j]) }
func (h *taskHeap) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *taskHeap) Push(x interface{})  { h.items = append(h.items, x.(*Task)) }
func (h *taskHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

func (h *taskHeap) push(t *Task) { heap.Push(h, t) }
func (h *taskHeap) pop() *Task {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*Task)
}
func (h *taskHeap) peek() *Task {
	if h.Len() == 0 {
		return nil
	}
	return h.items[0]
}

// remove drops every queued instance of p, re-establishing heap order.
func (h *taskHeap) remove(p pid.PID) {
	kept := h.items[:0]
	for _, t := range h.items {
		if t.Pid != p {
			kept = append(kept, t)
		}
	}
	h.items = kept
	heap.Init(h)
}

func edfLess(a, b *Task) bool {
	if !a.absoluteDeadline.Equal(b.absoluteDeadline) {
		return a.absoluteDeadline.Before(b.absoluteDeadline)
	}
	return a.seq < b.seq
}

func rmLess(a, b *Task) bool {
	if a.RMPriority != b.RMPriority {
		return a.RMPriority < b.RMPriority
	}
	return a.seq < b.seq
}
