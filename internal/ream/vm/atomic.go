package vm

import (
	"sync"
	"sync/atomic"

	"github.com/holiman/uint256"
	"github.com/reamlang/ream/internal/ream/program"
)

// cell is one Atomic* opcode target: either an int64 cell (backed
// directly by sync/atomic) or a wide uint256 cell (guarded by a mutex,
// since Go exposes no lock-free wide-word primitive).
type cell struct {
	i64  int64
	wide *uint256.Int
	mu   sync.Mutex
	isWide bool
}

// CellTable is the process-visible set of shared atomic cells
// referenced by id from the Atomic* opcode family. Cells are process-scoped by construction: the executor hands
// each Process its own CellTable unless two processes are explicitly
// sharing one by PID-scoped convention at a higher layer (outside this
// package's concern).
type CellTable struct {
	mu    sync.RWMutex
	cells map[int64]*cell
}

func NewCellTable() *CellTable {
	return &CellTable{cells: make(map[int64]*cell)}
}

func (t *CellTable) get(id int64, wide bool) *cell {
	t.mu.RLock()
	c, ok := t.cells[id]
	t.mu.RUnlock()
	if ok {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.cells[id]; ok {
		return c
	}
	c = &cell{isWide: wide}
	if wide {
		c.wide = uint256.NewInt(0)
	}
	t.cells[id] = c
	return c
}

// Load, Store, CAS, FetchAdd, FetchSub implement the Atomic* opcode
// family. order is accepted but not used: Go's runtime does not
// expose distinct Acquire/Release/AcqRel primitives for arbitrary
// cells the way C++11 does, so every ordering executes on the same
// sync/atomic primitive, which is sequentially consistent on all of
// Go's supported architectures. This is documented as an accepted
// approximation in DESIGN.md.
func (t *CellTable) Load(id int64, order program.AtomicOrdering) int64 {
	c := t.get(id, false)
	return atomic.LoadInt64(&c.i64)
}

func (t *CellTable) Store(id int64, v int64, order program.AtomicOrdering) {
	c := t.get(id, false)
	atomic.StoreInt64(&c.i64, v)
}

func (t *CellTable) CAS(id int64, old, new int64, order program.AtomicOrdering) bool {
	c := t.get(id, false)
	return atomic.CompareAndSwapInt64(&c.i64, old, new)
}

func (t *CellTable) FetchAdd(id int64, delta int64, order program.AtomicOrdering) int64 {
	c := t.get(id, false)
	return atomic.AddInt64(&c.i64, delta) - delta
}

func (t *CellTable) FetchSub(id int64, delta int64, order program.AtomicOrdering) int64 {
	c := t.get(id, false)
	return atomic.AddInt64(&c.i64, -delta) + delta
}

func (t *CellTable) LoadWide(id int64) *uint256.Int {
	c := t.get(id, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wide.Clone()
}

func (t *CellTable) StoreWide(id int64, v *uint256.Int) {
	c := t.get(id, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wide.Set(v)
}

// Fence is a process-local memory fence for the given ordering.
// Within a single Go process all cell operations above already use
// sequentially-consistent primitives, so Fence does nothing; the
// OpFence instruction still counts as an executed instruction and is
// kept as a distinct opcode so disassembly and tracing can still see
// where the original algorithm declared a fence.
func (t *CellTable) Fence(order program.AtomicOrdering) {}
