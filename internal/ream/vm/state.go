package vm

import (
	"sync"

	"github.com/reamlang/ream/internal/ream/program"
)

// GlobalTable is the per-module global variable table. It is shared by
// every Process executing the same Program, so unlike a Process's operand stack/locals/
// frames — which are exclusively owned by their Process — it carries
// its own lock.
type GlobalTable struct {
	mu   sync.RWMutex
	vars map[string]Value
}

func NewGlobalTable() *GlobalTable {
	return &GlobalTable{vars: make(map[string]Value)}
}

func (g *GlobalTable) Load(name string) Value {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.vars[name]
}

func (g *GlobalTable) Store(name string, v Value) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vars[name] = v
}

// Frame is one Call/Ret activation record.
type Frame struct {
	ReturnPC int
	Locals   []Value
}

// State is the VM state owned by exactly one Process:
// operand stack, locals of the current frame, a shared globals table,
// a call-frame stack, and the program counter. Exactly one goroutine —
// the executor running this Process — may touch a State at a time.
type State struct {
	Stack   []Value
	Locals  []Value
	Globals *GlobalTable
	Frames  []Frame
	PC      int

	MaxStackDepth int

	InstructionsExecuted uint64

	// Trace, when set, is invoked after every executed instruction with
	// the pre-advance program counter, the opcode, and the resulting
	// operand-stack depth. Installed by the runtime layer when an
	// operator attaches an instruction tracer; nil for the common case.
	Trace func(pc int, op program.Opcode, stackDepth int)
}

// NewState constructs a fresh VM state ready to execute at entry point 0.
func NewState(globals *GlobalTable, maxLocals, maxStackDepth int) *State {
	if globals == nil {
		globals = NewGlobalTable()
	}
	return &State{
		Locals:        make([]Value, maxLocals),
		Globals:       globals,
		MaxStackDepth: maxStackDepth,
	}
}

// ApproxSize estimates the state's heap footprint from its own
// structure: stack, locals, frames, and the payloads they reference
// one level deep. It deliberately avoids a reflective deep scan so it
// is cheap enough for the executor's periodic memory accounting; the
// deep scan stays available for on-demand diagnostics.
func (s *State) ApproxSize() int64 {
	const valueSize = int64(128) // unsafe.Sizeof(Value{}) rounded up
	size := valueSize * int64(cap(s.Stack)+cap(s.Locals))
	for _, f := range s.Frames {
		size += valueSize * int64(cap(f.Locals))
	}
	sum := func(vs []Value) {
		for _, v := range vs {
			size += int64(len(v.S))
			size += valueSize * int64(len(v.L))
			size += valueSize * int64(len(v.M))
		}
	}
	sum(s.Stack)
	sum(s.Locals)
	return size
}

func (s *State) push(v Value) *Fault {
	if len(s.Stack) >= s.MaxStackDepth {
		return newFault(FaultStackOverflow, "stack depth %d exceeds max %d", len(s.Stack), s.MaxStackDepth)
	}
	s.Stack = append(s.Stack, v)
	return nil
}

func (s *State) pop() (Value, *Fault) {
	if len(s.Stack) == 0 {
		return Value{}, newFault(FaultStackUnderflow, "pop on empty stack")
	}
	v := s.Stack[len(s.Stack)-1]
	s.Stack = s.Stack[:len(s.Stack)-1]
	return v, nil
}

func (s *State) peek() (Value, *Fault) {
	if len(s.Stack) == 0 {
		return Value{}, newFault(FaultStackUnderflow, "peek on empty stack")
	}
	return s.Stack[len(s.Stack)-1], nil
}
