// Package tracer implements REAM's scriptable instruction-level trace
// hooks: a JavaScript callback, run through dop251/goja, invoked
// around each executed instruction for debugging/profiling
// without recompiling the runtime.
package tracer

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/reamlang/ream/internal/log"
	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/program"
)

// Event is the per-instruction record passed into the trace script.
type Event struct {
	Pid   pid.PID
	PC    int
	Op    string
	Stack int // operand stack depth at the time of the event
}

// Tracer evaluates a small JS snippet with a `step(event)` function
// once per instruction. Each Tracer owns a private goja.Runtime: goja
// VMs are not safe for concurrent use, so REAM gives every tracing
// process its own.
type Tracer struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	stepFn  goja.Callable
	log     *log.Logger
	enabled bool

	// session identifies this attach for the api package's debug-attach
	// listing; it is unrelated to PID.
	session uuid.UUID
}

// New compiles script, which must define a top-level `step` function,
// and returns a ready Tracer.
func New(script string) (*Tracer, error) {
	rt := goja.New()
	if _, err := rt.RunString(script); err != nil {
		return nil, fmt.Errorf("tracer: compiling script: %w", err)
	}
	fnVal := rt.Get("step")
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("tracer: script does not define a step(event) function")
	}
	session := uuid.New()
	t := &Tracer{vm: rt, stepFn: fn, log: log.Root.New("component", "tracer", "session", session), enabled: true, session: session}
	return t, nil
}

// Session returns the identifier an operator can use to refer to this
// trace attachment over the API surface.
func (t *Tracer) Session() uuid.UUID { return t.session }

// OnStep is called by the executor (via a Host-adjacent hook, wired in
// at the runtime layer) for every instruction a traced process
// executes. Errors from the script are logged, not propagated — a
// broken trace script must never fault the traced program.
func (t *Tracer) OnStep(p pid.PID, pc int, op program.Opcode, stackDepth int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	obj := t.vm.NewObject()
	obj.Set("pid", uint64(p))
	obj.Set("pc", pc)
	obj.Set("op", op.String())
	obj.Set("stack", stackDepth)
	if _, err := t.stepFn(goja.Undefined(), obj); err != nil {
		t.log.Warn("trace script error", "pid", p, "err", err)
	}
}

func (t *Tracer) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
}

func (t *Tracer) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
}
