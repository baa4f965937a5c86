package vm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/program"
)

// fakeHost is a minimal, single-process Host double: it never spawns or
// links for real, queues one message for Receive, and records Print
// calls and sleep intents for assertions.
type fakeHost struct {
	self    pid.PID
	cells   *CellTable
	crypto  *Crypto
	inbox   []Value
	printed []string
	slept   time.Duration
	now     time.Time
}

func newFakeHost(self pid.PID) *fakeHost {
	return &fakeHost{self: self, cells: NewCellTable(), crypto: NewCrypto(), now: time.Unix(0, 0)}
}

func (h *fakeHost) Self() pid.PID { return h.self }
func (h *fakeHost) Spawn(progHash [32]byte, priority program.Priority) (pid.PID, error) {
	return pid.Nil, nil
}
func (h *fakeHost) Send(to pid.PID, payload Value) error  { return nil }
func (h *fakeHost) Link(target pid.PID) error             { return nil }
func (h *fakeHost) Monitor(target pid.PID) (int64, error) { return 1, nil }
func (h *fakeHost) Receive(timeout time.Duration) (Value, bool) {
	if len(h.inbox) == 0 {
		return Value{}, false
	}
	msg := h.inbox[0]
	h.inbox = h.inbox[1:]
	return msg, true
}
func (h *fakeHost) AtomicCells() *CellTable         { return h.cells }
func (h *fakeHost) Now() time.Time                  { return h.now }
func (h *fakeHost) Sleep(d time.Duration)           { h.slept = d }
func (h *fakeHost) Print(s string)                  { h.printed = append(h.printed, s) }
func (h *fakeHost) ReadInput(n int) ([]byte, error) { return nil, nil }
func (h *fakeHost) CryptoEngine() *Crypto           { return h.crypto }

func (h *fakeHost) FileOpen(path string, flags int) (int64, error)  { return 0, nil }
func (h *fakeHost) FileRead(fd int64, n int) ([]byte, error)        { return nil, nil }
func (h *fakeHost) FileWrite(fd int64, data []byte) (int, error)    { return len(data), nil }
func (h *fakeHost) FileClose(fd int64) error                        { return nil }
func (h *fakeHost) FileSeek(fd int64, offset int64) (int64, error)  { return offset, nil }
func (h *fakeHost) SocketOpen(network, addr string) (int64, error)  { return 0, nil }
func (h *fakeHost) SocketRead(fd int64, n int) ([]byte, error)      { return nil, nil }
func (h *fakeHost) SocketWrite(fd int64, data []byte) (int, error)  { return len(data), nil }
func (h *fakeHost) SocketClose(fd int64) error                      { return nil }
func (h *fakeHost) TimerStart(d time.Duration) (int64, error)       { return 1, nil }
func (h *fakeHost) TimerCancel(timerID int64) error                 { return nil }

var _ Host = (*fakeHost)(nil)

func addProgram() *program.Program {
	return &program.Program{
		Header: program.Header{Magic: program.ReamMagic, Version: 1, GradeCeiling: program.Pure, MaxStack: 16},
		Constants: []program.Const{
			{Kind: program.KInt64, I: 19},
			{Kind: program.KInt64, I: 23},
		},
		Instructions: []program.Instruction{
			{Op: program.OpLoadConst, Operands: []int64{0}},
			{Op: program.OpLoadConst, Operands: []int64{1}},
			{Op: program.OpAdd},
			{Op: program.OpRet},
		},
	}
}

func TestStepQuantumRunsArithmeticToCompletion(t *testing.T) {
	st := NewState(nil, 0, 64)
	prog := addProgram()
	host := newFakeHost(pid.PID(1))

	outcome := StepQuantum(st, prog, 100, host, func() bool { return false })

	require.Equal(t, Returned, outcome.Kind)
	require.Equal(t, KInt64, outcome.Value.Kind)
	require.Equal(t, int64(42), outcome.Value.I)
	require.Equal(t, 4, outcome.Ran)
}

func TestStepQuantumExhaustsBudgetAsRan(t *testing.T) {
	st := NewState(nil, 0, 64)
	prog := addProgram()
	host := newFakeHost(pid.PID(1))

	outcome := StepQuantum(st, prog, 2, host, func() bool { return false })

	require.Equal(t, Ran, outcome.Kind)
	require.Equal(t, 2, outcome.Ran)
	require.Equal(t, 2, st.PC) // both OpLoadConsts ran; budget exhausted before OpAdd
	require.Equal(t, 2, len(st.Stack))
}

func TestStepQuantumBlocksOnEmptyReceive(t *testing.T) {
	st := NewState(nil, 0, 64)
	prog := &program.Program{
		Header:       program.Header{Magic: program.ReamMagic, MaxStack: 8},
		Instructions: []program.Instruction{{Op: program.OpReceive}},
	}
	host := newFakeHost(pid.PID(2))

	outcome := StepQuantum(st, prog, 10, host, func() bool { return false })

	require.Equal(t, Blocked, outcome.Kind)
	require.Equal(t, BlockWaitingForMessage, outcome.Reason)
	require.Equal(t, 0, st.PC) // re-dispatch retries the Receive, which then pops the message
}

func TestStepQuantumRetriesReceiveAfterWake(t *testing.T) {
	st := NewState(nil, 0, 64)
	prog := &program.Program{
		Header:       program.Header{Magic: program.ReamMagic, MaxStack: 8},
		Instructions: []program.Instruction{{Op: program.OpReceive}, {Op: program.OpRet}},
	}
	host := newFakeHost(pid.PID(2))

	outcome := StepQuantum(st, prog, 10, host, func() bool { return false })
	require.Equal(t, Blocked, outcome.Kind)

	// A message arrives while the process is parked; the next quantum
	// re-executes the Receive and must return it.
	host.inbox = append(host.inbox, Int(11))
	outcome = StepQuantum(st, prog, 10, host, func() bool { return false })
	require.Equal(t, Returned, outcome.Kind)
	require.Equal(t, int64(11), outcome.Value.I)
}

func TestStepQuantumDeliversQueuedMessage(t *testing.T) {
	st := NewState(nil, 0, 64)
	prog := &program.Program{
		Header:       program.Header{Magic: program.ReamMagic, MaxStack: 8},
		Instructions: []program.Instruction{{Op: program.OpReceive}, {Op: program.OpRet}},
	}
	host := newFakeHost(pid.PID(3))
	host.inbox = append(host.inbox, Int(7))

	outcome := StepQuantum(st, prog, 10, host, func() bool { return false })

	require.Equal(t, Returned, outcome.Kind)
	require.Equal(t, int64(7), outcome.Value.I)
}

func TestStepQuantumYieldsOnPreemptAtBasicBlockBoundary(t *testing.T) {
	st := NewState(nil, 0, 64)
	prog := &program.Program{
		Header: program.Header{Magic: program.ReamMagic, MaxStack: 8},
		Instructions: []program.Instruction{
			{Op: program.OpJmp, Operands: []int64{0}}, // a no-op jump to the next instruction: a basic-block boundary
			{Op: program.OpRet},
		},
	}
	host := newFakeHost(pid.PID(4))
	calls := 0
	outcome := StepQuantum(st, prog, 100, host, func() bool {
		calls++
		return true
	})

	// OpJmp is a basic-block ender, so the preempt callback fires right
	// after it runs; with it always true, StepQuantum yields before ever
	// reaching OpRet.
	require.Equal(t, Yielded, outcome.Kind)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, outcome.Ran)
}

func TestStepQuantumFaultsOnStackUnderflow(t *testing.T) {
	st := NewState(nil, 0, 64)
	prog := &program.Program{
		Header:       program.Header{Magic: program.ReamMagic, MaxStack: 8},
		Instructions: []program.Instruction{{Op: program.OpAdd}},
	}
	host := newFakeHost(pid.PID(5))

	outcome := StepQuantum(st, prog, 10, host, func() bool { return false })

	require.Equal(t, Faulted, outcome.Kind)
	require.Equal(t, FaultStackUnderflow, outcome.Fault.Kind)
}

func TestCellTableAtomicRoundTrip(t *testing.T) {
	cells := NewCellTable()
	cells.Store(1, 10, program.OrderSeqCst)
	require.Equal(t, int64(10), cells.Load(1, program.OrderSeqCst))

	require.True(t, cells.CAS(1, 10, 20, program.OrderAcqRel))
	require.Equal(t, int64(20), cells.Load(1, program.OrderSeqCst))
	require.False(t, cells.CAS(1, 10, 99, program.OrderAcqRel))

	prev := cells.FetchAdd(1, 5, program.OrderRelaxed)
	require.Equal(t, int64(20), prev)
	require.Equal(t, int64(25), cells.Load(1, program.OrderSeqCst))
}
