package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/program"
	"github.com/reamlang/ream/internal/ream/registry"
	"github.com/reamlang/ream/internal/ream/resources"
	"github.com/reamlang/ream/internal/ream/timer"
	"github.com/reamlang/ream/internal/ream/vm"
)

// stubHost is a no-frills vm.Host double: it never really spawns/links,
// and Receive always reports nothing queued unless preloaded.
type stubHost struct {
	self  pid.PID
	cells *vm.CellTable
	inbox []vm.Value
}

func newStubHost(self pid.PID) *stubHost {
	return &stubHost{self: self, cells: vm.NewCellTable()}
}

func (h *stubHost) Self() pid.PID { return h.self }
func (h *stubHost) Spawn(progHash [32]byte, priority program.Priority) (pid.PID, error) {
	return pid.Nil, nil
}
func (h *stubHost) Send(to pid.PID, payload vm.Value) error { return nil }
func (h *stubHost) Link(target pid.PID) error               { return nil }
func (h *stubHost) Monitor(target pid.PID) (int64, error)   { return 1, nil }
func (h *stubHost) Receive(timeout time.Duration) (vm.Value, bool) {
	if len(h.inbox) == 0 {
		return vm.Value{}, false
	}
	msg := h.inbox[0]
	h.inbox = h.inbox[1:]
	return msg, true
}
func (h *stubHost) AtomicCells() *vm.CellTable      { return h.cells }
func (h *stubHost) Now() time.Time                  { return time.Unix(0, 0) }
func (h *stubHost) Sleep(d time.Duration)           {}
func (h *stubHost) Print(s string)                  {}
func (h *stubHost) ReadInput(n int) ([]byte, error) { return nil, nil }
func (h *stubHost) CryptoEngine() *vm.Crypto        { return vm.NewCrypto() }

func (h *stubHost) FileOpen(path string, flags int) (int64, error)  { return 0, nil }
func (h *stubHost) FileRead(fd int64, n int) ([]byte, error)        { return nil, nil }
func (h *stubHost) FileWrite(fd int64, data []byte) (int, error)    { return len(data), nil }
func (h *stubHost) FileClose(fd int64) error                        { return nil }
func (h *stubHost) FileSeek(fd int64, offset int64) (int64, error)  { return offset, nil }
func (h *stubHost) SocketOpen(network, addr string) (int64, error)  { return 0, nil }
func (h *stubHost) SocketRead(fd int64, n int) ([]byte, error)      { return nil, nil }
func (h *stubHost) SocketWrite(fd int64, data []byte) (int, error)  { return len(data), nil }
func (h *stubHost) SocketClose(fd int64) error                      { return nil }
func (h *stubHost) TimerStart(d time.Duration) (int64, error)       { return 1, nil }
func (h *stubHost) TimerCancel(timerID int64) error                 { return nil }

var _ vm.Host = (*stubHost)(nil)

func newTestExecutor(reg *registry.Registry) *Executor {
	res := resources.NewManager(resources.Quotas{})
	tm := timer.New(time.Hour) // won't fire during these tests
	return New(reg, res, tm, func(proc *registry.Process) vm.Host { return newStubHost(proc.Pid) })
}

func retProgram(v int64) *program.Program {
	return &program.Program{
		Header: program.Header{Magic: program.ReamMagic, MaxStack: 8},
		Constants: []program.Const{
			{Kind: program.KInt64, I: v},
		},
		Instructions: []program.Instruction{
			{Op: program.OpLoadConst, Operands: []int64{0}},
			{Op: program.OpRet},
		},
	}
}

func receiveProgram() *program.Program {
	return &program.Program{
		Header:       program.Header{Magic: program.ReamMagic, MaxStack: 8},
		Instructions: []program.Instruction{{Op: program.OpReceive}, {Op: program.OpRet}},
	}
}

func TestExecuteTerminatesOnReturn(t *testing.T) {
	reg := registry.New(registry.Config{MailboxCapacity: 4})
	e := newTestExecutor(reg)
	proc := reg.Spawn(retProgram(99), program.Normal)

	res := e.Execute(proc, 0, Budget{MaxInstructions: 100})

	require.Equal(t, Done, res.Disposition)
	require.Equal(t, vm.Returned, res.Outcome.Kind)
	require.Equal(t, registry.Terminated, proc.State())
	_, ok := reg.Lookup(proc.Pid)
	require.False(t, ok)
}

func TestExecuteParksOnBlockedReceive(t *testing.T) {
	reg := registry.New(registry.Config{MailboxCapacity: 4})
	e := newTestExecutor(reg)
	proc := reg.Spawn(receiveProgram(), program.Normal)

	res := e.Execute(proc, 0, Budget{MaxInstructions: 100})

	require.Equal(t, Parked, res.Disposition)
	require.Equal(t, vm.Blocked, res.Outcome.Kind)
	require.Equal(t, registry.Waiting, proc.State())
}

func TestExecuteRefusesNonReadyProcess(t *testing.T) {
	reg := registry.New(registry.Config{MailboxCapacity: 4})
	e := newTestExecutor(reg)
	proc := reg.Spawn(retProgram(1), program.Normal)
	require.True(t, proc.CAS(registry.Ready, registry.Running))

	res := e.Execute(proc, 0, Budget{MaxInstructions: 10})

	require.Equal(t, Done, res.Disposition)
	require.Equal(t, registry.Running, proc.State())
}

func TestExecuteAccountsInstructions(t *testing.T) {
	reg := registry.New(registry.Config{MailboxCapacity: 4})
	e := newTestExecutor(reg)
	proc := reg.Spawn(retProgram(1), program.Normal)

	e.Execute(proc, 0, Budget{MaxInstructions: 10})

	require.Greater(t, proc.InstructionsExecuted, int64(0))
}
