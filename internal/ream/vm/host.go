package vm

import (
	"time"

	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/program"
)

// BlockReason says why step_quantum returned Blocked.
type BlockReason int

const (
	BlockWaitingForMessage BlockReason = iota
	BlockSleeping
	BlockIO
)

func (r BlockReason) String() string {
	switch r {
	case BlockWaitingForMessage:
		return "WaitingForMessage"
	case BlockSleeping:
		return "Sleeping"
	case BlockIO:
		return "IO"
	default:
		return "Unknown"
	}
}

// Host is the set of runtime services a VM needs but does not own
// itself: actor lifecycle (spawn/send/self/link/monitor), shared
// atomic cells, and I/O. The executor supplies the concrete
// implementation (backed by the process registry) so the VM
// package stays free of a dependency on the registry.
//
// Host methods must never block; anything that would block returns
// quickly with enough information for step_quantum to produce a
// Blocked outcome, which the executor turns into a real wait.
type Host interface {
	Self() pid.PID
	Spawn(progHash [32]byte, priority program.Priority) (pid.PID, error)
	Send(to pid.PID, payload Value) error
	Link(target pid.PID) error
	Monitor(target pid.PID) (ref int64, err error)
	Receive(timeout time.Duration) (Value, bool) // bool = delivered without blocking

	AtomicCells() *CellTable

	Now() time.Time
	Sleep(d time.Duration) // records intent; executor performs the actual wait

	Print(s string)
	ReadInput(n int) ([]byte, error)
	CryptoEngine() *Crypto

	// Syscall-accounted I/O; returned error may be a resource-manager
	// QuotaExceeded surfaced from the executor's accounting hooks.
	FileOpen(path string, flags int) (fd int64, err error)
	FileRead(fd int64, n int) ([]byte, error)
	FileWrite(fd int64, data []byte) (int, error)
	FileClose(fd int64) error
	FileSeek(fd int64, offset int64) (int64, error)

	SocketOpen(network, addr string) (fd int64, err error)
	SocketRead(fd int64, n int) ([]byte, error)
	SocketWrite(fd int64, data []byte) (int, error)
	SocketClose(fd int64) error

	TimerStart(d time.Duration) (timerID int64, err error)
	TimerCancel(timerID int64) error
}
