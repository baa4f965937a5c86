package runtime

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/program"
	"github.com/reamlang/ream/internal/ream/registry"
	"github.com/reamlang/ream/internal/ream/vm"
)

// processHost implements vm.Host for one Process, wired back into the
// Runtime that owns the Registry, program Store, and resource
// accounting.
type processHost struct {
	rt   *Runtime
	proc *registry.Process

	fdMu    sync.Mutex
	files   map[int64]*os.File
	sockets map[int64]net.Conn
	nextFD  int64

	timerMu sync.Mutex
	timers  map[int64]*time.Timer
	nextTID int64

	crypto *vm.Crypto
}

func newProcessHost(rt *Runtime, proc *registry.Process) *processHost {
	return &processHost{
		rt:      rt,
		proc:    proc,
		files:   make(map[int64]*os.File),
		sockets: make(map[int64]net.Conn),
		timers:  make(map[int64]*time.Timer),
		crypto:  vm.NewCrypto(),
	}
}

func (h *processHost) Self() pid.PID { return h.proc.Pid }

func (h *processHost) Spawn(progHash [32]byte, priority program.Priority) (pid.PID, error) {
	prog, err := h.rt.store.Get(progHash)
	if err != nil {
		return pid.Nil, err
	}
	child := h.rt.spawnProgram(prog, priority)
	return child.Pid, nil
}

func (h *processHost) Send(to pid.PID, payload vm.Value) error {
	return h.rt.registry.Send(to, payload, h.proc.Pid)
}

func (h *processHost) Link(target pid.PID) error {
	other, ok := h.rt.registry.Lookup(target)
	if !ok {
		return registry.ErrNoSuchProcess
	}
	h.proc.AddLink(target)
	other.AddLink(h.proc.Pid)
	return nil
}

func (h *processHost) Monitor(target pid.PID) (int64, error) {
	other, ok := h.rt.registry.Lookup(target)
	if !ok {
		return 0, registry.ErrNoSuchProcess
	}
	ref := h.proc.AddMonitor(target)
	other.AddWatcher(ref, h.proc.Pid)
	return ref, nil
}

// Receive never actually blocks: it does a non-blocking TryPop and leaves the real
// wait to the executor turning a Blocked outcome into a parked
// process woken by registry.OnReady.
func (h *processHost) Receive(timeout time.Duration) (vm.Value, bool) {
	msg, ok := h.proc.Mailbox.TryPop()
	if !ok {
		return vm.Value{}, false
	}
	if msg.IsControl() {
		return h.rt.deliverControl(h.proc, msg), true
	}
	return msg.ToValue(), true
}

func (h *processHost) AtomicCells() *vm.CellTable { return h.proc.Cells }

func (h *processHost) Now() time.Time { return time.Now() }

// Sleep schedules a wake-up for the process, which the executor has
// parked on the Blocked(Sleeping) outcome by the time the timer fires.
func (h *processHost) Sleep(d time.Duration) {
	pidSelf := h.proc.Pid
	rt := h.rt
	time.AfterFunc(d, func() {
		rt.registry.Wake(pidSelf)
	})
}

func (h *processHost) Print(s string) {
	h.rt.log.Info("print", "pid", h.proc.Pid, "msg", s)
}

func (h *processHost) ReadInput(n int) ([]byte, error) {
	if err := h.accountSyscall(); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	m, err := os.Stdin.Read(buf)
	if err != nil && m == 0 {
		return nil, err
	}
	return buf[:m], nil
}

func (h *processHost) CryptoEngine() *vm.Crypto { return h.crypto }

func (h *processHost) accountSyscall() error {
	if h.rt.resources == nil {
		return nil
	}
	return h.rt.resources.UpdateSyscallCount(h.proc.Pid)
}

func (h *processHost) FileOpen(path string, flags int) (int64, error) {
	if err := h.accountSyscall(); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, err
	}
	h.fdMu.Lock()
	h.nextFD++
	fd := h.nextFD
	h.files[fd] = f
	n := len(h.files)
	h.fdMu.Unlock()
	if h.rt.resources != nil {
		h.rt.resources.UpdateFileHandles(h.proc.Pid, n)
	}
	return fd, nil
}

func (h *processHost) FileRead(fd int64, n int) ([]byte, error) {
	if err := h.accountSyscall(); err != nil {
		return nil, err
	}
	h.fdMu.Lock()
	f, ok := h.files[fd]
	h.fdMu.Unlock()
	if !ok {
		return nil, errors.New("runtime: bad file descriptor")
	}
	buf := make([]byte, n)
	m, err := f.Read(buf)
	if err != nil && m == 0 {
		return nil, err
	}
	if h.rt.resources != nil {
		h.rt.resources.ReserveDiskIO(h.proc.Pid, m, false)
	}
	return buf[:m], nil
}

func (h *processHost) FileWrite(fd int64, data []byte) (int, error) {
	if err := h.accountSyscall(); err != nil {
		return 0, err
	}
	h.fdMu.Lock()
	f, ok := h.files[fd]
	h.fdMu.Unlock()
	if !ok {
		return 0, errors.New("runtime: bad file descriptor")
	}
	n, err := f.Write(data)
	if h.rt.resources != nil {
		h.rt.resources.ReserveDiskIO(h.proc.Pid, n, true)
	}
	return n, err
}

func (h *processHost) FileClose(fd int64) error {
	h.fdMu.Lock()
	f, ok := h.files[fd]
	delete(h.files, fd)
	n := len(h.files)
	h.fdMu.Unlock()
	if !ok {
		return errors.New("runtime: bad file descriptor")
	}
	if h.rt.resources != nil {
		h.rt.resources.UpdateFileHandles(h.proc.Pid, n)
	}
	return f.Close()
}

func (h *processHost) FileSeek(fd int64, offset int64) (int64, error) {
	h.fdMu.Lock()
	f, ok := h.files[fd]
	h.fdMu.Unlock()
	if !ok {
		return 0, errors.New("runtime: bad file descriptor")
	}
	return f.Seek(offset, os.SEEK_SET)
}

func (h *processHost) SocketOpen(network, addr string) (int64, error) {
	if err := h.accountSyscall(); err != nil {
		return 0, err
	}
	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return 0, err
	}
	h.fdMu.Lock()
	h.nextFD++
	fd := h.nextFD
	h.sockets[fd] = conn
	n := len(h.sockets)
	h.fdMu.Unlock()
	if h.rt.resources != nil {
		h.rt.resources.UpdateSocketHandles(h.proc.Pid, n)
	}
	return fd, nil
}

func (h *processHost) SocketRead(fd int64, n int) ([]byte, error) {
	h.fdMu.Lock()
	conn, ok := h.sockets[fd]
	h.fdMu.Unlock()
	if !ok {
		return nil, errors.New("runtime: bad socket descriptor")
	}
	buf := make([]byte, n)
	m, err := conn.Read(buf)
	if err != nil && m == 0 {
		return nil, err
	}
	if h.rt.resources != nil {
		h.rt.resources.ReserveNetwork(h.proc.Pid, m, false)
	}
	return buf[:m], nil
}

func (h *processHost) SocketWrite(fd int64, data []byte) (int, error) {
	h.fdMu.Lock()
	conn, ok := h.sockets[fd]
	h.fdMu.Unlock()
	if !ok {
		return 0, errors.New("runtime: bad socket descriptor")
	}
	n, err := conn.Write(data)
	if h.rt.resources != nil {
		h.rt.resources.ReserveNetwork(h.proc.Pid, n, true)
	}
	return n, err
}

func (h *processHost) SocketClose(fd int64) error {
	h.fdMu.Lock()
	conn, ok := h.sockets[fd]
	delete(h.sockets, fd)
	n := len(h.sockets)
	h.fdMu.Unlock()
	if !ok {
		return errors.New("runtime: bad socket descriptor")
	}
	if h.rt.resources != nil {
		h.rt.resources.UpdateSocketHandles(h.proc.Pid, n)
	}
	return conn.Close()
}

func (h *processHost) TimerStart(d time.Duration) (int64, error) {
	h.timerMu.Lock()
	h.nextTID++
	id := h.nextTID
	pidSelf := h.proc.Pid
	rt := h.rt
	h.timers[id] = time.AfterFunc(d, func() {
		rt.registry.SendControl(pidSelf, registry.Control{Kind: registry.ControlResume, From: pidSelf})
	})
	h.timerMu.Unlock()
	return id, nil
}

func (h *processHost) TimerCancel(id int64) error {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	t, ok := h.timers[id]
	if !ok {
		return errors.New("runtime: unknown timer id")
	}
	t.Stop()
	delete(h.timers, id)
	return nil
}
