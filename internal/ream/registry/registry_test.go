package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/program"
	"github.com/reamlang/ream/internal/ream/vm"
)

func trivialProgram() *program.Program {
	return &program.Program{
		Header:       program.Header{Magic: program.ReamMagic, MaxStack: 8, MaxGlobals: 4},
		Instructions: []program.Instruction{{Op: program.OpRet}},
	}
}

func TestRegistrySpawnAndLookup(t *testing.T) {
	r := New(Config{MailboxCapacity: 4})
	proc := r.Spawn(trivialProgram(), program.Normal)

	got, ok := r.Lookup(proc.Pid)
	require.True(t, ok)
	require.Same(t, proc, got)
	require.Equal(t, Ready, proc.State())
	require.Equal(t, 1, r.Count())
}

func TestRegistryLookupUnknownPidFails(t *testing.T) {
	r := New(Config{})
	_, ok := r.Lookup(pid.PID(99999))
	require.False(t, ok)
}

func TestMailboxRejectsPushBeyondCapacity(t *testing.T) {
	mb := NewMailbox(2)
	require.NoError(t, mb.Push(Message{Payload: vm.Int(1)}))
	require.NoError(t, mb.Push(Message{Payload: vm.Int(2)}))
	err := mb.Push(Message{Payload: vm.Int(3)})
	require.ErrorIs(t, err, ErrMailboxFull)
	require.Equal(t, 2, mb.Len())
}

func TestSendWakesWaitingProcess(t *testing.T) {
	r := New(Config{MailboxCapacity: 4})
	proc := r.Spawn(trivialProgram(), program.Normal)
	require.True(t, proc.CAS(Ready, Waiting))

	var woken *Process
	r.OnReady(func(p *Process) { woken = p })

	err := r.Send(proc.Pid, vm.Int(42), 0)
	require.NoError(t, err)
	require.Equal(t, Ready, proc.State())
	require.Same(t, proc, woken)

	msg, ok := proc.Mailbox.TryPop()
	require.True(t, ok)
	require.Equal(t, int64(42), msg.Payload.I)
}

func TestSendFIFOPerPair(t *testing.T) {
	r := New(Config{MailboxCapacity: 200})
	sender := r.Spawn(trivialProgram(), program.Normal)
	recipient := r.Spawn(trivialProgram(), program.Normal)

	for i := int64(0); i < 100; i++ {
		require.NoError(t, r.Send(recipient.Pid, vm.Int(i), sender.Pid))
	}
	for i := int64(0); i < 100; i++ {
		msg, ok := recipient.Mailbox.TryPop()
		require.True(t, ok)
		require.Equal(t, i, msg.Payload.I)
		require.Equal(t, sender.Pid, msg.From)
	}
}

func TestSendToUnknownPidFails(t *testing.T) {
	r := New(Config{})
	err := r.Send(999999, vm.Int(1), 0)
	require.ErrorIs(t, err, ErrNoSuchProcess)
}

func TestSendToTerminatedPidFails(t *testing.T) {
	r := New(Config{MailboxCapacity: 4})
	proc := r.Spawn(trivialProgram(), program.Normal)
	r.Terminate(proc.Pid, "done")

	err := r.Send(proc.Pid, vm.Int(1), 0)
	require.ErrorIs(t, err, ErrNoSuchProcess)
}

func TestTerminateFansOutExitToLinksAndWatchers(t *testing.T) {
	r := New(Config{MailboxCapacity: 4})
	victim := r.Spawn(trivialProgram(), program.Normal)
	linked := r.Spawn(trivialProgram(), program.Normal)
	watcher := r.Spawn(trivialProgram(), program.Normal)

	victim.AddLink(linked.Pid)
	linked.AddLink(victim.Pid)
	ref := watcher.AddMonitor(victim.Pid)
	victim.AddWatcher(ref, watcher.Pid)

	r.Terminate(victim.Pid, "boom")

	_, ok := r.Lookup(victim.Pid)
	require.False(t, ok)

	msg, ok := linked.Mailbox.TryPop()
	require.True(t, ok)
	require.True(t, msg.IsControl())
	require.Equal(t, ControlExit, msg.Control.Kind)
	require.Equal(t, "boom", msg.Control.Reason)

	msg, ok = watcher.Mailbox.TryPop()
	require.True(t, ok)
	require.True(t, msg.IsControl())
	require.Contains(t, msg.Control.Reason, "DOWN")
}

func TestProcessCASRefusesOutOfTerminated(t *testing.T) {
	r := New(Config{})
	proc := r.Spawn(trivialProgram(), program.Normal)
	r.Terminate(proc.Pid, "done")

	require.Equal(t, Terminated, proc.State())
	require.False(t, proc.CAS(Terminated, Ready))
}
