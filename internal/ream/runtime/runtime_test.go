package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reamlang/ream/internal/ream/program"
	"github.com/reamlang/ream/internal/ream/registry"
	"github.com/reamlang/ream/internal/ream/resources"
	"github.com/reamlang/ream/internal/ream/rtsched"
	"github.com/reamlang/ream/internal/ream/vm"
	"github.com/reamlang/ream/internal/ream/wsched"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Registry:        registry.Config{MailboxCapacity: 64},
		Scheduler:       wsched.Config{Workers: 4, QuantumInstructions: 500},
		TickPeriod:      time.Millisecond,
		DefaultQuotas:   resources.Quotas{},
		ProgramStoreDir: t.TempDir(),
		ProgramHotCache: 16,
	}
}

// echoProgram kicks the exchange off by sending 0 to its peer, then
// echoes every received value back until one arrives at or past the
// limit, which it records in the "result" global before returning.
func echoProgram(limit int64) *program.Program {
	return &program.Program{
		Header: program.Header{Magic: program.ReamMagic, MaxStack: 16, MaxGlobals: 8},
		Constants: []program.Const{
			program.IntConst(0),
			program.IntConst(limit),
			program.StringConst("payload"),
		},
		Instructions: []program.Instruction{
			{Op: program.OpLoadGlobal, Sym: "peer"},          // 0: [peer]
			{Op: program.OpLoadConst, Operands: []int64{0}},  // 1: [peer 0]
			{Op: program.OpSend, Grade: program.Send},        // 2: []
			{Op: program.OpReceive, Grade: program.Send},     // 3: [msg]
			{Op: program.OpLoadConst, Operands: []int64{2}},  // 4: [msg "payload"]
			{Op: program.OpMapGet},                           // 5: [n]
			{Op: program.OpDup},                              // 6: [n n]
			{Op: program.OpLoadConst, Operands: []int64{1}},  // 7: [n n limit]
			{Op: program.OpGe},                               // 8: [n done?]
			{Op: program.OpJmpIfFalse, Operands: []int64{3}}, // 9: -> 13
			{Op: program.OpDup},                              // 10: [n n]
			{Op: program.OpStoreGlobal, Sym: "result"},       // 11: [n]
			{Op: program.OpRet},                              // 12
			{Op: program.OpLoadGlobal, Sym: "peer"},          // 13: [n peer]
			{Op: program.OpSwap},                             // 14: [peer n]
			{Op: program.OpSend, Grade: program.Send},        // 15: []
			{Op: program.OpJmp, Operands: []int64{-14}},      // 16: -> 3
		},
	}
}

// incrementProgram receives n, sends n+1 back, and returns once the
// value it sent reached the limit.
func incrementProgram(limit int64) *program.Program {
	return &program.Program{
		Header: program.Header{Magic: program.ReamMagic, MaxStack: 16, MaxGlobals: 8},
		Constants: []program.Const{
			program.IntConst(1),
			program.IntConst(limit),
			program.StringConst("payload"),
		},
		Instructions: []program.Instruction{
			{Op: program.OpReceive, Grade: program.Send},     // 0: [msg]
			{Op: program.OpLoadConst, Operands: []int64{2}},  // 1: [msg "payload"]
			{Op: program.OpMapGet},                           // 2: [n]
			{Op: program.OpLoadConst, Operands: []int64{0}},  // 3: [n 1]
			{Op: program.OpAdd},                              // 4: [n+1]
			{Op: program.OpDup},                              // 5: [n+1 n+1]
			{Op: program.OpLoadGlobal, Sym: "peer"},          // 6: [n+1 n+1 peer]
			{Op: program.OpSwap},                             // 7: [n+1 peer n+1]
			{Op: program.OpSend, Grade: program.Send},        // 8: [n+1]
			{Op: program.OpDup},                              // 9: [n+1 n+1]
			{Op: program.OpLoadConst, Operands: []int64{1}},  // 10: [n+1 n+1 limit]
			{Op: program.OpGe},                               // 11: [n+1 done?]
			{Op: program.OpJmpIfFalse, Operands: []int64{1}}, // 12: -> 14
			{Op: program.OpRet},                              // 13
			{Op: program.OpPop},                              // 14: []
			{Op: program.OpJmp, Operands: []int64{-16}},      // 15: -> 0
		},
	}
}

// TestPingPong drives two actors through a 1000-round message
// exchange: A sends 0, B replies n+1, A echoes until it receives the
// limit. Both must terminate normally with no message lost.
func TestPingPong(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)

	const limit = 1000
	a := rt.spawnProgram(echoProgram(limit), program.Normal)
	b := rt.spawnProgram(incrementProgram(limit), program.Normal)
	a.VM.Globals.Store("peer", vm.PID(b.Pid))
	b.VM.Globals.Store("peer", vm.PID(a.Pid))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Stop()

	require.Eventually(t, func() bool {
		return a.State() == registry.Terminated && b.State() == registry.Terminated
	}, 60*time.Second, 10*time.Millisecond)

	require.Equal(t, "normal", a.ExitReason())
	require.Equal(t, "normal", b.ExitReason())

	result := a.VM.Globals.Load("result")
	require.Equal(t, vm.KInt64, result.Kind)
	require.Equal(t, int64(limit), result.I)

	require.GreaterOrEqual(t, rt.sched.Stats().Completed, uint64(2))
	require.Greater(t, atomic.LoadInt64(&a.InstructionsExecuted), int64(0))
	require.Greater(t, atomic.LoadInt64(&b.InstructionsExecuted), int64(0))
}

// TestSpawnThroughStoreAndTerminate exercises the embedder surface:
// load a verified program, spawn it, watch it finish.
func TestSpawnThroughStoreAndTerminate(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)

	prog := &program.Program{
		Header: program.Header{Magic: program.ReamMagic, MaxStack: 8, MaxGlobals: 4},
		Constants: []program.Const{
			program.IntConst(7),
		},
		Instructions: []program.Instruction{
			{Op: program.OpLoadConst, Operands: []int64{0}},
			{Op: program.OpRet},
		},
	}
	hash, err := rt.LoadProgram(prog)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Stop()

	id, err := rt.Spawn(hash, program.Normal)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, live := rt.registry.Lookup(id)
		return !live
	}, 10*time.Second, 5*time.Millisecond)
}

// TestLinkedProcessObservesExit: a faulting actor must fan an Exit
// control message out to its link before it disappears.
func TestLinkedProcessObservesExit(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)

	faulty := &program.Program{
		Header: program.Header{Magic: program.ReamMagic, MaxStack: 8, MaxGlobals: 4},
		Constants: []program.Const{
			program.IntConst(1),
			program.IntConst(0),
		},
		Instructions: []program.Instruction{
			{Op: program.OpLoadConst, Operands: []int64{0}},
			{Op: program.OpLoadConst, Operands: []int64{1}},
			{Op: program.OpDiv},
			{Op: program.OpRet},
		},
	}
	waiter := &program.Program{
		Header: program.Header{Magic: program.ReamMagic, MaxStack: 8, MaxGlobals: 4},
		Instructions: []program.Instruction{
			{Op: program.OpReceive, Grade: program.Send},
			{Op: program.OpRet},
		},
	}

	f := rt.spawnProgram(faulty, program.Normal)
	w := rt.spawnProgram(waiter, program.Normal)
	require.NoError(t, rt.Link(f.Pid, w.Pid))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Stop()

	// the waiter receives the Exit control as a tagged map value and
	// returns it, terminating normally.
	require.Eventually(t, func() bool {
		return w.State() == registry.Terminated
	}, 10*time.Second, 5*time.Millisecond)
	require.Contains(t, f.ExitReason(), "DivisionByZero")
}

// TestSuspendResume: a Suspended process absorbs sends without being
// rescheduled; Resume re-admits it and the queued message is consumed.
func TestSuspendResume(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)

	waiter := &program.Program{
		Header: program.Header{Magic: program.ReamMagic, MaxStack: 8, MaxGlobals: 4},
		Instructions: []program.Instruction{
			{Op: program.OpReceive, Grade: program.Send},
			{Op: program.OpRet},
		},
	}
	w := rt.spawnProgram(waiter, program.Normal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Stop()

	require.Eventually(t, func() bool {
		return w.State() == registry.Waiting
	}, 10*time.Second, time.Millisecond)

	require.NoError(t, rt.Suspend(w.Pid))
	require.Equal(t, registry.Suspended, w.State())

	require.NoError(t, rt.Send(0, w.Pid, vm.Int(5)))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, registry.Suspended, w.State())

	require.NoError(t, rt.Resume(w.Pid))
	require.Eventually(t, func() bool {
		return w.State() == registry.Terminated
	}, 10*time.Second, time.Millisecond)
}

func TestDemonitorStopsDownDelivery(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)

	waiter := &program.Program{
		Header: program.Header{Magic: program.ReamMagic, MaxStack: 8, MaxGlobals: 4},
		Instructions: []program.Instruction{
			{Op: program.OpReceive, Grade: program.Send},
			{Op: program.OpRet},
		},
	}
	watcher := rt.registry.Spawn(waiter, program.Normal)
	target := rt.registry.Spawn(waiter, program.Normal)

	ref, err := rt.Monitor(watcher.Pid, target.Pid)
	require.NoError(t, err)
	require.NoError(t, rt.Demonitor(watcher.Pid, ref))

	rt.Terminate(target.Pid, "gone")
	_, ok := watcher.Mailbox.TryPop()
	require.False(t, ok, "demonitored watcher must not receive DOWN")
}

// TestResourceBoostRaisesSchedulingPriority is the inversion scenario
// at the runtime level: while High waits on Low's resource, Low's
// effective scheduling priority — the one the work-stealing bands
// dispatch on — must be High, and must fall back on release.
func TestResourceBoostRaisesSchedulingPriority(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)

	waiter := &program.Program{
		Header: program.Header{Magic: program.ReamMagic, MaxStack: 8, MaxGlobals: 4},
		Instructions: []program.Instruction{
			{Op: program.OpReceive, Grade: program.Send},
			{Op: program.OpRet},
		},
	}
	low := rt.registry.Spawn(waiter, program.Low)
	high := rt.registry.Spawn(waiter, program.High)

	granted, err := rt.RequestResource(low.Pid, "res")
	require.NoError(t, err)
	require.True(t, granted)

	granted, err = rt.RequestResource(high.Pid, "res")
	require.NoError(t, err)
	require.False(t, granted)

	require.Equal(t, program.High, low.EffectivePriority())
	require.Equal(t, program.Low, low.Priority) // base is untouched

	rt.ReleaseResource(low.Pid, "res")
	require.Equal(t, program.Low, low.EffectivePriority())
}

// TestDeadlockVictimIsTerminated: the younger process in a wait cycle
// is aborted by the protocol and its process terminated by the
// runtime.
func TestDeadlockVictimIsTerminated(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)

	waiter := &program.Program{
		Header: program.Header{Magic: program.ReamMagic, MaxStack: 8, MaxGlobals: 4},
		Instructions: []program.Instruction{
			{Op: program.OpReceive, Grade: program.Send},
			{Op: program.OpRet},
		},
	}
	a := rt.registry.Spawn(waiter, program.Normal)
	b := rt.registry.Spawn(waiter, program.Normal)

	granted, err := rt.RequestResource(a.Pid, "r1")
	require.NoError(t, err)
	require.True(t, granted)
	granted, err = rt.RequestResource(b.Pid, "r2")
	require.NoError(t, err)
	require.True(t, granted)

	_, err = rt.RequestResource(a.Pid, "r2")
	require.NoError(t, err)

	_, err = rt.RequestResource(b.Pid, "r1")
	require.ErrorIs(t, err, rtsched.ErrDeadlock)

	var dl *rtsched.DeadlockError
	require.ErrorAs(t, err, &dl)
	require.Equal(t, b.Pid, dl.Victim)
	require.Equal(t, registry.Terminated, b.State())
	require.Contains(t, b.ExitReason(), "deadlock")
}

// TestRealtimeTaskRunsThroughDispatcher: register_realtime hands the
// process to the RT dispatch loop, which runs it to completion and
// withdraws the task.
func TestRealtimeTaskRunsThroughDispatcher(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)

	prog := &program.Program{
		Header: program.Header{Magic: program.ReamMagic, MaxStack: 8, MaxGlobals: 4},
		Constants: []program.Const{
			program.IntConst(3),
		},
		Instructions: []program.Instruction{
			{Op: program.OpLoadConst, Operands: []int64{0}},
			{Op: program.OpRet},
		},
	}
	proc := rt.spawnProgram(prog, program.Normal)
	require.NoError(t, rt.RegisterRealtime(rtsched.Task{
		Pid:      proc.Pid,
		Type:     rtsched.Periodic,
		Period:   10 * time.Millisecond,
		Deadline: 10 * time.Millisecond,
		WCET:     time.Millisecond,
	}))
	require.True(t, proc.IsRealtime())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Stop()

	require.Eventually(t, func() bool {
		return proc.State() == registry.Terminated
	}, 10*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return rt.rt.Utilization() == 0
	}, 10*time.Second, 5*time.Millisecond)
	require.Greater(t, atomic.LoadInt64(&proc.InstructionsExecuted), int64(0))
}

func TestRegisterRealtimeRejectsUnknownPid(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)
	err = rt.RegisterRealtime(rtsched.Task{Pid: 9999, Period: 10 * time.Millisecond, Deadline: 10 * time.Millisecond, WCET: time.Millisecond})
	require.ErrorIs(t, err, registry.ErrNoSuchProcess)
}

func TestStatsSnapshot(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)

	s := rt.Stats()
	require.Zero(t, s.Processes)
	require.Zero(t, s.WorkSteal.Submitted)
	require.False(t, s.Timestamp.IsZero())
}
