// Package runtime assembles REAM's components — registry, VM,
// executor, timer, work-stealing scheduler, real-time scheduler, and
// resource manager — into one operational surface: spawn, send,
// receive, self, link, monitor, terminate, register_realtime,
// request_resource, release_resource, stats.
package runtime

import (
	"context"
	"errors"
	goruntime "runtime"
	"time"

	"github.com/google/uuid"

	"github.com/reamlang/ream/internal/log"
	"github.com/reamlang/ream/internal/ream/executor"
	"github.com/reamlang/ream/internal/ream/metrics"
	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/program"
	"github.com/reamlang/ream/internal/ream/registry"
	"github.com/reamlang/ream/internal/ream/resources"
	"github.com/reamlang/ream/internal/ream/rtsched"
	"github.com/reamlang/ream/internal/ream/timer"
	"github.com/reamlang/ream/internal/ream/tracer"
	"github.com/reamlang/ream/internal/ream/vm"
	"github.com/reamlang/ream/internal/ream/wsched"
)

// Config bundles every sub-component's tunables in one place.
type Config struct {
	Registry        registry.Config
	Scheduler       wsched.Config
	TickPeriod      time.Duration
	RTPolicy        rtsched.Policy
	DefaultQuotas   resources.Quotas
	ProgramStoreDir string
	ProgramHotCache int
}

// Runtime is REAM's top-level handle: one per embedding process.
type Runtime struct {
	registry  *registry.Registry
	store     *program.Store
	timer     *timer.Timer
	resources *resources.Manager
	balancer  *resources.Balancer
	rt        *rtsched.Scheduler
	inherit   *rtsched.Inheritance
	exec      *executor.Executor
	sched     *wsched.Scheduler

	tickPeriod time.Duration
	quantum    int
	rtWorker   int // timer flag slot for the RT dispatcher, past the pool's workers

	cancel context.CancelFunc
	log    *log.Logger
}

// New wires every component together per Config. Components are
// constructed bottom-up: registry and store first (no dependencies),
// then timer and resources, then the executor (needs registry+
// resources+timer+a Host factory), then the two schedulers on top.
func New(cfg Config) (*Runtime, error) {
	store, err := program.NewStore(cfg.ProgramStoreDir, cfg.ProgramHotCache)
	if err != nil {
		return nil, err
	}
	reg := registry.New(cfg.Registry)
	tm := timer.New(cfg.TickPeriod)
	resMgr := resources.NewManager(cfg.DefaultQuotas)
	balancer := resources.NewBalancer(0)
	rts := rtsched.New(cfg.RTPolicy)
	inh := rtsched.NewInheritance()

	tick := cfg.TickPeriod
	if tick <= 0 {
		tick = time.Millisecond
	}
	rt := &Runtime{
		registry:   reg,
		store:      store,
		timer:      tm,
		resources:  resMgr,
		balancer:   balancer,
		rt:         rts,
		inherit:    inh,
		tickPeriod: tick,
		quantum:    cfg.Scheduler.QuantumInstructions,
		log:        log.Root.New("component", "runtime"),
	}

	rt.exec = executor.New(reg, resMgr, tm, func(p *registry.Process) vm.Host {
		return newProcessHost(rt, p)
	})
	rt.sched = wsched.New(cfg.Scheduler, rt.exec, resMgr)
	rt.rtWorker = rt.sched.NumWorkers()

	reg.OnReady(func(p *registry.Process) {
		rt.submitReady(p)
	})

	// a priority-inheritance boost (or restore) moves the process to
	// the matching scheduling band the next time it is queued.
	inh.OnPriorityChange(func(p pid.PID, prio int) {
		proc, ok := reg.Lookup(p)
		if !ok {
			return
		}
		if prio < int(program.High) {
			prio = int(program.High)
		}
		if prio > int(program.Low) {
			prio = int(program.Low)
		}
		proc.SetEffectivePriority(program.Priority(prio))
	})

	return rt, nil
}

// submitReady routes a runnable process to whichever scheduler owns
// it: the RT dispatcher's ready heaps, or the work-stealing pool.
func (rt *Runtime) submitReady(proc *registry.Process) {
	if proc.IsRealtime() {
		rt.rt.Requeue(proc.Pid)
		return
	}
	rt.sched.Submit(proc)
}

// Start launches the timer, balancer, and worker pool. It returns
// once the pool is running; callers should select on ctx.Done() or
// call Stop for shutdown.
func (rt *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.timer.Start()
	rt.balancer.Start()
	go func() {
		if err := rt.sched.Run(ctx); err != nil {
			rt.log.Error("scheduler exited", "err", err)
		}
	}()
	go rt.runRTDispatcher(ctx)
}

// runRTDispatcher drives the real-time scheduler: every tick it
// surfaces deadline misses and drains the ready heaps, running each
// released task for one quantum on a dedicated timer slot past the
// work-stealing pool's workers.
func (rt *Runtime) runRTDispatcher(ctx context.Context) {
	ticker := time.NewTicker(rt.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rt.rt.CheckDeadlines(now)
			rt.dispatchRealtime()
		}
	}
}

// dispatchRealtime runs each queued task at most once, so a CPU-bound
// task cannot pin the dispatcher inside a single tick.
func (rt *Runtime) dispatchRealtime() {
	for budget := rt.rt.TaskCount(); budget > 0; budget-- {
		task := rt.rt.NextTask()
		if task == nil {
			return
		}
		proc, ok := rt.registry.Lookup(task.Pid)
		if !ok {
			rt.rt.RemoveTask(task.Pid)
			continue
		}
		if proc.State() != registry.Ready {
			// Waiting or Suspended: the registry's ready hook requeues
			// it when it wakes.
			continue
		}
		start := time.Now()
		res := rt.exec.Execute(proc, rt.rtWorker, executor.Budget{MaxInstructions: rt.quantum})
		spent := rt.rt.ConsumeBudget(task.Pid, time.Since(start))
		switch res.Disposition {
		case executor.Requeue:
			if spent {
				rt.rt.Complete(task.Pid)
			} else {
				rt.rt.Requeue(task.Pid)
			}
		case executor.Parked:
			// woken via the ready hook on message arrival.
		case executor.Done:
			if proc.State() == registry.Terminated {
				rt.rt.RemoveTask(task.Pid)
			}
		}
	}
}

// Stop halts all background goroutines.
func (rt *Runtime) Stop() {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.timer.Stop()
	rt.balancer.Stop()
}

// LoadProgram verifies and admits a compiled Program into the content-
// addressed store, returning its hash.
func (rt *Runtime) LoadProgram(p *program.Program) ([32]byte, error) {
	return rt.store.Put(p, program.DefaultVerifyOptions())
}

// spawnProgram constructs and submits a process. No explicit resource
// registration happens here: the manager lazily opens an account under
// its current defaults on first touch, which is what lets hot-reloaded
// quota defaults apply to processes spawned after the reload.
func (rt *Runtime) spawnProgram(prog *program.Program, priority program.Priority) *registry.Process {
	proc := rt.registry.Spawn(prog, priority)
	rt.sched.Submit(proc)
	return proc
}

// UpdateDefaultQuotas swaps the resource quotas applied to future
// processes, the hot-reload entry point for the config watcher.
func (rt *Runtime) UpdateDefaultQuotas(q resources.Quotas) {
	rt.resources.SetDefaults(q)
}

// Spawn loads progHash from the store and starts a new process running
// it at priority.
func (rt *Runtime) Spawn(progHash [32]byte, priority program.Priority) (pid.PID, error) {
	prog, err := rt.store.Get(progHash)
	if err != nil {
		return pid.Nil, err
	}
	return rt.spawnProgram(prog, priority).Pid, nil
}

// Send delivers payload to to's mailbox.
func (rt *Runtime) Send(from, to pid.PID, payload vm.Value) error {
	return rt.registry.Send(to, payload, from)
}

// Link establishes a bidirectional link between a and b.
func (rt *Runtime) Link(a, b pid.PID) error {
	pa, ok := rt.registry.Lookup(a)
	if !ok {
		return registry.ErrNoSuchProcess
	}
	pb, ok := rt.registry.Lookup(b)
	if !ok {
		return registry.ErrNoSuchProcess
	}
	pa.AddLink(b)
	pb.AddLink(a)
	return nil
}

// Monitor installs a one-way monitor of target on behalf of watcher.
func (rt *Runtime) Monitor(watcher, target pid.PID) (int64, error) {
	w, ok := rt.registry.Lookup(watcher)
	if !ok {
		return 0, registry.ErrNoSuchProcess
	}
	t, ok := rt.registry.Lookup(target)
	if !ok {
		return 0, registry.ErrNoSuchProcess
	}
	ref := w.AddMonitor(target)
	t.AddWatcher(ref, watcher)
	return ref, nil
}

// Demonitor removes a monitor previously installed by Monitor. A
// stale ref is a no-op, matching the delivery race where the target
// died and the DOWN is already in flight.
func (rt *Runtime) Demonitor(watcher pid.PID, ref int64) error {
	w, ok := rt.registry.Lookup(watcher)
	if !ok {
		return registry.ErrNoSuchProcess
	}
	target, ok := w.RemoveMonitor(ref)
	if !ok {
		return nil
	}
	if t, ok := rt.registry.Lookup(target); ok {
		t.RemoveWatcher(ref)
	}
	return nil
}

// Suspend takes p out of scheduling until Resume. A Running process is
// suspended once its current quantum ends; a Terminated one is left
// alone.
func (rt *Runtime) Suspend(p pid.PID) error {
	proc, ok := rt.registry.Lookup(p)
	if !ok {
		return registry.ErrNoSuchProcess
	}
	for {
		switch proc.State() {
		case registry.Ready:
			if proc.CAS(registry.Ready, registry.Suspended) {
				return nil
			}
		case registry.Waiting:
			if proc.CAS(registry.Waiting, registry.Suspended) {
				return nil
			}
		case registry.Running:
			goruntime.Gosched()
		default:
			return nil
		}
	}
}

// Resume re-admits a Suspended process to the scheduler.
func (rt *Runtime) Resume(p pid.PID) error {
	proc, ok := rt.registry.Lookup(p)
	if !ok {
		return registry.ErrNoSuchProcess
	}
	if proc.CAS(registry.Suspended, registry.Ready) {
		rt.submitReady(proc)
	}
	return nil
}

// Terminate forcibly ends a process.
func (rt *Runtime) Terminate(p pid.PID, reason string) {
	rt.registry.Terminate(p, reason)
	rt.resources.Unregister(p)
	rt.rt.RemoveTask(p)
}

// deliverControl renders an inbound Control message (Exit/DOWN fan-
// out from registry.Terminate) as a tagged Value the VM program can
// pattern-match on via map access.
func (rt *Runtime) deliverControl(proc *registry.Process, msg registry.Message) vm.Value {
	fields := map[string]vm.Value{
		"kind":   vm.Str("control"),
		"from":   vm.PID(msg.From),
		"reason": vm.Str(msg.Control.Reason),
	}
	return vm.Map(fields)
}

// RegisterRealtime admits task.Pid as a real-time task under the
// active EDF/RM/Hybrid policy and hands the process from the
// work-stealing pool to the RT dispatcher.
func (rt *Runtime) RegisterRealtime(task rtsched.Task) error {
	proc, ok := rt.registry.Lookup(task.Pid)
	if !ok {
		return registry.ErrNoSuchProcess
	}
	if err := rt.rt.AddTask(&task); err != nil {
		return err
	}
	proc.SetRealtime(true)
	return nil
}

// RequestResource acquires a priority-inheritance-protected resource
// on behalf of p, at p's base scheduling priority. A detected
// deadlock has already aborted its victim inside the protocol; the
// runtime finishes the job by terminating the victim's process.
func (rt *Runtime) RequestResource(p pid.PID, r rtsched.ResourceID) (bool, error) {
	proc, ok := rt.registry.Lookup(p)
	if !ok {
		return false, registry.ErrNoSuchProcess
	}
	granted, err := rt.inherit.Request(r, p, int(proc.Priority))
	var dl *rtsched.DeadlockError
	if errors.As(err, &dl) {
		rt.Terminate(dl.Victim, dl.Error())
	}
	if granted {
		rt.rt.TrackResource(p, r)
	}
	return granted, err
}

// ReleaseResource releases a resource held by p.
func (rt *Runtime) ReleaseResource(p pid.PID, r rtsched.ResourceID) {
	rt.inherit.Release(r, p)
	rt.rt.UntrackResource(p, r)
}

// Stats is the aggregate runtime snapshot served by the stats API.
type Stats struct {
	Processes      int
	WorkSteal      wsched.Stats
	RTUtilization  float64
	DeadlineMisses uint64
	RTPreemptions  uint64
	GCCycles       uint32
	Timestamp      time.Time
}

func (rt *Runtime) Stats() Stats {
	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)
	return Stats{
		Processes:      rt.registry.Count(),
		WorkSteal:      rt.sched.Stats(),
		RTUtilization:  rt.rt.Utilization(),
		DeadlineMisses: rt.rt.DeadlineMisses(),
		RTPreemptions:  rt.rt.Preemptions(),
		GCCycles:       mem.NumGC,
		Timestamp:      time.Now(),
	}
}

// BalanceLoad asks the adaptive load balancer for a current
// recommendation based on the work-stealing scheduler's queue depths.
func (rt *Runtime) BalanceLoad() resources.LoadBalanceRecommendation {
	return rt.balancer.Balance(rt.sched.QueueDepths())
}

// Snapshot implements metrics.Source, flattening every component's
// counters into one exportable record.
func (rt *Runtime) Snapshot() metrics.Snapshot {
	ws := rt.sched.Stats()
	cpuPct, memPct := rt.balancer.HostSample()
	return metrics.Snapshot{
		Timestamp:            time.Now(),
		Processes:            rt.registry.Count(),
		WorkStealSubmitted:   ws.Submitted,
		WorkStealCompleted:   ws.Completed,
		WorkStealAttempts:    ws.StealAttempts,
		WorkStealSuccesses:   ws.StealSuccesses,
		WorkStealParkedNanos: ws.ParkedNanos,
		RTUtilization:        rt.rt.Utilization(),
		DeadlineMisses:       rt.rt.DeadlineMisses(),
		HostCPUPercent:       cpuPct,
		HostMemoryPercent:    memPct,
	}
}

// DeepMemoryUsage runs a full reflective scan of p's VM state and
// records the result with the resource manager. It refuses a Running
// target: the scan walks live structures the owning executor would be
// mutating.
func (rt *Runtime) DeepMemoryUsage(p pid.PID) (int64, error) {
	proc, ok := rt.registry.Lookup(p)
	if !ok {
		return 0, registry.ErrNoSuchProcess
	}
	if proc.State() == registry.Running {
		return 0, ErrNotTraceable
	}
	mem := int64(resources.ScanSize(proc.VM))
	if err := rt.resources.UpdateMemoryUsage(p, mem); err != nil {
		return mem, err
	}
	return mem, nil
}

// AttachTracer compiles script into an instruction tracer and installs
// it on p's VM. The returned session identifier names the attachment
// on the API surface. The target must not be Running: installing a
// trace hook races the owning executor otherwise, so AttachTracer
// refuses anything but a parked or not-yet-dispatched process.
func (rt *Runtime) AttachTracer(p pid.PID, script string) (uuid.UUID, error) {
	proc, ok := rt.registry.Lookup(p)
	if !ok {
		return uuid.UUID{}, registry.ErrNoSuchProcess
	}
	tr, err := tracer.New(script)
	if err != nil {
		return uuid.UUID{}, err
	}
	switch proc.State() {
	case registry.Running, registry.Terminated:
		return uuid.UUID{}, ErrNotTraceable
	}
	proc.VM.Trace = func(pc int, op program.Opcode, depth int) {
		tr.OnStep(p, pc, op, depth)
	}
	return tr.Session(), nil
}

// ErrNotTraceable is returned by AttachTracer for a Running or
// Terminated target.
var ErrNotTraceable = errors.New("runtime: process not in a traceable state")
