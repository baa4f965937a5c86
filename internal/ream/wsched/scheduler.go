// Package wsched implements REAM's work-stealing scheduler: a fixed pool of worker goroutines, each holding three
// priority-banded Chase-Lev deques, backed by a global overflow queue
// and random-victim stealing with exponential backoff.
package wsched

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reamlang/ream/internal/log"
	"github.com/reamlang/ream/internal/ream/executor"
	"github.com/reamlang/ream/internal/ream/program"
	"github.com/reamlang/ream/internal/ream/registry"
	"github.com/reamlang/ream/internal/ream/resources"
)

const bands = 3 // High, Normal, Low

func bandOf(p program.Priority) int {
	switch p {
	case program.High:
		return 0
	case program.Low:
		return 2
	default:
		return 1
	}
}

// Stats are the scheduler's observable counters:
// submitted/completed task counts, steal
// attempts/successes, and cumulative parked time.
type Stats struct {
	Submitted      uint64
	Completed      uint64
	StealAttempts  uint64
	StealSuccesses uint64
	ParkedNanos    uint64
}

type worker struct {
	id     int
	deques [bands]*deque
	rng    *rand.Rand

	parkMu sync.Mutex
	parkCh chan struct{}
	parked int32
}

func newWorker(id int) *worker {
	w := &worker{id: id, rng: rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))}
	for i := range w.deques {
		w.deques[i] = newDeque(256)
	}
	return w
}

func (w *worker) queueDepth() int {
	n := 0
	for _, d := range w.deques {
		n += d.len()
	}
	return n
}

// Scheduler is REAM's work-stealing runtime pool.
type Scheduler struct {
	workers []*worker
	exec    *executor.Executor
	res     *resources.Manager
	log     *log.Logger

	overflowMu sync.Mutex
	overflow   [bands][]*registry.Process

	stats Stats

	backoffBase time.Duration
	backoffMax  time.Duration

	quantumInstructions int
}

// Config bundles the scheduler's tunables.
type Config struct {
	Workers             int
	QuantumInstructions int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
}

func New(cfg Config, exec *executor.Executor, res *resources.Manager) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QuantumInstructions <= 0 {
		cfg.QuantumInstructions = 10_000
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 50 * time.Microsecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Millisecond
	}
	s := &Scheduler{
		exec:                exec,
		res:                 res,
		log:                 log.Root.New("component", "wsched"),
		backoffBase:         cfg.BackoffBase,
		backoffMax:          cfg.BackoffMax,
		quantumInstructions: cfg.QuantumInstructions,
	}
	for i := 0; i < cfg.Workers; i++ {
		s.workers = append(s.workers, newWorker(i))
	}
	return s
}

// overflowThreshold is the per-deque depth past which a submission
// spills to the global overflow queue instead, where any worker can
// drain it.
const overflowThreshold = 1024

// Submit enqueues proc for scheduling. Placement hashes the PID to a
// worker; the global overflow queue is the release valve when that
// worker's deque is already saturated.
func (s *Scheduler) Submit(proc *registry.Process) {
	atomic.AddUint64(&s.stats.Submitted, 1)
	band := bandOf(proc.EffectivePriority())
	target := s.workers[int(proc.Pid)%len(s.workers)]
	if target.deques[band].len() >= overflowThreshold {
		s.overflowMu.Lock()
		s.overflow[band] = append(s.overflow[band], proc)
		s.overflowMu.Unlock()
		s.wakeAll()
		return
	}
	target.deques[band].pushBottom(proc)
	s.wake(target)
}

// requeue is used internally by the worker loop, preferring the
// worker that just ran the process for cache locality. The band is
// re-read on every requeue: a priority-inheritance boost lands the
// process in a higher band the next time it is queued.
func (s *Scheduler) requeue(workerID int, proc *registry.Process) {
	band := bandOf(proc.EffectivePriority())
	s.workers[workerID].deques[band].pushBottom(proc)
	s.wake(s.workers[workerID])
}

// Run launches all workers and blocks until ctx is cancelled, then
// drains in-flight quanta before returning. Worker lifecycle is
// managed with golang.org/x/sync/errgroup.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		w := w
		g.Go(func() error {
			s.workerLoop(ctx, w)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) workerLoop(ctx context.Context, w *worker) {
	idleSince := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		proc, ok := s.pop(w)
		if !ok {
			if idleSince.IsZero() {
				idleSince = time.Now()
			}
			if s.park(ctx, w) {
				atomic.AddUint64(&s.stats.ParkedNanos, uint64(time.Since(idleSince)))
				idleSince = time.Time{}
			}
			continue
		}
		idleSince = time.Time{}

		if proc.IsRealtime() {
			// owned by the real-time dispatcher; drop it from this pool.
			continue
		}

		result := s.exec.Execute(proc, w.id, executor.Budget{MaxInstructions: s.quantumInstructions})
		switch result.Disposition {
		case executor.Requeue:
			s.requeue(w.id, proc)
		case executor.Done:
			atomic.AddUint64(&s.stats.Completed, 1)
		case executor.Parked:
			// not requeued: registry.OnReady wakes it via Submit when a
			// message arrives.
		}
	}
}

// pop takes from the worker's own deques (high to low priority), then
// the global overflow queue, then attempts a steal. The worker drains
// its own deque from the FIFO end: a preempted process is requeued at
// the bottom, so taking the top guarantees it cannot run twice in a
// row while another Ready process of its band is queued.
func (s *Scheduler) pop(w *worker) (*registry.Process, bool) {
	for b := 0; b < bands; b++ {
		if p, ok := w.deques[b].popTop(); ok {
			return p, true
		}
	}
	if p, ok := s.popOverflow(); ok {
		return p, true
	}
	return s.steal(w)
}

func (s *Scheduler) popOverflow() (*registry.Process, bool) {
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()
	for b := 0; b < bands; b++ {
		q := s.overflow[b]
		if len(q) > 0 {
			p := q[0]
			s.overflow[b] = q[1:]
			return p, true
		}
	}
	return nil, false
}

// steal picks a random victim worker and moves half of its Normal/Low
// tail (oldest, coarsest-grained end) over to w, retrying with
// exponential backoff up to backoffMax before giving up for this
// cycle. The High band is off limits unless its owner is parked:
// latency-critical work stays with the worker actively draining it.
func (s *Scheduler) steal(w *worker) (*registry.Process, bool) {
	if len(s.workers) < 2 {
		return nil, false
	}
	backoff := s.backoffBase
	for attempt := 0; attempt < 4; attempt++ {
		victim := s.workers[w.rng.Intn(len(s.workers))]
		if victim.id == w.id {
			continue
		}
		atomic.AddUint64(&s.stats.StealAttempts, 1)
		stealBands := []int{1, 2}
		if atomic.LoadInt32(&victim.parked) == 1 {
			stealBands = []int{0, 1, 2}
		}
		for _, b := range stealBands {
			n := victim.deques[b].len()
			if n == 0 {
				continue
			}
			take := (n + 1) / 2
			var first *registry.Process
			for i := 0; i < take; i++ {
				p, ok := victim.deques[b].popTop()
				if !ok {
					break
				}
				if first == nil {
					first = p
				} else {
					// popTop yields oldest-first, pushBottom keeps
					// that order on w's deque: stolen items stay FIFO
					// among themselves.
					w.deques[b].pushBottom(p)
				}
			}
			if first != nil {
				atomic.AddUint64(&s.stats.StealSuccesses, 1)
				return first, true
			}
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}
	return nil, false
}

// park blocks w until woken or ctx is cancelled, returning true if it
// actually slept (for ParkedNanos accounting).
func (s *Scheduler) park(ctx context.Context, w *worker) bool {
	w.parkMu.Lock()
	if w.parkCh == nil {
		w.parkCh = make(chan struct{})
	}
	ch := w.parkCh
	atomic.StoreInt32(&w.parked, 1)
	w.parkMu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(2 * time.Millisecond):
		// bounded park: re-check queues/overflow periodically even
		// without an explicit wake, in case Submit raced the parkMu window.
		atomic.StoreInt32(&w.parked, 0)
		return true
	}
}

func (s *Scheduler) wakeAll() {
	for _, w := range s.workers {
		s.wake(w)
	}
}

func (s *Scheduler) wake(w *worker) {
	if atomic.CompareAndSwapInt32(&w.parked, 1, 0) {
		w.parkMu.Lock()
		ch := w.parkCh
		w.parkCh = nil
		w.parkMu.Unlock()
		if ch != nil {
			close(ch)
		}
	}
}

// QueueDepths reports the current per-worker queue depth, used by the
// resource manager's load balancer.
func (s *Scheduler) QueueDepths() []resources.WorkerLoad {
	out := make([]resources.WorkerLoad, len(s.workers))
	for i, w := range s.workers {
		out[i] = resources.WorkerLoad{WorkerID: w.id, QueueDepth: w.queueDepth()}
	}
	return out
}

// Stats returns a snapshot of the scheduler's observable counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Submitted:      atomic.LoadUint64(&s.stats.Submitted),
		Completed:      atomic.LoadUint64(&s.stats.Completed),
		StealAttempts:  atomic.LoadUint64(&s.stats.StealAttempts),
		StealSuccesses: atomic.LoadUint64(&s.stats.StealSuccesses),
		ParkedNanos:    atomic.LoadUint64(&s.stats.ParkedNanos),
	}
}

// NumWorkers reports the worker-pool size.
func (s *Scheduler) NumWorkers() int { return len(s.workers) }
