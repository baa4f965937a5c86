// Package timer implements REAM's preemption timer: a
// single ticking goroutine that raises a per-worker atomic flag every
// tick_period, which the VM samples at basic-block boundaries.
package timer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timer publishes one atomic preempt flag per worker.
type Timer struct {
	tickPeriod time.Duration

	mu    sync.Mutex
	flags []*int32 // one per worker, grown lazily

	stopCh chan struct{}
	ticker *time.Ticker
	wg     sync.WaitGroup
	ticks  uint64 // atomic, observability
}

func New(tickPeriod time.Duration) *Timer {
	if tickPeriod <= 0 {
		tickPeriod = time.Millisecond
	}
	return &Timer{tickPeriod: tickPeriod}
}

// Registered ensures a flag slot exists for workerID and returns it.
func (t *Timer) Registered(workerID int) *int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.flags) <= workerID {
		var f int32
		t.flags = append(t.flags, &f)
	}
	return t.flags[workerID]
}

// Start launches the tick goroutine. Every tick_period it sets every
// registered worker's preempt flag.
func (t *Timer) Start() {
	t.stopCh = make(chan struct{})
	t.ticker = time.NewTicker(t.tickPeriod)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.ticker.C:
				atomic.AddUint64(&t.ticks, 1)
				t.mu.Lock()
				flags := t.flags
				t.mu.Unlock()
				for _, f := range flags {
					atomic.StoreInt32(f, 1)
				}
			case <-t.stopCh:
				return
			}
		}
	}()
}

// Stop halts the tick goroutine and waits for it to exit.
func (t *Timer) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
	if t.stopCh != nil {
		close(t.stopCh)
	}
	t.wg.Wait()
}

// ShouldPreempt reports whether workerID's flag is currently set,
// without clearing it.
func (t *Timer) ShouldPreempt(workerID int) bool {
	return atomic.LoadInt32(t.Registered(workerID)) != 0
}

// Clear lowers workerID's preempt flag; called by the executor once it
// has honoured the preemption.
func (t *Timer) Clear(workerID int) {
	atomic.StoreInt32(t.Registered(workerID), 0)
}

// Ticks returns the total number of ticks observed, for diagnostics.
func (t *Timer) Ticks() uint64 { return atomic.LoadUint64(&t.ticks) }
