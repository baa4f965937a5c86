package wsched

import (
	"sync"
	"sync/atomic"

	"github.com/reamlang/ream/internal/ream/registry"
)

// deque is a Chase-Lev work-stealing deque of *registry.Process. The owner
// goroutine pushes/pops the bottom; thieves pop the top. A real
// Chase-Lev deque is fully lock-free; REAM keeps the growable ring and
// the CAS on top, but guards the buffer and bottom index with a mutex
// that thieves also take briefly to read them. A thief makes a single
// CAS attempt on top and reports empty if it loses the race.
type deque struct {
	ownerMu sync.Mutex // guards bottom-end operations against concurrent growth
	buf     []*registry.Process
	mask    int

	top    int64 // atomic; owned by thieves
	bottom int64 // owner-only
}

func newDeque(initialCap int) *deque {
	if initialCap < 8 {
		initialCap = 8
	}
	n := 1
	for n < initialCap {
		n <<= 1
	}
	return &deque{buf: make([]*registry.Process, n), mask: n - 1}
}

// pushBottom is called only by the owning worker.
func (d *deque) pushBottom(p *registry.Process) {
	d.ownerMu.Lock()
	defer d.ownerMu.Unlock()
	b := d.bottom
	t := atomic.LoadInt64(&d.top)
	if int(b-t) >= len(d.buf) {
		d.grow()
	}
	d.buf[int(b)&d.mask] = p
	d.bottom = b + 1
}

func (d *deque) grow() {
	next := make([]*registry.Process, len(d.buf)*2)
	t := atomic.LoadInt64(&d.top)
	for i := t; i < d.bottom; i++ {
		next[int(i)&(len(next)-1)] = d.buf[int(i)&d.mask]
	}
	d.buf = next
	d.mask = len(next) - 1
}

// popBottom is called only by the owning worker (LIFO, best for
// cache locality on the process that was just running).
func (d *deque) popBottom() (*registry.Process, bool) {
	d.ownerMu.Lock()
	defer d.ownerMu.Unlock()
	b := d.bottom
	t := atomic.LoadInt64(&d.top)
	if b <= t {
		return nil, false
	}
	b--
	d.bottom = b
	p := d.buf[int(b)&d.mask]
	if b == t {
		// last element: race with a thief popping top concurrently
		if !atomic.CompareAndSwapInt64(&d.top, t, t+1) {
			d.bottom = b + 1
			return nil, false
		}
		d.bottom = b + 1
	}
	return p, p != nil
}

// popTop is called by thieves (FIFO end, oldest work first — gives
// stolen tasks the best chance of being large-grained).
func (d *deque) popTop() (*registry.Process, bool) {
	t := atomic.LoadInt64(&d.top)
	b := d.ownerBottom()
	if t >= b {
		return nil, false
	}
	p := d.loadAt(t)
	if !atomic.CompareAndSwapInt64(&d.top, t, t+1) {
		return nil, false
	}
	return p, p != nil
}

func (d *deque) ownerBottom() int64 {
	d.ownerMu.Lock()
	defer d.ownerMu.Unlock()
	return d.bottom
}

func (d *deque) loadAt(i int64) *registry.Process {
	d.ownerMu.Lock()
	defer d.ownerMu.Unlock()
	return d.buf[int(i)&d.mask]
}

func (d *deque) len() int {
	b := d.ownerBottom()
	t := atomic.LoadInt64(&d.top)
	if b <= t {
		return 0
	}
	return int(b - t)
}
