package resources

import (
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/reamlang/ream/internal/log"
)

// WorkerLoad is one worker's contribution to a balance decision,
// supplied by the scheduler layer (resources has no notion of workers
// or deques of its own).
type WorkerLoad struct {
	WorkerID   int
	QueueDepth int
	Running    int
}

// LoadBalanceRecommendation is the advisory output of Balance:
// REAM's load balancer only
// recommends — the work-stealing scheduler already rebalances
// reactively, so this is a slower-moving strategic signal (e.g. "stop
// spawning new high-priority work on worker 3").
type LoadBalanceRecommendation struct {
	OverloadedWorkers []int
	UnderloadedWorkers []int
	HostCPUPercent     float64
	HostMemoryPercent  float64
	ThrottleSpawns     bool
	GeneratedAt        time.Time
}

// Balancer periodically samples host-level CPU/memory via gopsutil
// and combines that with per-worker queue depths to produce
// LoadBalanceRecommendations.
type Balancer struct {
	mu            sync.Mutex
	lastHostCPU   float64
	lastHostMem   float64
	sampleEvery   time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	log           *log.Logger
}

func NewBalancer(sampleEvery time.Duration) *Balancer {
	if sampleEvery <= 0 {
		sampleEvery = 2 * time.Second
	}
	return &Balancer{sampleEvery: sampleEvery, log: log.Root.New("component", "balancer")}
}

// Start launches the background host-stats sampler.
func (b *Balancer) Start() {
	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		t := time.NewTicker(b.sampleEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				b.sample()
			case <-b.stopCh:
				return
			}
		}
	}()
}

func (b *Balancer) Stop() {
	if b.stopCh != nil {
		close(b.stopCh)
	}
	b.wg.Wait()
}

func (b *Balancer) sample() {
	pct, err := cpu.Percent(0, false)
	var cpuPct float64
	if err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	} else {
		b.log.Warn("cpu sample failed", "err", err)
	}
	vm, err := mem.VirtualMemory()
	var memPct float64
	if err == nil {
		memPct = vm.UsedPercent
	} else {
		b.log.Warn("mem sample failed", "err", err)
	}
	b.mu.Lock()
	b.lastHostCPU = cpuPct
	b.lastHostMem = memPct
	b.mu.Unlock()
}

// HostSample returns the most recent host CPU/memory percentages.
func (b *Balancer) HostSample() (cpuPct, memPct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastHostCPU, b.lastHostMem
}

// Balance computes a recommendation from the latest host sample and
// the supplied per-worker loads. Workers whose queue depth is above
// 1.5 times the mean and greater than 1 are flagged overloaded; workers
// at zero with others non-empty are flagged underloaded.
func (b *Balancer) Balance(loads []WorkerLoad) LoadBalanceRecommendation {
	b.mu.Lock()
	hostCPU, hostMem := b.lastHostCPU, b.lastHostMem
	b.mu.Unlock()

	rec := LoadBalanceRecommendation{HostCPUPercent: hostCPU, HostMemoryPercent: hostMem, GeneratedAt: time.Now()}
	if len(loads) == 0 {
		return rec
	}
	sorted := append([]WorkerLoad(nil), loads...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].QueueDepth < sorted[j].QueueDepth })

	var total int
	for _, l := range loads {
		total += l.QueueDepth
	}
	mean := float64(total) / float64(len(loads))

	for _, l := range loads {
		if float64(l.QueueDepth) > mean*1.5 && l.QueueDepth > 1 {
			rec.OverloadedWorkers = append(rec.OverloadedWorkers, l.WorkerID)
		}
		if l.QueueDepth == 0 && mean > 0 {
			rec.UnderloadedWorkers = append(rec.UnderloadedWorkers, l.WorkerID)
		}
	}
	rec.ThrottleSpawns = hostCPU > 90 || hostMem > 90
	return rec
}
