package metrics

import (
	"sync"
	"time"

	"github.com/reamlang/ream/internal/log"
)

// Source produces point-in-time Snapshots; the runtime layer
// implements it over its component stats.
type Source interface {
	Snapshot() Snapshot
}

// Collector periodically pulls a Snapshot from its Source and pushes
// it to every configured Sink. Sink errors are logged and do not stop
// collection.
type Collector struct {
	src      Source
	sinks    []Sink
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	log    *log.Logger
}

func NewCollector(src Source, interval time.Duration, sinks ...Sink) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		src:      src,
		sinks:    sinks,
		interval: interval,
		log:      log.Root.New("component", "metrics"),
	}
}

func (c *Collector) Start() {
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Collector) collect() {
	snap := c.src.Snapshot()
	for _, s := range c.sinks {
		if err := s.Write(snap); err != nil {
			c.log.Warn("metrics export failed", "err", err)
		}
	}
}

// Stop halts collection and closes every sink.
func (c *Collector) Stop() {
	if c.stopCh != nil {
		close(c.stopCh)
	}
	c.wg.Wait()
	for _, s := range c.sinks {
		if err := s.Close(); err != nil {
			c.log.Warn("metrics sink close failed", "err", err)
		}
	}
}
