package metrics

import (
	"fmt"

	"github.com/prometheus/tsdb"
	"github.com/prometheus/tsdb/labels"

	"github.com/reamlang/ream/internal/log"
)

// TSDBSink writes Snapshots into a local prometheus/tsdb block store,
// the same embedded time-series engine Prometheus itself uses for
// on-disk retention. REAM reuses it here rather than hand-rolling a
// ring buffer, since the pack's dependency set already carries it.
type TSDBSink struct {
	db  *tsdb.DB
	log *log.Logger
}

func NewTSDBSink(dir string) (*TSDBSink, error) {
	db, err := tsdb.Open(dir, nil, nil, tsdb.DefaultOptions)
	if err != nil {
		return nil, fmt.Errorf("metrics: opening tsdb at %s: %w", dir, err)
	}
	return &TSDBSink{db: db, log: log.Root.New("component", "metrics.tsdb")}, nil
}

func (s *TSDBSink) Write(snap Snapshot) error {
	app := s.db.Appender()
	t := snap.Timestamp.UnixMilli()

	samples := []struct {
		name string
		val  float64
	}{
		{"ream_processes", float64(snap.Processes)},
		{"ream_work_steal_submitted", float64(snap.WorkStealSubmitted)},
		{"ream_work_steal_completed", float64(snap.WorkStealCompleted)},
		{"ream_work_steal_attempts", float64(snap.WorkStealAttempts)},
		{"ream_work_steal_successes", float64(snap.WorkStealSuccesses)},
		{"ream_rt_utilization", snap.RTUtilization},
		{"ream_deadline_misses", float64(snap.DeadlineMisses)},
		{"ream_host_cpu_percent", snap.HostCPUPercent},
		{"ream_host_memory_percent", snap.HostMemoryPercent},
	}
	for _, sm := range samples {
		lset := labels.FromStrings("__name__", sm.name)
		if _, err := app.Add(lset, t, sm.val); err != nil {
			app.Rollback()
			return fmt.Errorf("metrics: tsdb append %s: %w", sm.name, err)
		}
	}
	return app.Commit()
}

func (s *TSDBSink) Close() error { return s.db.Close() }
