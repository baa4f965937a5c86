package metrics

import (
	"fmt"

	client "github.com/influxdata/influxdb/client/v2"

	"github.com/reamlang/ream/internal/log"
)

// InfluxSink exports Snapshots to a remote InfluxDB v1 server, for
// fleet-wide aggregation across many REAM runtimes.
type InfluxSink struct {
	client   client.Client
	database string
	log      *log.Logger
}

func NewInfluxSink(addr, database, username, password string) (*InfluxSink, error) {
	c, err := client.NewHTTPClient(client.HTTPConfig{Addr: addr, Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("metrics: influx client: %w", err)
	}
	return &InfluxSink{client: c, database: database, log: log.Root.New("component", "metrics.influx")}, nil
}

func (s *InfluxSink) Write(snap Snapshot) error {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{Database: s.database, Precision: "ms"})
	if err != nil {
		return fmt.Errorf("metrics: batch points: %w", err)
	}
	// the v1 line protocol has no unsigned integer kind, so counters go
	// over the wire as int64.
	fields := map[string]interface{}{
		"processes":            snap.Processes,
		"work_steal_submitted": int64(snap.WorkStealSubmitted),
		"work_steal_completed": int64(snap.WorkStealCompleted),
		"work_steal_attempts":  int64(snap.WorkStealAttempts),
		"work_steal_successes": int64(snap.WorkStealSuccesses),
		"parked_nanos":         int64(snap.WorkStealParkedNanos),
		"rt_utilization":       snap.RTUtilization,
		"deadline_misses":      int64(snap.DeadlineMisses),
		"host_cpu_percent":     snap.HostCPUPercent,
		"host_memory_percent":  snap.HostMemoryPercent,
	}
	pt, err := client.NewPoint("ream_runtime", map[string]string{}, fields, snap.Timestamp)
	if err != nil {
		return fmt.Errorf("metrics: new point: %w", err)
	}
	bp.AddPoint(pt)
	return s.client.Write(bp)
}

func (s *InfluxSink) Close() error { return s.client.Close() }
