// Package metrics aggregates REAM's runtime, work-stealing, real-time,
// and resource-manager statistics and exports them to either of two
// time-series backends: an embedded prometheus/tsdb block store for local
// durability, or a remote InfluxDB v1 server for fleet-wide
// aggregation.
package metrics

import "time"

// Snapshot is one point-in-time aggregation of every component's
// observable counters.
type Snapshot struct {
	Timestamp time.Time

	Processes int

	WorkStealSubmitted   uint64
	WorkStealCompleted   uint64
	WorkStealAttempts    uint64
	WorkStealSuccesses   uint64
	WorkStealParkedNanos uint64

	RTUtilization  float64
	DeadlineMisses uint64

	HostCPUPercent    float64
	HostMemoryPercent float64
}

// Sink receives Snapshots for export. Implementations must not block
// the caller for long; Write is called from the runtime's periodic
// collection loop.
type Sink interface {
	Write(Snapshot) error
	Close() error
}
