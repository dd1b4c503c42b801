package loader

import (
	"sync/atomic"
	"time"
)

// Metrics tracks loader statistics.
// All fields are safe for concurrent access.
type Metrics struct {
	Spawns        atomic.Int64
	SpawnFailures atomic.Int64

	Successes     atomic.Int64
	Failures      atomic.Int64
	Cancellations atomic.Int64

	// Payload bytes copied out of shared memory.
	BytesTransferred atomic.Int64

	// Spawn to settlement, nanoseconds.
	TotalLoadTimeNs atomic.Int64
}

var globalMetrics = &Metrics{}

// GetMetrics returns the global loader metrics.
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordSpawn records the outcome of starting a child.
func RecordSpawn(success bool) {
	if success {
		globalMetrics.Spawns.Add(1)
	} else {
		globalMetrics.SpawnFailures.Add(1)
	}
}

// RecordLoad records a settled load.
func RecordLoad(success bool, bytes int, duration time.Duration) {
	globalMetrics.TotalLoadTimeNs.Add(int64(duration))
	if success {
		globalMetrics.Successes.Add(1)
		globalMetrics.BytesTransferred.Add(int64(bytes))
	} else {
		globalMetrics.Failures.Add(1)
	}
}

// RecordCancel records a load canceled before settlement.
func RecordCancel() {
	globalMetrics.Cancellations.Add(1)
}

// MetricsSnapshot is a point-in-time copy of metrics values.
type MetricsSnapshot struct {
	Spawns           int64
	SpawnFailures    int64
	Successes        int64
	Failures         int64
	Cancellations    int64
	BytesTransferred int64
	AvgLoadTimeMs    float64
}

// Snapshot returns a point-in-time copy of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Spawns:           m.Spawns.Load(),
		SpawnFailures:    m.SpawnFailures.Load(),
		Successes:        m.Successes.Load(),
		Failures:         m.Failures.Load(),
		Cancellations:    m.Cancellations.Load(),
		BytesTransferred: m.BytesTransferred.Load(),
	}

	if settled := snap.Successes + snap.Failures; settled > 0 {
		snap.AvgLoadTimeMs = float64(m.TotalLoadTimeNs.Load()) / float64(settled) / 1e6
	}
	return snap
}

// ResetMetrics resets all metrics to zero. Useful for testing.
func ResetMetrics() {
	globalMetrics.Spawns.Store(0)
	globalMetrics.SpawnFailures.Store(0)
	globalMetrics.Successes.Store(0)
	globalMetrics.Failures.Store(0)
	globalMetrics.Cancellations.Store(0)
	globalMetrics.BytesTransferred.Store(0)
	globalMetrics.TotalLoadTimeNs.Store(0)
}
