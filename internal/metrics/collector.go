package metrics

import (
	"context"
	"time"

	"github.com/tunnelmesh/blockbench/internal/replication"
)

// DriverSnapshot holds the last-seen driver stats for delta calculation.
type DriverSnapshot struct {
	ReplicationPasses uint64
	FetchesSucceeded  uint64
	FetchesFailed     uint64
	BlocksRetired     uint64
	PruningPasses     uint64
	DeletesSucceeded  uint64
	DeletesFailed     uint64
}

// ReplicatorStats interface for getting replicator statistics.
type ReplicatorStats interface {
	GetStats() replication.ReplicatorStats
}

// PrunerStats interface for getting pruner statistics.
type PrunerStats interface {
	GetStats() replication.PrunerStats
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Replicator ReplicatorStats
	Pruner     PrunerStats
}

// Collector periodically turns the cumulative driver statistics into
// Prometheus counters.
type Collector struct {
	metrics    *HarnessMetrics
	replicator ReplicatorStats
	pruner     PrunerStats

	// Last snapshot for delta calculation
	last DriverSnapshot
}

// NewCollector creates a new metrics collector.
func NewCollector(m *HarnessMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics:    m,
		replicator: cfg.Replicator,
		pruner:     cfg.Pruner,
	}
}

// addDelta adds cur-last to c when the source moved forward.
func addDelta(c interface{ Add(float64) }, cur, last uint64) {
	if cur > last {
		c.Add(float64(cur - last))
	}
}

// Collect updates all counters from the current driver state.
func (c *Collector) Collect() {
	c.collectReplicatorStats()
	c.collectPrunerStats()
}

func (c *Collector) collectReplicatorStats() {
	if c.replicator == nil {
		return
	}
	stats := c.replicator.GetStats()

	addDelta(c.metrics.ReplicationPasses, stats.PassesTotal, c.last.ReplicationPasses)
	addDelta(c.metrics.ReplicasAdded, stats.FetchesSucceeded, c.last.FetchesSucceeded)
	addDelta(c.metrics.FetchFailures, stats.FetchesFailed, c.last.FetchesFailed)
	addDelta(c.metrics.BlocksRetired, stats.BlocksRetired, c.last.BlocksRetired)

	c.last.ReplicationPasses = stats.PassesTotal
	c.last.FetchesSucceeded = stats.FetchesSucceeded
	c.last.FetchesFailed = stats.FetchesFailed
	c.last.BlocksRetired = stats.BlocksRetired
}

func (c *Collector) collectPrunerStats() {
	if c.pruner == nil {
		return
	}
	stats := c.pruner.GetStats()

	addDelta(c.metrics.PruningPasses, stats.PassesTotal, c.last.PruningPasses)
	addDelta(c.metrics.ReplicasRemoved, stats.DeletesSucceeded, c.last.DeletesSucceeded)
	addDelta(c.metrics.DeleteFailures, stats.DeletesFailed, c.last.DeletesFailed)

	c.last.PruningPasses = stats.PassesTotal
	c.last.DeletesSucceeded = stats.DeletesSucceeded
	c.last.DeletesFailed = stats.DeletesFailed
}

// Run starts periodic metric collection. It collects once more on exit so
// the final counters include the last passes.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			c.Collect()
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
