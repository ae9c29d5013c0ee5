// Package metrics provides Prometheus metrics for blockbench runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all blockbench metrics.
var Registry = prometheus.NewRegistry()

// HarnessMetrics holds all Prometheus metrics for one harness run.
type HarnessMetrics struct {
	// Generation (counters)
	BlocksGenerated      prometheus.Counter
	BlocksGenerateFailed prometheus.Counter
	BytesGenerated       prometheus.Counter

	// Driver activity (counters, fed by the Collector)
	ReplicationPasses prometheus.Counter
	PruningPasses     prometheus.Counter
	ReplicasAdded     prometheus.Counter
	ReplicasRemoved   prometheus.Counter
	FetchFailures     prometheus.Counter
	DeleteFailures    prometheus.Counter
	BlocksRetired     prometheus.Counter

	// Node requests
	NodeRequests    *prometheus.CounterVec   // labels: op, node, result
	RequestDuration *prometheus.HistogramVec // labels: op
	StatsErrors     *prometheus.CounterVec   // labels: node

	// Ledger state (gauges, fed by the stats aggregator)
	GeneratedBlocks      prometheus.Gauge
	ActiveBlocks         prometheus.Gauge
	PrunedBlocks         prometheus.Gauge
	BlockInstances       prometheus.Gauge
	AvgReplicationFactor prometheus.Gauge
	UnderReplicated      prometheus.Gauge
	AtTarget             prometheus.Gauge
	OverReplicated       prometheus.Gauge
	BlocksPruneEvents    prometheus.Gauge

	// Per-node state
	NodeInstances      *prometheus.GaugeVec // labels: node
	NodeStoredBytes    *prometheus.GaugeVec // labels: node
	NodeReportedBlocks *prometheus.GaugeVec // labels: node
	NodeReachable      *prometheus.GaugeVec // labels: node

	// Run info (constant labels exposed as a gauge)
	RunInfo *prometheus.GaugeVec // labels: replication_factor, nodes

	gatherer prometheus.Gatherer
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics on the package Registry with the run ID
// as a constant label.
func InitMetrics(runID string) *HarnessMetrics {
	return New(Registry, Registry, runID)
}

// New registers all metrics on reg. g is what Handler serves.
func New(reg prometheus.Registerer, g prometheus.Gatherer, runID string) *HarnessMetrics {
	constLabels := prometheus.Labels{
		"run_id": runID,
	}
	f := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: constLabels})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: constLabels})
	}
	nodeGauge := func(name, help string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: constLabels}, []string{"node"})
	}

	return &HarnessMetrics{
		BlocksGenerated:      counter("blockbench_blocks_generated_total", "Blocks successfully stored during generation"),
		BlocksGenerateFailed: counter("blockbench_blocks_generate_failed_total", "Block uploads that failed during generation"),
		BytesGenerated:       counter("blockbench_bytes_generated_total", "Payload bytes successfully stored during generation"),

		ReplicationPasses: counter("blockbench_replication_passes_total", "Completed replication passes"),
		PruningPasses:     counter("blockbench_pruning_passes_total", "Completed pruning passes"),
		ReplicasAdded:     counter("blockbench_replicas_added_total", "Confirmed network fetches that added a replica"),
		ReplicasRemoved:   counter("blockbench_replicas_removed_total", "Confirmed deletes of surplus replicas"),
		FetchFailures:     counter("blockbench_fetch_failures_total", "Network fetches that failed"),
		DeleteFailures:    counter("blockbench_delete_failures_total", "Surplus deletes that failed"),
		BlocksRetired:     counter("blockbench_blocks_retired_total", "Blocks marked pruned after repeated fetch failures"),

		NodeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "blockbench_node_requests_total",
			Help:        "Requests made to storage nodes",
			ConstLabels: constLabels,
		}, []string{"op", "node", "result"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "blockbench_node_request_duration_seconds",
			Help:        "Latency of requests made to storage nodes",
			ConstLabels: constLabels,
			Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		StatsErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "blockbench_stats_errors_total",
			Help:        "Failed stats requests per node",
			ConstLabels: constLabels,
		}, []string{"node"}),

		GeneratedBlocks:      gauge("blockbench_blocks_generated", "Distinct blocks generated"),
		ActiveBlocks:         gauge("blockbench_blocks_active", "Blocks not marked pruned"),
		PrunedBlocks:         gauge("blockbench_blocks_pruned", "Blocks marked pruned"),
		BlockInstances:       gauge("blockbench_block_instances", "Believed replicas summed over active blocks"),
		AvgReplicationFactor: gauge("blockbench_avg_replication_factor", "Block instances divided by active blocks"),
		UnderReplicated:      gauge("blockbench_blocks_under_replicated", "Active blocks below the target factor"),
		AtTarget:             gauge("blockbench_blocks_at_target", "Active blocks exactly at the target factor"),
		OverReplicated:       gauge("blockbench_blocks_over_replicated", "Active blocks above the target factor"),
		BlocksPruneEvents:    gauge("blockbench_blocks_prune_events", "Blocks that had surplus replicas deleted at least once"),

		NodeInstances:      nodeGauge("blockbench_node_block_instances", "Blocks the ledger believes the node holds"),
		NodeStoredBytes:    nodeGauge("blockbench_node_stored_bytes", "Total size reported by the node"),
		NodeReportedBlocks: nodeGauge("blockbench_node_reported_blocks", "Block count reported by the node"),
		NodeReachable:      nodeGauge("blockbench_node_reachable", "1 if the last stats request succeeded"),

		RunInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "blockbench_run_info",
			Help:        "Run information",
			ConstLabels: constLabels,
		}, []string{"replication_factor", "nodes"}),

		gatherer: g,
	}
}

// Handler returns an HTTP handler serving the package Registry.
func Handler() http.Handler {
	return HandlerFor(Registry)
}

// HandlerFor returns an HTTP handler serving g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Handler serves the registry these metrics were registered on.
func (m *HarnessMetrics) Handler() http.Handler {
	return HandlerFor(m.gatherer)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveRequest records one node request. Its signature matches
// nodeapi.ObserveFunc.
func (m *HarnessMetrics) ObserveRequest(op, node string, elapsed time.Duration, err error) {
	m.NodeRequests.WithLabelValues(op, node, result(err)).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveGenerated records one generation upload.
func (m *HarnessMetrics) ObserveGenerated(node string, size int64, err error) {
	if err != nil {
		m.BlocksGenerateFailed.Inc()
		return
	}
	m.BlocksGenerated.Inc()
	m.BytesGenerated.Add(float64(size))
}

// BlockCounts is the ledger state exported as gauges.
type BlockCounts struct {
	Generated            int
	Active               int
	Pruned               int
	Instances            int
	AvgReplicationFactor float64
	UnderReplicated      int
	AtTarget             int
	OverReplicated       int
	PruneEvents          int
}

// SetBlockCounts updates the ledger state gauges.
func (m *HarnessMetrics) SetBlockCounts(c BlockCounts) {
	m.GeneratedBlocks.Set(float64(c.Generated))
	m.ActiveBlocks.Set(float64(c.Active))
	m.PrunedBlocks.Set(float64(c.Pruned))
	m.BlockInstances.Set(float64(c.Instances))
	m.AvgReplicationFactor.Set(c.AvgReplicationFactor)
	m.UnderReplicated.Set(float64(c.UnderReplicated))
	m.AtTarget.Set(float64(c.AtTarget))
	m.OverReplicated.Set(float64(c.OverReplicated))
	m.BlocksPruneEvents.Set(float64(c.PruneEvents))
}

// SetNode updates the per-node gauges. An unreachable node also counts as a
// stats error.
func (m *HarnessMetrics) SetNode(node string, instances int, storedBytes, reportedBlocks int64, reachable bool) {
	m.NodeInstances.WithLabelValues(node).Set(float64(instances))
	m.NodeStoredBytes.WithLabelValues(node).Set(float64(storedBytes))
	m.NodeReportedBlocks.WithLabelValues(node).Set(float64(reportedBlocks))
	if reachable {
		m.NodeReachable.WithLabelValues(node).Set(1)
		return
	}
	m.NodeReachable.WithLabelValues(node).Set(0)
	m.StatsErrors.WithLabelValues(node).Inc()
}
