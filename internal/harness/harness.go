// Package harness wires the ledger, the workload drivers and the reporting
// components into a single benchmark run.
package harness

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/blockbench/internal/config"
	"github.com/tunnelmesh/blockbench/internal/generator"
	"github.com/tunnelmesh/blockbench/internal/ledger"
	"github.com/tunnelmesh/blockbench/internal/metrics"
	"github.com/tunnelmesh/blockbench/internal/nodeapi"
	"github.com/tunnelmesh/blockbench/internal/registry"
	"github.com/tunnelmesh/blockbench/internal/replication"
	"github.com/tunnelmesh/blockbench/internal/stats"
	"github.com/tunnelmesh/blockbench/pkg/bytesize"
)

// Options holds the run settings that do not come from the config file.
type Options struct {
	// Out receives the banner, the periodic text reports and the final
	// summary. Defaults to os.Stdout.
	Out io.Writer
	// Registry receives the run's metrics. Nil uses metrics.Registry, which
	// allows a single harness per process.
	Registry *prometheus.Registry
	// RunID overrides the generated run ID.
	RunID string
	// Verify probes every believed replica with HEAD requests after the
	// drivers stopped and reports disagreements between ledger and cluster.
	Verify bool
	Logger zerolog.Logger
}

// Harness runs one benchmark: generation, then replication and pruning
// against a shared ledger until the run ends.
type Harness struct {
	cfg    *config.Config
	opts   Options
	runID  string
	seed   int64
	logger zerolog.Logger

	nodes      *registry.Registry
	ledger     *ledger.Ledger
	client     *nodeapi.Client
	metrics    *metrics.HarnessMetrics
	generator  *generator.Generator
	replicator *replication.Replicator
	pruner     *replication.Pruner
	aggregator *stats.Aggregator
	stream     *stats.Stream
	collector  *metrics.Collector
	server     *Server
}

// New validates cfg and builds every component of a run.
func New(cfg *config.Config, opts Options) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	nodes, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	h := &Harness{
		cfg:    cfg,
		opts:   opts,
		runID:  opts.RunID,
		seed:   seed,
		logger: opts.Logger.With().Str("run_id", opts.RunID).Logger(),
		nodes:  nodes,
		ledger: ledger.New(),
	}

	if opts.Registry != nil {
		h.metrics = metrics.New(opts.Registry, opts.Registry, h.runID)
	} else {
		h.metrics = metrics.InitMetrics(h.runID)
	}
	h.metrics.RunInfo.WithLabelValues(strconv.Itoa(cfg.ReplicationFactor), strings.Join(nodes.Names(), ",")).Set(1)

	h.client = nodeapi.NewClient(nodeapi.Config{
		BasePath:          cfg.APIBasePath,
		Timeout:           cfg.Client.Timeout.Std(),
		RequestsPerSecond: cfg.Client.RequestsPerSecond,
		Burst:             cfg.Client.Burst,
		Observe:           h.metrics.ObserveRequest,
	})

	h.generator = generator.New(h.client, h.ledger, nodes, generator.Config{
		BlocksPerNode: cfg.BlocksPerNode,
		MinSize:       cfg.BlockSizeMin.Bytes(),
		MaxSize:       cfg.BlockSizeMax.Bytes(),
		MaxConcurrent: cfg.Client.MaxConcurrentRequests,
	}, rand.New(rand.NewSource(seed)), h.logger)
	h.generator.OnStore = h.metrics.ObserveGenerated

	h.replicator = replication.NewReplicator(h.client, h.ledger, nodes, replication.ReplicatorConfig{
		Factor:              cfg.ReplicationFactor,
		Interval:            cfg.ReplicationInterval.Std(),
		MaxConcurrent:       cfg.Client.MaxConcurrentRequests,
		RetireAfterFailures: cfg.RetireAfterFailures,
	}, rand.New(rand.NewSource(seed+1)), h.logger)

	h.pruner = replication.NewPruner(h.client, h.ledger, nodes, replication.PrunerConfig{
		Factor:        cfg.ReplicationFactor,
		Interval:      cfg.PruningInterval.Std(),
		MaxConcurrent: cfg.Client.MaxConcurrentRequests,
	}, h.logger)

	h.stream = stats.NewStream(h.logger)
	h.aggregator = stats.NewAggregator(h.client, h.ledger, nodes, stats.Config{
		Target:   cfg.ReplicationFactor,
		Interval: cfg.StatsInterval.Std(),
		Timeout:  cfg.Client.Timeout.Std(),
	}, h.logger)
	h.aggregator.SetOutput(opts.Out)
	h.aggregator.SetStream(h.stream)
	h.aggregator.OnReport = h.exportReport

	h.collector = metrics.NewCollector(h.metrics, metrics.CollectorConfig{
		Replicator: h.replicator,
		Pruner:     h.pruner,
	})

	if cfg.Metrics.Listen != "" {
		h.server = NewServer(h.runID, cfg.ReplicationFactor, h.ledger, h.aggregator, h.stream, h.metrics.Handler(), h.logger)
	}
	return h, nil
}

// RunID returns the identifier of this run.
func (h *Harness) RunID() string {
	return h.runID
}

// Ledger returns the run's placement ledger.
func (h *Harness) Ledger() *ledger.Ledger {
	return h.ledger
}

// Server returns the observability server, nil when metrics.listen is empty.
func (h *Harness) Server() *Server {
	return h.server
}

// exportReport mirrors a stats report into the Prometheus gauges.
func (h *Harness) exportReport(r stats.Report) {
	h.metrics.SetBlockCounts(metrics.BlockCounts{
		Generated:            r.Generated,
		Active:               r.Active,
		Pruned:               r.Pruned,
		Instances:            r.Instances,
		AvgReplicationFactor: r.AvgReplicationFactor,
		UnderReplicated:      r.UnderReplicated,
		AtTarget:             r.AtTarget,
		OverReplicated:       r.OverReplicated,
		PruneEvents:          r.PruneEvents,
	})
	for _, n := range r.Nodes {
		h.metrics.SetNode(n.Name, n.Instances, n.StoredBytes, n.ReportedBlocks, n.Reachable)
	}
}

// Run executes the run and returns its summary. Cancelling ctx ends the run
// early; that is not an error, the summary is still produced.
func (h *Harness) Run(ctx context.Context) (Summary, error) {
	summary := Summary{
		RunID:     h.runID,
		Seed:      h.seed,
		Target:    h.cfg.ReplicationFactor,
		StartedAt: time.Now(),
	}

	if h.server != nil {
		addr, err := h.server.Start(h.cfg.Metrics.Listen)
		if err != nil {
			return summary, fmt.Errorf("start metrics server: %w", err)
		}
		h.logger.Info().Str("addr", addr.String()).Msg("Metrics server listening")
	}
	defer h.shutdownServer()

	h.printBanner()
	h.logger.Info().
		Strs("nodes", h.nodes.Names()).
		Int("replication_factor", h.cfg.ReplicationFactor).
		Int64("seed", h.seed).
		Msg("Starting run")

	h.probeNodes(ctx)

	gen, err := h.generator.Run(ctx)
	summary.Generation = gen
	if err != nil {
		h.logger.Warn().Err(err).Msg("Generation interrupted")
	} else {
		h.runDrivers(ctx)
	}

	// The final round must still reach the nodes after ctx was cancelled.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.Client.Timeout.Std())
	defer cancel()

	summary.Final = h.aggregator.Collect(finalCtx)
	h.collector.Collect()
	if h.opts.Verify {
		v := h.verify(finalCtx)
		summary.Verification = &v
	}

	summary.EndedAt = time.Now()
	summary.Duration = summary.EndedAt.Sub(summary.StartedAt)
	summary.Interrupted = ctx.Err() != nil
	summary.Replication = h.replicator.GetStats()
	summary.Pruning = h.pruner.GetStats()

	if err := PrintSummary(h.opts.Out, summary); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to print summary")
	}
	if path := h.cfg.Report.JSONFile; path != "" {
		if err := summary.WriteJSON(path); err != nil {
			return summary, err
		}
		h.logger.Info().Str("file", path).Msg("Summary written")
	}
	return summary, nil
}

// runContext bounds ctx by d. A zero d runs until ctx is done.
func runContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// runDrivers runs the replicator, the pruner, the aggregator and the metrics
// collector until ctx is done or the configured duration elapsed.
func (h *Harness) runDrivers(ctx context.Context) {
	runCtx, cancel := runContext(ctx, h.cfg.Duration.Std())
	defer cancel()

	h.replicator.Start(runCtx)
	h.pruner.Start(runCtx)
	h.aggregator.Start(runCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.collector.Run(runCtx, h.cfg.StatsInterval.Std())
	}()

	<-runCtx.Done()
	h.logger.Info().Msg("Stopping drivers")

	h.replicator.Stop()
	h.pruner.Stop()
	h.aggregator.Stop()
	wg.Wait()
}

// probeNodes asks every node for its stats once. Failures are logged only.
func (h *Harness) probeNodes(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Client.Timeout.Std())
	defer cancel()

	var eg errgroup.Group
	for _, node := range h.nodes.Nodes() {
		eg.Go(func() error {
			st, err := h.client.Stats(ctx, node)
			if err != nil {
				h.logger.Warn().Err(err).Str("node", node.Name).Str("endpoint", node.Endpoint).Msg("Node not reachable")
				return nil
			}
			h.logger.Info().
				Str("node", node.Name).
				Int64("block_count", st.BlockCount).
				Str("total_size", bytesize.Format(st.TotalSize)).
				Msg("Node ready")
			return nil
		})
	}
	_ = eg.Wait()
}

func (h *Harness) shutdownServer() {
	h.stream.Close()
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}
}

func (h *Harness) printBanner() {
	w := h.opts.Out
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	_, _ = fmt.Fprintf(w, "║  %-55s  ║\n", "BLOCKBENCH "+h.runID)
	_, _ = fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	_, _ = fmt.Fprintf(w, "Nodes:            %d (%s)\n", h.nodes.Len(), strings.Join(h.nodes.Names(), ", "))
	_, _ = fmt.Fprintf(w, "Blocks per node:  %d\n", h.cfg.BlocksPerNode)
	_, _ = fmt.Fprintf(w, "Target factor:    %d\n", h.cfg.ReplicationFactor)
	_, _ = fmt.Fprintf(w, "Block size:       %s - %s\n", h.cfg.BlockSizeMin, h.cfg.BlockSizeMax)
	_, _ = fmt.Fprintf(w, "Intervals:        replicate %v, prune %v, stats %v\n",
		h.cfg.ReplicationInterval.Std(), h.cfg.PruningInterval.Std(), h.cfg.StatsInterval.Std())
	if d := h.cfg.Duration.Std(); d > 0 {
		_, _ = fmt.Fprintf(w, "Duration:         %v\n", d)
	} else {
		_, _ = fmt.Fprintln(w, "Duration:         until interrupted")
	}
	_, _ = fmt.Fprintf(w, "Seed:             %d\n", h.seed)
	_, _ = fmt.Fprintln(w)
}
