package stats

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/blockbench/internal/ledger"
	"github.com/tunnelmesh/blockbench/internal/nodeapi"
	"github.com/tunnelmesh/blockbench/internal/registry"
)

// StatsSource reports a node's own storage statistics.
type StatsSource interface {
	Stats(ctx context.Context, node registry.Node) (nodeapi.Stats, error)
}

// Config configures an Aggregator.
type Config struct {
	Target   int
	Interval time.Duration
	Timeout  time.Duration // per collection round of node stats, 0 = none
}

// Aggregator periodically builds a Report. It only reads the ledger.
type Aggregator struct {
	source  StatsSource
	ledger  *ledger.Ledger
	nodes   *registry.Registry
	cfg     Config
	logger  zerolog.Logger
	started time.Time

	out    io.Writer // text report destination, nil = none
	stream *Stream   // websocket subscribers, nil = none

	last atomic.Pointer[Report]

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnReport is called with every report. Used by the harness to feed gauges.
	OnReport func(Report)
}

// NewAggregator creates a statistics aggregator.
func NewAggregator(source StatsSource, l *ledger.Ledger, nodes *registry.Registry, cfg Config, logger zerolog.Logger) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Aggregator{
		source:  source,
		ledger:  l,
		nodes:   nodes,
		cfg:     cfg,
		logger:  logger.With().Str("component", "stats").Logger(),
		started: time.Now(),
	}
}

// SetOutput sets where the text report is written after each round.
func (a *Aggregator) SetOutput(w io.Writer) {
	a.out = w
}

// SetStream sets the websocket hub every report is broadcast to.
func (a *Aggregator) SetStream(s *Stream) {
	a.stream = s
}

// Start starts the periodic reporting loop.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Collect(ctx)
			}
		}
	}()
	a.logger.Info().Dur("interval", a.cfg.Interval).Msg("Stats aggregator started")
}

// Stop stops the loop and waits for an in-flight round to finish.
func (a *Aggregator) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.wg.Wait()
	a.logger.Info().Msg("Stats aggregator stopped")
}

// Last returns the most recent report, if any round has completed.
func (a *Aggregator) Last() (Report, bool) {
	r := a.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// Collect runs one reporting round and emits the result to every output.
// An unreachable node degrades to a zeroed line; it never fails the round.
func (a *Aggregator) Collect(ctx context.Context) Report {
	view := a.ledger.Snapshot()
	report := summarize(view, a.cfg.Target)
	report.Uptime = time.Since(a.started)
	report.Nodes = a.collectNodes(ctx, view.InstancesByNode())

	a.last.Store(&report)
	a.emit(report)
	return report
}

func (a *Aggregator) collectNodes(ctx context.Context, instances map[string]int) []NodeReport {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	nodes := a.nodes.Nodes()
	lines := make([]NodeReport, len(nodes))

	var eg errgroup.Group
	for i, node := range nodes {
		lines[i] = NodeReport{
			Name:      node.Name,
			Endpoint:  node.Endpoint,
			Instances: instances[node.Name],
		}
		eg.Go(func() error {
			st, err := a.source.Stats(ctx, node)
			if err != nil {
				lines[i].Error = err.Error()
				a.logger.Warn().Err(err).Str("node", node.Name).Msg("Node stats unavailable")
				return nil
			}
			lines[i].Reachable = true
			lines[i].StoredBytes = st.TotalSize
			lines[i].ReportedBlocks = st.BlockCount
			return nil
		})
	}
	_ = eg.Wait()
	return lines
}

func (a *Aggregator) emit(r Report) {
	ev := a.logger.Info().
		Int("generated", r.Generated).
		Int("active", r.Active).
		Int("pruned", r.Pruned).
		Int("instances", r.Instances).
		Float64("avg_replication_factor", r.AvgReplicationFactor).
		Int("under_replicated", r.UnderReplicated).
		Int("at_target", r.AtTarget).
		Int("over_replicated", r.OverReplicated).
		Int("prune_events", r.PruneEvents)

	nodes := zerolog.Dict()
	for _, n := range r.Nodes {
		nodes.Dict(n.Name, zerolog.Dict().
			Int("instances", n.Instances).
			Int64("stored_bytes", n.StoredBytes).
			Int64("reported_blocks", n.ReportedBlocks).
			Bool("reachable", n.Reachable))
	}
	ev.Dict("nodes", nodes).Msg("Replication status")

	if a.out != nil {
		if err := WriteText(a.out, r); err != nil {
			a.logger.Debug().Err(err).Msg("Failed to write text report")
		}
	}
	if a.stream != nil {
		a.stream.Broadcast(r)
	}
	if a.OnReport != nil {
		a.OnReport(r)
	}
}
