package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/blockbench/internal/config"
	"github.com/tunnelmesh/blockbench/internal/harness"
	"github.com/tunnelmesh/blockbench/internal/registry"
)

var (
	runNodes             []string
	runReplicationFactor int
	runBlocksPerNode     int
	runDuration          time.Duration
	runSeed              int64
	runRetireAfter       int
	runMetricsListen     string
	runReportJSON        string
	runVerify            bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate blocks and drive the cluster to the target replication factor",
		Long: `Run a benchmark against the configured nodes.

Every node first receives blocks_per_node random blocks. The replication and
pruning drivers then run until the duration elapses or the process is
interrupted, and a final report is printed.

Examples:
  # Default local cluster (ports 9080-9083), run until Ctrl-C
  blockbench run

  # Two minutes against a config file, with metrics and a JSON summary
  blockbench run -c cluster.yaml --duration 2m --metrics-listen :9100 --report-json out.json

  # Ad-hoc cluster
  blockbench run --nodes a=http://10.0.0.1:8080,b=http://10.0.0.2:8080 --replication-factor 2`,
		Args: cobra.NoArgs,
		RunE: runBenchmark,
	}

	cmd.Flags().StringSliceVar(&runNodes, "nodes", nil, "nodes as name=endpoint, replaces the configured nodes")
	cmd.Flags().IntVarP(&runReplicationFactor, "replication-factor", "k", 0, "target number of replicas per block")
	cmd.Flags().IntVar(&runBlocksPerNode, "blocks-per-node", 0, "blocks uploaded to each node before replication starts")
	cmd.Flags().DurationVarP(&runDuration, "duration", "d", 0, "run length after generation (0 = until interrupted)")
	cmd.Flags().Int64Var(&runSeed, "seed", 0, "random seed for payloads and target selection (0 = time based)")
	cmd.Flags().IntVar(&runRetireAfter, "retire-after-failures", 0, "mark a block pruned after this many consecutive failed fetches (0 = never)")
	cmd.Flags().StringVar(&runMetricsListen, "metrics-listen", "", "address for /metrics, the report API and /ws/stats (e.g. :9100)")
	cmd.Flags().StringVar(&runReportJSON, "report-json", "", "write the final summary to this JSON file")
	cmd.Flags().BoolVar(&runVerify, "verify", false, "check every believed replica with HEAD requests at the end of the run")

	return cmd
}

// parseNodes parses name=endpoint pairs.
func parseNodes(entries []string) ([]registry.Node, error) {
	nodes := make([]registry.Node, 0, len(entries))
	for _, entry := range entries {
		name, endpoint, ok := strings.Cut(entry, "=")
		if !ok || name == "" || endpoint == "" {
			return nil, fmt.Errorf("invalid node %q, expected name=endpoint", entry)
		}
		nodes = append(nodes, registry.Node{Name: strings.TrimSpace(name), Endpoint: strings.TrimSpace(endpoint)})
	}
	return nodes, nil
}

// applyRunFlags overrides c with the run flags that were set.
func applyRunFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("nodes") {
		nodes, err := parseNodes(runNodes)
		if err != nil {
			return err
		}
		c.Nodes = nodes
	}
	if flags.Changed("replication-factor") {
		c.ReplicationFactor = runReplicationFactor
	}
	if flags.Changed("blocks-per-node") {
		c.BlocksPerNode = runBlocksPerNode
	}
	if flags.Changed("duration") {
		c.Duration = config.Duration(runDuration)
	}
	if flags.Changed("seed") {
		c.Seed = runSeed
	}
	if flags.Changed("retire-after-failures") {
		c.RetireAfterFailures = runRetireAfter
	}
	if flags.Changed("metrics-listen") {
		c.Metrics.Listen = runMetricsListen
	}
	if flags.Changed("report-json") {
		c.Report.JSONFile = runReportJSON
	}
	return nil
}

func runBenchmark(cmd *cobra.Command, _ []string) error {
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

	h, err := harness.New(cfg, harness.Options{
		Out:    cmd.OutOrStdout(),
		Verify: runVerify,
		Logger: log.Logger,
	})
	if err != nil {
		return err
	}
	if lokiWriter != nil {
		lokiWriter.SetLabels(map[string]string{"run_id": h.RunID()})
	}

	ctx, cancel := signalContext()
	defer cancel()

	summary, err := h.Run(ctx)
	if err != nil {
		return err
	}
	if !summary.Final.Converged() {
		log.Warn().
			Int("under_replicated", summary.Final.UnderReplicated).
			Int("over_replicated", summary.Final.OverReplicated).
			Msg("Run ended before every block reached the target")
	}
	return nil
}
