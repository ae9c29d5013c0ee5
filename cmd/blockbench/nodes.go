package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/blockbench/internal/config"
	"github.com/tunnelmesh/blockbench/internal/nodeapi"
	"github.com/tunnelmesh/blockbench/internal/promsd"
	"github.com/tunnelmesh/blockbench/internal/registry"
	"github.com/tunnelmesh/blockbench/pkg/bytesize"
)

var (
	nodesCID string

	sdOutput        string
	sdWatch         bool
	sdInterval      time.Duration
	sdOnlyReachable bool
	sdHarnessTarget string
)

func newClient(c *config.Config) *nodeapi.Client {
	return nodeapi.NewClient(nodeapi.Config{
		BasePath:          c.APIBasePath,
		Timeout:           c.Client.Timeout.Std(),
		RequestsPerSecond: c.Client.RequestsPerSecond,
		Burst:             c.Client.Burst,
	})
}

func newNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the configured nodes and probe their stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nodes, err := cfg.Registry()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.Timeout.Std())
			defer cancel()
			return printNodes(ctx, cmd.OutOrStdout(), newClient(cfg), nodes, nodesCID)
		},
	}
	cmd.Flags().StringVar(&nodesCID, "cid", "", "also check which nodes hold this CID")
	return cmd
}

type nodeStatus struct {
	stats  nodeapi.Stats
	err    error
	holds  bool
	cidErr error
}

// printNodes probes every node concurrently and prints one line per node in
// registry order.
func printNodes(ctx context.Context, w io.Writer, client *nodeapi.Client, nodes *registry.Registry, cid string) error {
	if cid != "" {
		parsed, err := nodeapi.ParseCID(cid)
		if err != nil {
			return err
		}
		cid = parsed
	}

	list := nodes.Nodes()
	status := make([]nodeStatus, len(list))
	var wg sync.WaitGroup
	for i, node := range list {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status[i].stats, status[i].err = client.Stats(ctx, node)
			if cid != "" {
				status[i].holds, status[i].cidErr = client.Exists(ctx, node, cid)
			}
		}()
	}
	wg.Wait()

	for i, node := range list {
		s := status[i]
		line := fmt.Sprintf("%-12s %-32s ", node.Name, node.Endpoint)
		if s.err != nil {
			line += "unreachable: " + s.err.Error()
		} else {
			line += fmt.Sprintf("%6d blocks %12s", s.stats.BlockCount, bytesize.Format(s.stats.TotalSize))
		}
		if cid != "" {
			switch {
			case s.cidErr != nil:
				line += "  cid: error"
			case s.holds:
				line += "  cid: held"
			default:
				line += "  cid: absent"
			}
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func newSDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sd",
		Short: "Write a Prometheus file_sd targets file for the nodes",
		Long: `Write the configured nodes, and optionally the harness metrics listener, as a
Prometheus file_sd targets file. With --watch the file is rewritten every
interval until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runSD,
	}
	def := promsd.DefaultConfig()
	cmd.Flags().StringVarP(&sdOutput, "output", "o", def.OutputFile, "targets file to write")
	cmd.Flags().BoolVar(&sdWatch, "watch", false, "keep rewriting the file")
	cmd.Flags().DurationVar(&sdInterval, "interval", def.PollInterval, "rewrite interval with --watch")
	cmd.Flags().BoolVar(&sdOnlyReachable, "only-reachable", false, "omit nodes whose stats endpoint does not answer")
	cmd.Flags().StringVar(&sdHarnessTarget, "harness-target", "", "host:port of the harness metrics listener (default: metrics.listen)")
	return cmd
}

func runSD(cmd *cobra.Command, _ []string) error {
	nodes, err := cfg.Registry()
	if err != nil {
		return err
	}

	sdCfg := promsd.DefaultConfig()
	sdCfg.OutputFile = sdOutput
	sdCfg.PollInterval = sdInterval
	sdCfg.OnlyReachable = sdOnlyReachable
	sdCfg.ProbeTimeout = cfg.Client.Timeout.Std()
	sdCfg.HarnessTarget = sdHarnessTarget
	if sdCfg.HarnessTarget == "" && cfg.Metrics.Listen != "" {
		sdCfg.HarnessTarget = harnessTarget(cfg.Metrics.Listen)
	}

	gen := promsd.NewGenerator(sdCfg, nodes, newClient(cfg), log.Logger)
	if sdWatch {
		ctx, cancel := signalContext()
		defer cancel()
		return gen.Run(ctx)
	}

	count, err := gen.Generate(context.Background())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d targets to %s\n", count, sdCfg.OutputFile)
	return err
}

// harnessTarget turns a listen address into a scrape target; an empty host
// means the harness runs on this machine.
func harnessTarget(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "localhost" + listen
	}
	return listen
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
