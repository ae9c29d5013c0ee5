// blockbench drives a content-addressed block storage cluster: it uploads
// random blocks, keeps every block at the target replication factor through
// network fetches and deletes, and reports on what the cluster holds.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/blockbench/internal/config"
	"github.com/tunnelmesh/blockbench/internal/logging/loki"
)

// Build info, set with -ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
	logJSON    bool

	cfg        *config.Config
	lokiWriter *loki.Writer
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "blockbench",
		Short: "Replication workload driver for content-addressed block storage",
		Long: `blockbench uploads random blocks to every node of a storage cluster, then
keeps each block at the target replication factor: under-replicated blocks are
copied to one more node per pass through network fetches, surplus copies are
deleted. A ledger tracks which node is believed to hold which block and the
aggregated picture is reported periodically.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(cmd)
			if err != nil {
				return err
			}
			setupLogging(cfg)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if lokiWriter != nil {
				lokiWriter.Stop()
				lokiWriter = nil
			}
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: built-in local cluster)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON instead of console output")

	root.AddCommand(newRunCmd())
	root.AddCommand(newNodesCmd())
	root.AddCommand(newSDCmd())
	root.AddCommand(newConfigCmd())
	return root
}

// loadConfig reads the config file, or the defaults when none is given, and
// applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	c := config.Default()
	if configPath != "" {
		var err error
		if c, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("log-level") {
		c.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-json") {
		c.Logging.JSON = logJSON
	}
	return c, nil
}

func setupLogging(c *config.Config) {
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var console zerolog.LevelWriter = zerolog.MultiLevelWriter(os.Stderr)
	if !c.Logging.JSON {
		console = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}
	log.Logger = zerolog.New(console).With().Timestamp().Logger()

	if c.Logging.Loki.URL == "" {
		return
	}
	lokiWriter = loki.NewWriter(loki.Config{
		URL:           c.Logging.Loki.URL,
		Labels:        c.Logging.Loki.Labels,
		BatchSize:     c.Logging.Loki.BatchSize,
		FlushInterval: c.Logging.Loki.FlushInterval.Std(),
	})
	lokiWriter.Start()

	// Loki always receives JSON lines, whatever the console shows.
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, lokiWriter)).With().Timestamp().Logger()
	log.Info().Str("url", c.Logging.Loki.URL).Msg("Loki log shipping enabled")
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Info().Msg("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
