package promsd

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blockbench/internal/nodeapi"
	"github.com/tunnelmesh/blockbench/internal/registry"
)

// NodeProber checks that a node answers its stats endpoint.
type NodeProber interface {
	Stats(ctx context.Context, node registry.Node) (nodeapi.Stats, error)
}

// Generator generates Prometheus file_sd target files from the node registry.
type Generator struct {
	config Config
	nodes  *registry.Registry
	prober NodeProber
	logger zerolog.Logger
}

// NewGenerator creates a new Generator. prober may be nil when
// cfg.OnlyReachable is false.
func NewGenerator(cfg Config, nodes *registry.Registry, prober NodeProber, logger zerolog.Logger) *Generator {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Generator{
		config: cfg,
		nodes:  nodes,
		prober: prober,
		logger: logger.With().Str("component", "promsd").Logger(),
	}
}

// NodesToTargets converts registry nodes to Prometheus targets. Nodes present
// in down are skipped.
func NodesToTargets(nodes []registry.Node, down map[string]bool, labels map[string]string) []Target {
	var targets []Target
	for _, node := range nodes {
		if down[node.Name] {
			continue
		}
		u, err := url.Parse(node.Endpoint)
		if err != nil || u.Host == "" {
			continue
		}
		l := map[string]string{
			"node":       node.Name,
			"role":       "storage",
			"__scheme__": u.Scheme,
		}
		maps.Copy(l, labels)
		targets = append(targets, Target{
			Targets: []string{u.Host},
			Labels:  l,
		})
	}
	return targets
}

// WriteTargets writes targets to a file atomically.
func WriteTargets(targets []Target, outputFile string) error {
	if targets == nil {
		targets = []Target{}
	}
	data, err := json.MarshalIndent(targets, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}

	// Write atomically using temp file
	tmpFile := outputFile + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpFile, outputFile); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// probe returns the names of nodes that did not answer.
func (g *Generator) probe(ctx context.Context) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, g.config.ProbeTimeout)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	down := make(map[string]bool)
	for _, node := range g.nodes.Nodes() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.prober.Stats(ctx, node); err != nil {
				g.logger.Debug().Err(err).Str("node", node.Name).Msg("Node excluded from targets")
				mu.Lock()
				down[node.Name] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return down
}

// Targets builds the current target list.
func (g *Generator) Targets(ctx context.Context) []Target {
	var down map[string]bool
	if g.config.OnlyReachable && g.prober != nil {
		down = g.probe(ctx)
	}
	targets := NodesToTargets(g.nodes.Nodes(), down, g.config.Labels)

	if g.config.HarnessTarget != "" {
		l := map[string]string{"role": "harness"}
		maps.Copy(l, g.config.Labels)
		targets = append(targets, Target{Targets: []string{g.config.HarnessTarget}, Labels: l})
	}
	return targets
}

// Generate builds the targets and writes the targets file.
func (g *Generator) Generate(ctx context.Context) (int, error) {
	targets := g.Targets(ctx)
	if err := WriteTargets(targets, g.config.OutputFile); err != nil {
		return 0, err
	}
	return len(targets), nil
}

// Run regenerates the targets file every PollInterval until ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	interval := g.config.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if count, err := g.Generate(ctx); err != nil {
			g.logger.Error().Err(err).Msg("Failed to generate targets")
		} else {
			g.logger.Info().Int("targets", count).Str("file", g.config.OutputFile).Msg("Targets written")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Config returns the generator's configuration.
func (g *Generator) Config() Config {
	return g.config
}
