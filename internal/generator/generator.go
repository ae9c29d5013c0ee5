// Package generator seeds the cluster with random blocks before the
// replication and pruning drivers start.
package generator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/blockbench/internal/ledger"
	"github.com/tunnelmesh/blockbench/internal/registry"
	"github.com/tunnelmesh/blockbench/pkg/bytesize"
)

// Storer uploads a block to a node and returns the CID the node assigned.
type Storer interface {
	Store(ctx context.Context, node registry.Node, data []byte) (string, error)
}

// Config controls a generation phase.
type Config struct {
	BlocksPerNode int
	MinSize       int64
	MaxSize       int64
	MaxConcurrent int // upper bound on in-flight stores, <= 0 means unbounded
}

// Result summarises a generation phase.
type Result struct {
	Attempted int            `json:"attempted"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Bytes     int64          `json:"bytes"`
	PerNode   map[string]int `json:"per_node"`
	Duration  time.Duration  `json:"duration"`
}

// Generator stores BlocksPerNode random blocks on every registered node.
type Generator struct {
	store  Storer
	ledger *ledger.Ledger
	nodes  *registry.Registry
	cfg    Config
	logger zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	// OnStore is called after every store attempt. Used to feed metrics.
	OnStore func(node string, size int64, err error)
}

// New creates a generator. rng must not be shared with other goroutines
// outside the generator.
func New(store Storer, l *ledger.Ledger, nodes *registry.Registry, cfg Config, rng *rand.Rand, logger zerolog.Logger) *Generator {
	if cfg.MinSize < 1 {
		cfg.MinSize = 1
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = cfg.MinSize
	}
	return &Generator{
		store:  store,
		ledger: l,
		nodes:  nodes,
		cfg:    cfg,
		rng:    rng,
		logger: logger.With().Str("component", "generator").Logger(),
	}
}

// payload returns a block of uniformly random size in [MinSize, MaxSize].
func (g *Generator) payload() []byte {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()

	size := g.cfg.MinSize
	if span := g.cfg.MaxSize - g.cfg.MinSize; span > 0 {
		size += g.rng.Int63n(span + 1)
	}
	data := make([]byte, size)
	_, _ = g.rng.Read(data)
	return data
}

// Run issues every store concurrently and returns once all of them have
// resolved. Failed stores are logged and counted and never reach the ledger.
// Run only returns an error if ctx was cancelled.
func (g *Generator) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	nodes := g.nodes.Nodes()

	res := Result{PerNode: make(map[string]int, len(nodes))}
	for _, n := range nodes {
		res.PerNode[n.Name] = 0
	}
	var mu sync.Mutex

	g.logger.Info().
		Int("nodes", len(nodes)).
		Int("blocks_per_node", g.cfg.BlocksPerNode).
		Str("size_min", bytesize.Format(g.cfg.MinSize)).
		Str("size_max", bytesize.Format(g.cfg.MaxSize)).
		Msg("Generating blocks")

	eg, egCtx := errgroup.WithContext(ctx)
	if g.cfg.MaxConcurrent > 0 {
		eg.SetLimit(g.cfg.MaxConcurrent)
	}

	for _, node := range nodes {
		for i := 0; i < g.cfg.BlocksPerNode; i++ {
			data := g.payload()
			eg.Go(func() error {
				cid, err := g.store.Store(egCtx, node, data)
				if g.OnStore != nil {
					g.OnStore(node.Name, int64(len(data)), err)
				}

				mu.Lock()
				defer mu.Unlock()
				res.Attempted++
				if err != nil {
					res.Failed++
					g.logger.Warn().Err(err).Str("node", node.Name).Int("size", len(data)).Msg("Block upload failed")
					return nil
				}
				g.ledger.RecordGenerated(cid, node.Name, int64(len(data)))
				res.Succeeded++
				res.Bytes += int64(len(data))
				res.PerNode[node.Name]++
				g.logger.Debug().Str("cid", cid).Str("node", node.Name).Int("size", len(data)).Msg("Block uploaded")
				return nil
			})
		}
	}
	_ = eg.Wait()

	res.Duration = time.Since(start)
	g.logger.Info().
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Str("bytes", bytesize.Format(res.Bytes)).
		Dur("duration", res.Duration).
		Msg("Generation complete")

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}
