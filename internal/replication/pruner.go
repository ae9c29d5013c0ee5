package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tunnelmesh/blockbench/internal/ledger"
	"github.com/tunnelmesh/blockbench/internal/registry"
)

// PrunerConfig configures a Pruner.
type PrunerConfig struct {
	Factor        int
	Interval      time.Duration
	MaxConcurrent int
}

// PrunerStats holds cumulative pruner statistics.
type PrunerStats struct {
	PassesTotal      uint64 `json:"passes_total"`
	DeletesAttempted uint64 `json:"deletes_attempted"`
	DeletesSucceeded uint64 `json:"deletes_succeeded"`
	DeletesFailed    uint64 `json:"deletes_failed"`
	BlocksPruned     uint64 `json:"blocks_pruned"`
}

// PruningPass describes one pruning pass.
type PruningPass struct {
	Scanned    int
	OverTarget int
	Deleted    int
	Failed     int
	Leased     int
	Duration   time.Duration
}

// Pruner periodically deletes surplus copies of over-replicated blocks.
//
// For each block above the target it takes one sorted snapshot of the replica
// set, keeps the first Factor names and deletes the rest. Kept nodes are never
// contacted, so a pass cannot take the believed count below Factor.
type Pruner struct {
	deleter Deleter
	ledger  *ledger.Ledger
	nodes   *registry.Registry
	cfg     PrunerConfig
	logger  zerolog.Logger
	lc      lifecycle

	passesTotal      atomic.Uint64
	deletesAttempted atomic.Uint64
	deletesSucceeded atomic.Uint64
	deletesFailed    atomic.Uint64
	blocksPruned     atomic.Uint64

	// OnDelete is called after every delete attempt with its outcome.
	OnDelete func(node string, err error)
	// OnPassComplete is called after each pass.
	OnPassComplete func(pass PruningPass, stats PrunerStats)
}

// NewPruner creates a pruner.
func NewPruner(deleter Deleter, l *ledger.Ledger, nodes *registry.Registry, cfg PrunerConfig, logger zerolog.Logger) *Pruner {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Pruner{
		deleter: deleter,
		ledger:  l,
		nodes:   nodes,
		cfg:     cfg,
		logger:  logger.With().Str("component", "pruner").Logger(),
	}
}

// Start starts the background pruning loop.
func (p *Pruner) Start(ctx context.Context) {
	p.lc.start(ctx, p.cfg.Interval, func(ctx context.Context) { p.RunPass(ctx) })
	p.logger.Info().
		Int("factor", p.cfg.Factor).
		Dur("interval", p.cfg.Interval).
		Msg("Pruner started")
}

// Stop stops the loop and waits for the in-flight pass to finish.
func (p *Pruner) Stop() {
	p.lc.stop()
	p.logger.Info().Msg("Pruner stopped")
}

// GetStats returns pruner statistics.
func (p *Pruner) GetStats() PrunerStats {
	return PrunerStats{
		PassesTotal:      p.passesTotal.Load(),
		DeletesAttempted: p.deletesAttempted.Load(),
		DeletesSucceeded: p.deletesSucceeded.Load(),
		DeletesFailed:    p.deletesFailed.Load(),
		BlocksPruned:     p.blocksPruned.Load(),
	}
}

// Surplus splits a sorted replica set into the names kept and the names to
// delete for the given factor.
func Surplus(replicas []string, factor int) (keep, drop []string) {
	if len(replicas) <= factor {
		return replicas, nil
	}
	return replicas[:factor], replicas[factor:]
}

// RunPass runs a single pruning pass and returns once every delete it issued
// has resolved.
func (p *Pruner) RunPass(ctx context.Context) PruningPass {
	start := time.Now()
	var pass PruningPass
	var deleted, failed atomic.Int64

	sem := semaphore.NewWeighted(maxConcurrent(p.cfg.MaxConcurrent))
	var wg sync.WaitGroup

	for cid := range p.ledger.ActiveCIDs() {
		if ctx.Err() != nil {
			break
		}
		pass.Scanned++

		if p.ledger.ReplicaCount(cid) <= p.cfg.Factor {
			continue
		}
		pass.OverTarget++

		if !p.ledger.TryAcquire(cid) {
			pass.Leased++
			p.logger.Debug().Str("cid", cid).Msg("Block busy, pruning deferred")
			continue
		}

		// One snapshot per block, taken under the lease.
		_, drop := Surplus(p.ledger.Replicas(cid), p.cfg.Factor)
		if len(drop) == 0 {
			p.ledger.Release(cid)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			p.ledger.Release(cid)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer p.ledger.Release(cid)

			ok, bad := p.prune(ctx, cid, drop)
			deleted.Add(int64(ok))
			failed.Add(int64(bad))
		}()
	}
	wg.Wait()

	pass.Deleted = int(deleted.Load())
	pass.Failed = int(failed.Load())
	pass.Duration = time.Since(start)
	p.passesTotal.Add(1)

	if pass.Deleted > 0 || pass.Failed > 0 {
		p.logger.Debug().
			Int("scanned", pass.Scanned).
			Int("over_target", pass.OverTarget).
			Int("deleted", pass.Deleted).
			Int("failed", pass.Failed).
			Dur("duration", pass.Duration).
			Msg("Pruning pass complete")
	}

	if p.OnPassComplete != nil {
		p.OnPassComplete(pass, p.GetStats())
	}
	return pass
}

// prune deletes cid from every node in drop and returns the number of
// confirmed and failed deletes. A delete interrupted by ctx counts as neither.
func (p *Pruner) prune(ctx context.Context, cid string, drop []string) (int, int) {
	var ok, bad int
	for _, node := range p.nodes.Resolve(drop) {
		if ctx.Err() != nil {
			break
		}
		p.deletesAttempted.Add(1)
		err := p.deleter.Delete(ctx, node, cid)
		if p.OnDelete != nil {
			p.OnDelete(node.Name, err)
		}
		if err != nil && ctx.Err() != nil {
			p.logger.Debug().Err(err).Str("cid", cid).Str("node", node.Name).Msg("Surplus delete interrupted")
			break
		}
		if err != nil {
			bad++
			p.deletesFailed.Add(1)
			p.logger.Warn().Err(err).Str("cid", cid).Str("node", node.Name).Msg("Surplus delete failed")
			continue
		}
		p.ledger.RecordDelete(cid, node.Name)
		ok++
		p.deletesSucceeded.Add(1)
		p.logger.Debug().Str("cid", cid).Str("node", node.Name).Msg("Surplus copy deleted")
	}

	if ok > 0 {
		p.ledger.NotePruneEvent(cid)
		p.blocksPruned.Add(1)
		p.logger.Info().
			Str("cid", cid).
			Int("deleted", ok).
			Int("replicas", p.ledger.ReplicaCount(cid)).
			Msg("Pruned surplus replicas")
	}
	return ok, bad
}
