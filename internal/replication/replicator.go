package replication

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tunnelmesh/blockbench/internal/ledger"
	"github.com/tunnelmesh/blockbench/internal/registry"
)

// ReplicatorConfig configures a Replicator.
type ReplicatorConfig struct {
	Factor        int
	Interval      time.Duration
	MaxConcurrent int
	// RetireAfterFailures marks a block pruned once this many consecutive
	// fetches of it have failed. 0 disables retirement.
	RetireAfterFailures int
}

// ReplicatorStats holds cumulative replicator statistics.
type ReplicatorStats struct {
	PassesTotal      uint64 `json:"passes_total"`
	FetchesAttempted uint64 `json:"fetches_attempted"`
	FetchesSucceeded uint64 `json:"fetches_succeeded"`
	FetchesFailed    uint64 `json:"fetches_failed"`
	BlocksRetired    uint64 `json:"blocks_retired"`
}

// ReplicationPass describes one replication pass.
type ReplicationPass struct {
	Scanned      int
	UnderTarget  int
	Fetched      int
	Failed       int
	Leased       int // skipped because another driver held the lease
	NoCandidates int
	Retired      int
	Duration     time.Duration
}

// Replicator periodically copies under-replicated blocks to one more node.
// Each pass issues at most one fetch per block, so the believed replica count
// of a block grows by at most one per pass.
type Replicator struct {
	fetcher Fetcher
	ledger  *ledger.Ledger
	nodes   *registry.Registry
	cfg     ReplicatorConfig
	rng     *lockedRand
	logger  zerolog.Logger
	lc      lifecycle

	passesTotal      atomic.Uint64
	fetchesAttempted atomic.Uint64
	fetchesSucceeded atomic.Uint64
	fetchesFailed    atomic.Uint64
	blocksRetired    atomic.Uint64

	// OnFetch is called after every fetch attempt with its outcome.
	OnFetch func(node string, err error)
	// OnRetire is called when a block is marked pruned after repeated failures.
	OnRetire func(cid string)
	// OnPassComplete is called after each pass.
	OnPassComplete func(pass ReplicationPass, stats ReplicatorStats)
}

// NewReplicator creates a replicator. rng is owned by the replicator afterwards.
func NewReplicator(fetcher Fetcher, l *ledger.Ledger, nodes *registry.Registry, cfg ReplicatorConfig, rng *rand.Rand, logger zerolog.Logger) *Replicator {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	return &Replicator{
		fetcher: fetcher,
		ledger:  l,
		nodes:   nodes,
		cfg:     cfg,
		rng:     &lockedRand{rng: rng},
		logger:  logger.With().Str("component", "replicator").Logger(),
	}
}

// Start starts the background replication loop.
func (r *Replicator) Start(ctx context.Context) {
	r.lc.start(ctx, r.cfg.Interval, func(ctx context.Context) { r.RunPass(ctx) })
	r.logger.Info().
		Int("factor", r.cfg.Factor).
		Dur("interval", r.cfg.Interval).
		Msg("Replicator started")
}

// Stop stops the loop and waits for the in-flight pass to finish.
func (r *Replicator) Stop() {
	r.lc.stop()
	r.logger.Info().Msg("Replicator stopped")
}

// GetStats returns replicator statistics.
func (r *Replicator) GetStats() ReplicatorStats {
	return ReplicatorStats{
		PassesTotal:      r.passesTotal.Load(),
		FetchesAttempted: r.fetchesAttempted.Load(),
		FetchesSucceeded: r.fetchesSucceeded.Load(),
		FetchesFailed:    r.fetchesFailed.Load(),
		BlocksRetired:    r.blocksRetired.Load(),
	}
}

// pickTarget chooses a node that does not hold cid, uniformly at random.
func (r *Replicator) pickTarget(cid string) (registry.Node, error) {
	candidates := r.nodes.Without(r.ledger.Replicas(cid))
	if len(candidates) == 0 {
		return registry.Node{}, ErrNoCandidates
	}
	return candidates[r.rng.Intn(len(candidates))], nil
}

// RunPass runs a single replication pass and returns once every fetch it
// issued has resolved.
func (r *Replicator) RunPass(ctx context.Context) ReplicationPass {
	start := time.Now()
	var pass ReplicationPass
	var fetched, failed, retired atomic.Int64

	sem := semaphore.NewWeighted(maxConcurrent(r.cfg.MaxConcurrent))
	var wg sync.WaitGroup

	for cid := range r.ledger.ActiveCIDs() {
		if ctx.Err() != nil {
			break
		}
		pass.Scanned++

		if r.ledger.ReplicaCount(cid) >= r.cfg.Factor {
			continue
		}
		pass.UnderTarget++

		if !r.ledger.TryAcquire(cid) {
			pass.Leased++
			continue
		}

		// Re-read under the lease; the pruner may have finished in between.
		if r.ledger.ReplicaCount(cid) >= r.cfg.Factor || r.ledger.IsPruned(cid) {
			r.ledger.Release(cid)
			continue
		}

		target, err := r.pickTarget(cid)
		if errors.Is(err, ErrNoCandidates) {
			r.ledger.Release(cid)
			pass.NoCandidates++
			r.logger.Debug().Str("cid", cid).Msg("No candidate node for block")
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			r.ledger.Release(cid)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer r.ledger.Release(cid)

			switch r.fetch(ctx, cid, target) {
			case outcomeFetched:
				fetched.Add(1)
			case outcomeRetired:
				failed.Add(1)
				retired.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	pass.Fetched = int(fetched.Load())
	pass.Failed = int(failed.Load())
	pass.Retired = int(retired.Load())
	pass.Duration = time.Since(start)
	r.passesTotal.Add(1)

	if pass.Fetched > 0 || pass.Failed > 0 {
		r.logger.Debug().
			Int("scanned", pass.Scanned).
			Int("under_target", pass.UnderTarget).
			Int("fetched", pass.Fetched).
			Int("failed", pass.Failed).
			Dur("duration", pass.Duration).
			Msg("Replication pass complete")
	}

	if r.OnPassComplete != nil {
		r.OnPassComplete(pass, r.GetStats())
	}
	return pass
}

// fetch asks target to pull cid and records the outcome. A fetch interrupted
// by ctx is reported as cancelled and leaves the failure counters alone.
func (r *Replicator) fetch(ctx context.Context, cid string, target registry.Node) outcome {
	r.fetchesAttempted.Add(1)
	n, err := r.fetcher.Fetch(ctx, target, cid)
	if r.OnFetch != nil {
		r.OnFetch(target.Name, err)
	}

	if err == nil {
		r.ledger.RecordStore(cid, target.Name)
		r.fetchesSucceeded.Add(1)
		r.logger.Debug().
			Str("cid", cid).
			Str("node", target.Name).
			Int64("bytes", n).
			Int("replicas", r.ledger.ReplicaCount(cid)).
			Msg("Block replicated")
		return outcomeFetched
	}

	if ctx.Err() != nil {
		r.logger.Debug().Err(err).Str("cid", cid).Str("node", target.Name).Msg("Block fetch interrupted")
		return outcomeCancelled
	}

	r.fetchesFailed.Add(1)
	r.logger.Warn().Err(err).Str("cid", cid).Str("node", target.Name).Msg("Block fetch failed")

	failures := r.ledger.RecordFetchFailure(cid)
	if r.cfg.RetireAfterFailures > 0 && failures >= r.cfg.RetireAfterFailures {
		if r.ledger.MarkPruned(cid) {
			r.blocksRetired.Add(1)
			r.logger.Warn().
				Str("cid", cid).
				Int("consecutive_failures", failures).
				Msg("Block retired after repeated fetch failures")
			if r.OnRetire != nil {
				r.OnRetire(cid)
			}
			return outcomeRetired
		}
	}
	return outcomeFailed
}
