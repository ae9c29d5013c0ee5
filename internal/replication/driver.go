// Package replication contains the two background drivers that steer the
// cluster towards the target replication factor: the Replicator adds copies of
// under-replicated blocks and the Pruner removes surplus copies.
//
// Both drivers only change the ledger after a node confirmed the operation, and
// both take the per-CID ledger lease for the whole decide-and-act sequence on a
// block.
package replication

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/tunnelmesh/blockbench/internal/registry"
)

// ErrNoCandidates is returned when every registered node already holds a block.
var ErrNoCandidates = errors.New("no candidate nodes for replication")

// Fetcher asks a node to pull a block from the network.
type Fetcher interface {
	Fetch(ctx context.Context, node registry.Node, cid string) (int64, error)
}

// Deleter removes a block from a node.
type Deleter interface {
	Delete(ctx context.Context, node registry.Node, cid string) error
}

const defaultMaxConcurrent = 16

// lockedRand is a *rand.Rand safe for use from several goroutines.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

// lifecycle is the Start/Stop plumbing shared by the drivers.
type lifecycle struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// start runs pass immediately and then on every tick until ctx is cancelled
// or stop is called. Starting an already running driver is a no-op.
func (lc *lifecycle) start(ctx context.Context, interval time.Duration, pass func(context.Context)) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.cancel != nil {
		return
	}
	ctx, lc.cancel = context.WithCancel(ctx)

	lc.wg.Add(1)
	go func() {
		defer lc.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			pass(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// stop cancels the loop and waits for the current pass to return. A stopped
// driver can be started again.
func (lc *lifecycle) stop() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.cancel == nil {
		return
	}
	lc.cancel()
	lc.cancel = nil
	lc.wg.Wait()
}

func maxConcurrent(n int) int64 {
	if n <= 0 {
		return defaultMaxConcurrent
	}
	return int64(n)
}

// outcome is how a single fetch resolved.
type outcome int

const (
	outcomeFetched outcome = iota
	outcomeFailed
	outcomeRetired
	// outcomeCancelled means the run was shutting down. It is neither a
	// success nor a failure of the block.
	outcomeCancelled
)
