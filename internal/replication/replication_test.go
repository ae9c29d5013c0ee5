package replication

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/blockbench/internal/ledger"
	"github.com/tunnelmesh/blockbench/internal/nodeapi"
	"github.com/tunnelmesh/blockbench/internal/registry"
	"github.com/tunnelmesh/blockbench/testutil"
)

type fixture struct {
	cluster *testutil.FakeCluster
	nodes   *registry.Registry
	ledger  *ledger.Ledger
	client  *nodeapi.Client
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	cluster := testutil.NewFakeCluster(t, names...)
	nodes, err := registry.New(cluster.Registry())
	require.NoError(t, err)
	return &fixture{
		cluster: cluster,
		nodes:   nodes,
		ledger:  ledger.New(),
		client:  nodeapi.NewClient(nodeapi.Config{Timeout: 5 * time.Second}),
	}
}

// seed stores a block on origin and records it as generated.
func (f *fixture) seed(origin string, content string) string {
	cid := f.cluster.Node(origin).Put([]byte(content))
	f.ledger.RecordGenerated(cid, origin, int64(len(content)))
	return cid
}

// spread stores a block on every listed node and records all of them.
func (f *fixture) spread(content string, holders ...string) string {
	cid := f.seed(holders[0], content)
	for _, h := range holders[1:] {
		f.cluster.Node(h).Put([]byte(content))
		f.ledger.RecordStore(cid, h)
	}
	return cid
}

func (f *fixture) replicator(cfg ReplicatorConfig) *Replicator {
	return NewReplicator(f.client, f.ledger, f.nodes, cfg, rand.New(rand.NewSource(1)), zerolog.Nop())
}

func (f *fixture) pruner(cfg PrunerConfig) *Pruner {
	return NewPruner(f.client, f.ledger, f.nodes, cfg, zerolog.Nop())
}

func TestReplicator_OneCopyPerPass(t *testing.T) {
	f := newFixture(t, "bootstrap", "node1", "node2", "node3")
	cid := f.seed("bootstrap", "block-one")
	r := f.replicator(ReplicatorConfig{Factor: 3})
	ctx := context.Background()

	pass := r.RunPass(ctx)
	assert.Equal(t, 1, pass.Fetched)
	assert.Equal(t, 2, f.ledger.ReplicaCount(cid))
	assert.Len(t, f.cluster.Holders(cid), 2)

	r.RunPass(ctx)
	assert.Equal(t, 3, f.ledger.ReplicaCount(cid))

	for i := 0; i < 5; i++ {
		pass = r.RunPass(ctx)
		assert.Equal(t, 0, pass.UnderTarget)
		assert.Equal(t, 0, pass.Fetched)
	}
	assert.Equal(t, 3, f.ledger.ReplicaCount(cid))
	assert.Len(t, f.cluster.Holders(cid), 3, "the fourth node never receives the block")
	assert.ElementsMatch(t, f.cluster.Holders(cid), f.ledger.Replicas(cid))

	stats := r.GetStats()
	assert.Equal(t, uint64(7), stats.PassesTotal)
	assert.Equal(t, uint64(2), stats.FetchesSucceeded)
}

func TestReplicator_Converges(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d", "e")
	var cids []string
	for i := 0; i < 25; i++ {
		origin := f.nodes.Names()[i%5]
		cids = append(cids, f.seed(origin, fmt.Sprintf("block-%d", i)))
	}
	r := f.replicator(ReplicatorConfig{Factor: 3, MaxConcurrent: 4})

	for i := 0; i < 2; i++ {
		r.RunPass(context.Background())
	}
	for _, cid := range cids {
		assert.Equal(t, 3, f.ledger.ReplicaCount(cid), cid)
		assert.ElementsMatch(t, f.cluster.Holders(cid), f.ledger.Replicas(cid))
	}
}

func TestReplicator_FailedFetchLeavesLedger(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.cluster.Node("b").Fail(testutil.OpFetch, http.StatusServiceUnavailable)
	cid := f.seed("a", "payload")

	var outcomes []error
	r := f.replicator(ReplicatorConfig{Factor: 2})
	r.OnFetch = func(node string, err error) {
		assert.Equal(t, "b", node)
		outcomes = append(outcomes, err)
	}

	pass := r.RunPass(context.Background())
	assert.Equal(t, 1, pass.Failed)
	assert.Equal(t, []string{"a"}, f.ledger.Replicas(cid))
	require.Len(t, outcomes, 1)
	assert.Error(t, outcomes[0])

	f.cluster.Node("b").Fail(testutil.OpFetch, 0)
	r.RunPass(context.Background())
	assert.Equal(t, []string{"a", "b"}, f.ledger.Replicas(cid))

	rec, _ := f.ledger.Get(cid)
	assert.Equal(t, 0, rec.FetchFailures, "a confirmed copy resets the failure streak")
}

func TestReplicator_Retirement(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.cluster.Node("b").Fail(testutil.OpFetch, http.StatusInternalServerError)
	f.cluster.Node("c").Fail(testutil.OpFetch, http.StatusInternalServerError)
	cid := f.seed("a", "doomed")
	other := f.seed("a", "healthy")
	f.ledger.RecordStore(other, "b")

	var retired []string
	r := f.replicator(ReplicatorConfig{Factor: 2, RetireAfterFailures: 2})
	r.OnRetire = func(c string) { retired = append(retired, c) }

	r.RunPass(context.Background())
	assert.False(t, f.ledger.IsPruned(cid))

	pass := r.RunPass(context.Background())
	assert.Equal(t, 1, pass.Retired)
	assert.True(t, f.ledger.IsPruned(cid))
	assert.Equal(t, []string{cid}, retired)
	assert.Equal(t, uint64(1), r.GetStats().BlocksRetired)

	var active []string
	for c := range f.ledger.ActiveCIDs() {
		active = append(active, c)
	}
	assert.Equal(t, []string{other}, active)

	pass = r.RunPass(context.Background())
	assert.Equal(t, 1, pass.Scanned)
}

func TestReplicator_RetirementDisabled(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.cluster.Node("b").Fail(testutil.OpFetch, http.StatusInternalServerError)
	cid := f.seed("a", "stubborn")

	r := f.replicator(ReplicatorConfig{Factor: 2})
	for i := 0; i < 5; i++ {
		r.RunPass(context.Background())
	}
	assert.False(t, f.ledger.IsPruned(cid))
	rec, _ := f.ledger.Get(cid)
	assert.Equal(t, 5, rec.FetchFailures)
}

func TestReplicator_SkipsLeasedBlocks(t *testing.T) {
	f := newFixture(t, "a", "b")
	cid := f.seed("a", "busy")
	require.True(t, f.ledger.TryAcquire(cid))

	r := f.replicator(ReplicatorConfig{Factor: 2})
	pass := r.RunPass(context.Background())
	assert.Equal(t, 1, pass.Leased)
	assert.Equal(t, 0, f.cluster.Node("b").Calls(testutil.OpFetch))

	f.ledger.Release(cid)
	r.RunPass(context.Background())
	assert.Equal(t, 2, f.ledger.ReplicaCount(cid))
}

// blockingNode holds every request until its context ends.
type blockingNode struct {
	started chan string
}

func newBlockingNode() *blockingNode {
	return &blockingNode{started: make(chan string, 16)}
}

func (b *blockingNode) Fetch(ctx context.Context, node registry.Node, _ string) (int64, error) {
	b.started <- node.Name
	<-ctx.Done()
	return 0, ctx.Err()
}

func (b *blockingNode) Delete(ctx context.Context, node registry.Node, _ string) error {
	b.started <- node.Name
	<-ctx.Done()
	return ctx.Err()
}

func TestReplicator_CancelledFetchIsNotAFailure(t *testing.T) {
	f := newFixture(t, "a", "b")
	cid := f.seed("a", "late")

	node := newBlockingNode()
	r := NewReplicator(node, f.ledger, f.nodes, ReplicatorConfig{Factor: 2, RetireAfterFailures: 1},
		rand.New(rand.NewSource(1)), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-node.started
		cancel()
	}()

	pass := r.RunPass(ctx)

	assert.Equal(t, 0, pass.Fetched)
	assert.Equal(t, 0, pass.Failed)
	assert.Equal(t, 0, pass.Retired)

	stats := r.GetStats()
	assert.Equal(t, uint64(1), stats.FetchesAttempted)
	assert.Equal(t, uint64(0), stats.FetchesFailed)
	assert.Equal(t, uint64(0), stats.BlocksRetired)

	assert.Equal(t, 1, f.ledger.ReplicaCount(cid))
	assert.False(t, f.ledger.IsPruned(cid))
	rec, _ := f.ledger.Get(cid)
	assert.Equal(t, 0, rec.FetchFailures)
	assert.True(t, f.ledger.TryAcquire(cid), "lease is released")
}

// countingFetcher records the highest number of fetches in flight at once.
type countingFetcher struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingFetcher) Fetch(context.Context, registry.Node, string) (int64, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return 0, fmt.Errorf("node busy")
}

func TestReplicator_BoundsConcurrentFetches(t *testing.T) {
	f := newFixture(t, "a", "b")
	for i := 0; i < 12; i++ {
		f.seed("a", fmt.Sprintf("bounded-%d", i))
	}

	fetcher := &countingFetcher{}
	r := NewReplicator(fetcher, f.ledger, f.nodes, ReplicatorConfig{Factor: 2, MaxConcurrent: 3},
		rand.New(rand.NewSource(1)), zerolog.Nop())

	pass := r.RunPass(context.Background())

	assert.Equal(t, 12, pass.Failed)
	assert.Equal(t, uint64(12), r.GetStats().FetchesAttempted)
	assert.LessOrEqual(t, fetcher.peak.Load(), int32(3))
	assert.Greater(t, fetcher.peak.Load(), int32(1), "fetches run in parallel")
}

func TestReplicator_PickTarget(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	cid := f.spread("everywhere", "a", "b", "c")
	r := f.replicator(ReplicatorConfig{Factor: 3})

	_, err := r.pickTarget(cid)
	assert.ErrorIs(t, err, ErrNoCandidates)

	f.ledger.RecordDelete(cid, "b")
	node, err := r.pickTarget(cid)
	require.NoError(t, err)
	assert.Equal(t, "b", node.Name)
}

func TestReplicator_StartStop(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	cid := f.seed("a", "looped")

	var passes atomic.Int32
	r := f.replicator(ReplicatorConfig{Factor: 3, Interval: 10 * time.Millisecond})
	r.OnPassComplete = func(ReplicationPass, ReplicatorStats) { passes.Add(1) }

	r.Start(context.Background())
	ok := testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		return f.ledger.ReplicaCount(cid) == 3
	})
	r.Stop()

	assert.True(t, ok)
	assert.GreaterOrEqual(t, passes.Load(), int32(2))

	after := passes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, passes.Load(), "no passes after Stop")
}

func TestReplicator_RestartAfterStop(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	cid := f.seed("a", "restarted")

	var passes atomic.Int32
	r := f.replicator(ReplicatorConfig{Factor: 3, Interval: 10 * time.Millisecond})
	r.OnPassComplete = func(ReplicationPass, ReplicatorStats) { passes.Add(1) }

	r.Start(context.Background())
	require.True(t, testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return passes.Load() >= 1
	}))
	r.Stop()

	stopped := passes.Load()
	r.Start(context.Background())
	defer r.Stop()

	assert.True(t, testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return passes.Load() > stopped
	}), "passes resume after a second Start")
	assert.True(t, testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		return f.ledger.ReplicaCount(cid) == 3
	}))
}

func TestSurplus(t *testing.T) {
	tests := []struct {
		name     string
		replicas []string
		factor   int
		keep     []string
		drop     []string
	}{
		{"under", []string{"a"}, 3, []string{"a"}, nil},
		{"exact", []string{"a", "b", "c"}, 3, []string{"a", "b", "c"}, nil},
		{"over by one", []string{"a", "b", "c", "d"}, 3, []string{"a", "b", "c"}, []string{"d"}},
		{"over by two", []string{"a", "b", "c", "d"}, 2, []string{"a", "b"}, []string{"c", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keep, drop := Surplus(tt.replicas, tt.factor)
			assert.Equal(t, tt.keep, keep)
			assert.Equal(t, tt.drop, drop)
		})
	}
}

func TestPruner_RemovesSurplus(t *testing.T) {
	f := newFixture(t, "bootstrap", "node1", "node2", "node3")
	cid := f.spread("over", "node3", "bootstrap", "node2", "node1")
	require.Equal(t, 4, f.ledger.ReplicaCount(cid))

	p := f.pruner(PrunerConfig{Factor: 3})
	pass := p.RunPass(context.Background())

	assert.Equal(t, 1, pass.OverTarget)
	assert.Equal(t, 1, pass.Deleted)
	assert.Equal(t, []string{"bootstrap", "node1", "node2"}, f.ledger.Replicas(cid))
	assert.False(t, f.cluster.Node("node3").Has(cid))
	assert.Equal(t, 0, f.cluster.Node("bootstrap").Calls(testutil.OpDelete), "kept nodes are never contacted")

	rec, _ := f.ledger.Get(cid)
	assert.Equal(t, 1, rec.PruneEvents)
	assert.False(t, rec.Pruned, "pruning surplus does not retire the block")

	pass = p.RunPass(context.Background())
	assert.Equal(t, 0, pass.OverTarget)
}

func TestPruner_DeleteRecordedOnlyAfterConfirmation(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	cid := f.spread("over", "a", "b", "c", "d")
	f.cluster.Node("d").Fail(testutil.OpDelete, http.StatusInternalServerError)

	var attempts atomic.Int32
	p := f.pruner(PrunerConfig{Factor: 3})
	p.OnDelete = func(node string, err error) { attempts.Add(1) }

	pass := p.RunPass(context.Background())
	assert.Equal(t, 1, pass.Failed)
	assert.Equal(t, 4, f.ledger.ReplicaCount(cid))
	assert.True(t, f.cluster.Node("d").Has(cid))

	f.cluster.Node("d").Fail(testutil.OpDelete, 0)
	pass = p.RunPass(context.Background())
	assert.Equal(t, 1, pass.Deleted)
	assert.Equal(t, 3, f.ledger.ReplicaCount(cid))
	assert.Equal(t, int32(2), attempts.Load())

	stats := p.GetStats()
	assert.Equal(t, uint64(1), stats.DeletesFailed)
	assert.Equal(t, uint64(1), stats.DeletesSucceeded)
}

func TestPruner_NeverBelowFactor(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d", "e")
	cid := f.spread("wide", "a", "b", "c", "d", "e")
	f.cluster.Node("d").Fail(testutil.OpDelete, http.StatusBadGateway)

	p := f.pruner(PrunerConfig{Factor: 2})
	p.RunPass(context.Background())

	assert.Equal(t, []string{"a", "b", "d"}, f.ledger.Replicas(cid))
	assert.GreaterOrEqual(t, f.ledger.ReplicaCount(cid), 2)
}

func TestPruner_SkipsLeasedBlocks(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	cid := f.spread("busy", "a", "b", "c")
	require.True(t, f.ledger.TryAcquire(cid))

	p := f.pruner(PrunerConfig{Factor: 2})
	pass := p.RunPass(context.Background())
	assert.Equal(t, 1, pass.Leased)
	assert.Equal(t, 3, f.ledger.ReplicaCount(cid))
}

func TestPruner_ConcurrentPassesDoNotDoublePrune(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d", "e")
	var cids []string
	for i := 0; i < 20; i++ {
		cids = append(cids, f.spread(fmt.Sprintf("wide-%d", i), "a", "b", "c", "d", "e"))
	}

	p := f.pruner(PrunerConfig{Factor: 2, MaxConcurrent: 4})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.RunPass(context.Background())
		}()
	}
	wg.Wait()
	p.RunPass(context.Background())

	for _, cid := range cids {
		assert.Equal(t, []string{"a", "b"}, f.ledger.Replicas(cid))
	}
	assert.Equal(t, uint64(60), p.GetStats().DeletesSucceeded, "each surplus copy is deleted once")
}

func TestPruner_CancelledDeleteIsNotAFailure(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	cid := f.spread("over", "a", "b", "c", "d")

	node := newBlockingNode()
	p := NewPruner(node, f.ledger, f.nodes, PrunerConfig{Factor: 2}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-node.started
		cancel()
	}()

	pass := p.RunPass(ctx)

	assert.Equal(t, 1, pass.OverTarget)
	assert.Equal(t, 0, pass.Deleted)
	assert.Equal(t, 0, pass.Failed)

	stats := p.GetStats()
	assert.Equal(t, uint64(1), stats.DeletesAttempted, "the second surplus copy is not tried after cancellation")
	assert.Equal(t, uint64(0), stats.DeletesFailed)
	assert.Equal(t, uint64(0), stats.BlocksPruned)

	assert.Equal(t, 4, f.ledger.ReplicaCount(cid), "unconfirmed deletes are not recorded")
	assert.True(t, f.ledger.TryAcquire(cid), "lease is released")
}

func TestDrivers_RunTogether(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	var under, over []string
	for i := 0; i < 10; i++ {
		under = append(under, f.seed("a", fmt.Sprintf("under-%d", i)))
		over = append(over, f.spread(fmt.Sprintf("over-%d", i), "a", "b", "c", "d"))
	}

	r := f.replicator(ReplicatorConfig{Factor: 3, Interval: 5 * time.Millisecond})
	p := f.pruner(PrunerConfig{Factor: 3, Interval: 7 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Once a block reached the target, it must never be seen below it.
	var violations atomic.Int32
	reached := make(map[string]bool)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		for ctx.Err() == nil {
			for _, cid := range append(append([]string{}, under...), over...) {
				n := f.ledger.ReplicaCount(cid)
				if n >= 3 {
					reached[cid] = true
				} else if reached[cid] {
					violations.Add(1)
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	r.Start(ctx)
	p.Start(ctx)

	ok := testutil.Eventually(5*time.Second, 10*time.Millisecond, func() bool {
		for _, cid := range append(append([]string{}, under...), over...) {
			if f.ledger.ReplicaCount(cid) != 3 {
				return false
			}
		}
		return true
	})
	r.Stop()
	p.Stop()
	cancel()
	<-watchDone

	assert.True(t, ok, "all blocks converge to the target")
	assert.Equal(t, int32(0), violations.Load())
	for _, cid := range over {
		assert.ElementsMatch(t, f.cluster.Holders(cid), f.ledger.Replicas(cid))
	}
}
