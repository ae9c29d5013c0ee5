package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/blockbench/internal/config"
	"github.com/tunnelmesh/blockbench/internal/ledger"
	"github.com/tunnelmesh/blockbench/pkg/proto"
	"github.com/tunnelmesh/blockbench/testutil"
)

func testConfig(cluster *testutil.FakeCluster) *config.Config {
	cfg := config.Default()
	cfg.Nodes = cluster.Registry()
	cfg.ReplicationFactor = 3
	cfg.BlocksPerNode = 3
	cfg.BlockSizeMin = 64
	cfg.BlockSizeMax = 512
	cfg.ReplicationInterval = config.Duration(10 * time.Millisecond)
	cfg.PruningInterval = config.Duration(20 * time.Millisecond)
	cfg.StatsInterval = config.Duration(25 * time.Millisecond)
	cfg.Client.Timeout = config.Duration(5 * time.Second)
	cfg.Seed = 42
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, opts Options) *Harness {
	t.Helper()
	if opts.Out == nil {
		opts.Out = &bytes.Buffer{}
	}
	opts.Registry = prometheus.NewRegistry()
	opts.Logger = zerolog.Nop()
	h, err := New(cfg, opts)
	require.NoError(t, err)
	return h
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNew_InvalidConfig(t *testing.T) {
	cluster := testutil.NewFakeCluster(t, "a", "b")
	cfg := testConfig(cluster)
	cfg.ReplicationFactor = 5

	_, err := New(cfg, Options{Registry: prometheus.NewRegistry(), Logger: zerolog.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds node count")
}

func TestNew_RunIDAndSeed(t *testing.T) {
	cluster := testutil.NewFakeCluster(t, "a", "b", "c")
	cfg := testConfig(cluster)
	cfg.Seed = 0

	h := newHarness(t, cfg, Options{RunID: "fixed"})
	assert.Equal(t, "fixed", h.RunID())
	assert.NotZero(t, h.seed, "a zero seed is replaced by a time based one")
	assert.Nil(t, h.Server(), "no listener configured")

	h2 := newHarness(t, testConfig(cluster), Options{})
	assert.Len(t, h2.RunID(), 36)
	assert.Equal(t, int64(42), h2.seed)
}

func TestRun_ConvergesOnFourNodes(t *testing.T) {
	cluster := testutil.NewFakeCluster(t, "bootstrap", "node1", "node2", "node3")
	cfg := testConfig(cluster)
	cfg.Duration = config.Duration(500 * time.Millisecond)
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Report.JSONFile = filepath.Join(t.TempDir(), "summary.json")

	var out bytes.Buffer
	h := newHarness(t, cfg, Options{Out: &out, Verify: true})

	summary, err := h.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, summary.Interrupted)
	assert.Equal(t, 12, summary.Generation.Succeeded)
	assert.Equal(t, 0, summary.Generation.Failed)
	assert.Equal(t, 12, summary.Final.Generated)
	assert.Equal(t, 12, summary.Final.Active)
	assert.Equal(t, 12, summary.Final.AtTarget)
	assert.Equal(t, 36, summary.Final.Instances)
	assert.InDelta(t, 3.0, summary.Final.AvgReplicationFactor, 0.0001)
	assert.True(t, summary.Final.Converged())
	assert.Equal(t, uint64(24), summary.Replication.FetchesSucceeded)
	assert.Zero(t, summary.Pruning.DeletesAttempted, "replication never overshoots the target")

	// Every block sits on exactly the nodes the ledger believes.
	for _, b := range h.Ledger().Snapshot().Blocks {
		assert.Equal(t, b.Replicas, cluster.Holders(b.CID), b.CID)
	}

	require.NotNil(t, summary.Verification)
	assert.True(t, summary.Verification.Consistent())
	assert.Equal(t, 12, summary.Verification.Agreed)
	assert.Equal(t, 48, summary.Verification.Checked)

	assert.Equal(t, 12.0, counterValue(t, h.metrics.BlocksGenerated))
	assert.Equal(t, 24.0, counterValue(t, h.metrics.ReplicasAdded))
	assert.Equal(t, 36.0, testGauge(t, h.metrics.BlockInstances))

	text := out.String()
	assert.Contains(t, text, "BLOCKBENCH "+h.RunID())
	assert.Contains(t, text, "Replication status")
	assert.Contains(t, text, "FINAL REPORT")
	assert.Contains(t, text, "Converged:      yes")

	data, err := os.ReadFile(cfg.Report.JSONFile)
	require.NoError(t, err)
	var decoded Summary
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, h.RunID(), decoded.RunID)
	assert.Equal(t, 36, decoded.Final.Instances)
}

func testGauge(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestRun_GenerationFailuresLeaveNoTrace(t *testing.T) {
	cluster := testutil.NewFakeCluster(t, "a", "b", "c")
	cluster.Node("c").Fail(testutil.OpStore, http.StatusInternalServerError)
	cfg := testConfig(cluster)
	cfg.ReplicationFactor = 2
	cfg.Duration = config.Duration(200 * time.Millisecond)

	h := newHarness(t, cfg, Options{})
	summary, err := h.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, summary.Generation.Succeeded)
	assert.Equal(t, 3, summary.Generation.Failed)
	assert.Equal(t, 6, h.Ledger().GeneratedCount())
	for _, b := range h.Ledger().Snapshot().Blocks {
		assert.NotEqual(t, "c", b.Origin)
	}
	assert.Equal(t, 3.0, counterValue(t, h.metrics.BlocksGenerateFailed))
}

func TestRun_CancelledContext(t *testing.T) {
	cluster := testutil.NewFakeCluster(t, "a", "b", "c")
	cfg := testConfig(cluster)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := newHarness(t, cfg, Options{})
	summary, err := h.Run(ctx)
	require.NoError(t, err, "an interrupted run still produces a summary")

	assert.True(t, summary.Interrupted)
	assert.Equal(t, 0, summary.Generation.Succeeded)
	assert.Equal(t, 0, h.Ledger().Len())
	assert.Zero(t, summary.Replication.PassesTotal)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cluster := testutil.NewFakeCluster(t, "a", "b", "c")
	cfg := testConfig(cluster)
	cfg.Duration = 0

	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, cfg, Options{})

	done := make(chan Summary, 1)
	go func() {
		s, _ := h.Run(ctx)
		done <- s
	}()

	require.True(t, testutil.Eventually(5*time.Second, 10*time.Millisecond, func() bool {
		return h.replicator.GetStats().PassesTotal >= 3
	}))
	cancel()

	select {
	case s := <-done:
		assert.True(t, s.Interrupted)
		assert.Equal(t, 9, s.Generation.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunContext(t *testing.T) {
	t.Run("bounded", func(t *testing.T) {
		ctx, cancel := runContext(context.Background(), time.Minute)
		defer cancel()

		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

		cancel()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("unbounded", func(t *testing.T) {
		parent, stop := context.WithCancel(context.Background())
		ctx, cancel := runContext(parent, 0)
		defer cancel()

		_, ok := ctx.Deadline()
		assert.False(t, ok)
		assert.NoError(t, ctx.Err())

		stop()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})
}

func TestRun_MetricsListenerInUse(t *testing.T) {
	busy := httptest.NewServer(http.NotFoundHandler())
	defer busy.Close()

	cluster := testutil.NewFakeCluster(t, "a")
	cfg := testConfig(cluster)
	cfg.ReplicationFactor = 1
	cfg.Metrics.Listen = busy.Listener.Addr().String()

	h := newHarness(t, cfg, Options{})
	_, err := h.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start metrics server")
	assert.Equal(t, 0, h.Ledger().Len())
}

func TestVerify_ReportsDisagreement(t *testing.T) {
	cluster := testutil.NewFakeCluster(t, "a", "b", "c")
	h := newHarness(t, testConfig(cluster), Options{})

	data := []byte("verify me")
	id := cluster.Node("a").Put(data)
	cluster.Node("c").Put(data)
	h.Ledger().RecordGenerated(id, "a", int64(len(data)))
	h.Ledger().RecordStore(id, "b")

	agreed := cluster.Node("a").Put([]byte("everyone agrees"))
	h.Ledger().RecordGenerated(agreed, "a", 15)

	v := h.verify(context.Background())

	assert.Equal(t, 2, v.Blocks)
	assert.Equal(t, 6, v.Checked)
	assert.Equal(t, 1, v.Agreed)
	assert.Equal(t, 1, v.Missing, "b is believed to hold the block")
	assert.Equal(t, 1, v.Unexpected, "c holds the block untracked")
	assert.Equal(t, 0, v.Errors)
	assert.False(t, v.Consistent())
}

func TestVerify_ProbeErrors(t *testing.T) {
	cluster := testutil.NewFakeCluster(t, "a", "b")
	cluster.Node("b").Fail(testutil.OpExists, http.StatusBadGateway)
	cfg := testConfig(cluster)
	cfg.ReplicationFactor = 1
	h := newHarness(t, cfg, Options{})

	id := cluster.Node("a").Put([]byte("x"))
	h.Ledger().RecordGenerated(id, "a", 1)

	v := h.verify(context.Background())
	assert.Equal(t, 1, v.Errors)
	assert.Equal(t, 0, v.Agreed)
}

func TestServer_Endpoints(t *testing.T) {
	cluster := testutil.NewFakeCluster(t, "a", "b", "c")
	cfg := testConfig(cluster)
	cfg.ReplicationFactor = 2
	cfg.Metrics.Listen = "127.0.0.1:0"
	h := newHarness(t, cfg, Options{RunID: "srv"})

	l := h.Ledger()
	l.RecordGenerated("cid-under", "a", 10)
	l.RecordGenerated("cid-at", "a", 10)
	l.RecordStore("cid-at", "b")
	l.RecordGenerated("cid-gone", "c", 10)
	l.MarkPruned("cid-gone")

	ts := httptest.NewServer(h.Server())
	defer ts.Close()

	getJSON := func(path string, wantStatus int, v any) {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, wantStatus, resp.StatusCode, path)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}

	var health proto.HealthResponse
	getJSON("/healthz", http.StatusOK, &health)
	assert.Equal(t, "srv", health.RunID)

	var errResp proto.ErrorResponse
	getJSON("/api/v1/report", http.StatusServiceUnavailable, &errResp)
	assert.Equal(t, http.StatusServiceUnavailable, errResp.Code)

	h.aggregator.Collect(context.Background())
	var report struct {
		Active int `json:"active"`
	}
	getJSON("/api/v1/report", http.StatusOK, &report)
	assert.Equal(t, 2, report.Active)

	var list BlockList
	getJSON("/api/v1/blocks", http.StatusOK, &list)
	assert.Equal(t, 3, list.Total)

	getJSON("/api/v1/blocks?state=under", http.StatusOK, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "cid-under", list.Blocks[0].CID)

	getJSON("/api/v1/blocks?state=pruned", http.StatusOK, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "cid-gone", list.Blocks[0].CID)

	getJSON("/api/v1/blocks?state=bogus", http.StatusBadRequest, &errResp)

	var rec ledger.BlockRecord
	getJSON("/api/v1/blocks/cid-at", http.StatusOK, &rec)
	assert.Equal(t, []string{"a", "b"}, rec.Replicas)

	getJSON("/api/v1/blocks/nope", http.StatusNotFound, &errResp)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RetireBlock(t *testing.T) {
	cluster := testutil.NewFakeCluster(t, "a", "b")
	cfg := testConfig(cluster)
	cfg.ReplicationFactor = 2
	cfg.Metrics.Listen = "127.0.0.1:0"
	h := newHarness(t, cfg, Options{})

	id := cluster.Node("a").Put([]byte("retire me"))
	h.Ledger().RecordGenerated(id, "a", 9)

	ts := httptest.NewServer(h.Server())
	defer ts.Close()

	del := func(cid string) *http.Response {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/blocks/"+cid, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := del(id)
	var rec ledger.BlockRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, rec.Pruned)
	assert.True(t, h.Ledger().IsPruned(id))
	assert.True(t, cluster.Node("a").Has(id), "retiring never touches the nodes")

	pass := h.replicator.RunPass(context.Background())
	assert.Equal(t, 0, pass.UnderTarget)

	resp = del("unknown")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	s := Summary{
		RunID:     "r",
		Target:    3,
		StartedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
		Verification: &Verification{
			Blocks: 4, Agreed: 3, Missing: 1,
		},
	}
	s.Generation.Attempted = 4
	s.Generation.Succeeded = 4
	s.Generation.Bytes = 2048
	s.Final.Active = 4
	s.Final.UnderReplicated = 1
	s.Final.AtTarget = 3

	require.NoError(t, PrintSummary(&buf, s))
	out := buf.String()
	assert.Contains(t, out, "FINAL REPORT")
	assert.Contains(t, out, "2024-01-02T03:04:05Z")
	assert.Contains(t, out, "4 attempted, 4 succeeded, 0 failed")
	assert.Contains(t, out, "2.00 KB")
	assert.Contains(t, out, "Under/at/over:  1 / 3 / 0")
	assert.Contains(t, out, "Converged:      no")
	assert.Contains(t, out, "Missing:        1")
}
