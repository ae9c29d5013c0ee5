package promsd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/blockbench/internal/nodeapi"
	"github.com/tunnelmesh/blockbench/internal/registry"
	"github.com/tunnelmesh/blockbench/testutil"
)

func TestNodesToTargets(t *testing.T) {
	nodes := []registry.Node{
		{Name: "bootstrap", Endpoint: "http://localhost:9080"},
		{Name: "node1", Endpoint: "https://10.0.0.2:9443"},
		{Name: "node2", Endpoint: "http://10.0.0.3:9082"},
	}

	tests := []struct {
		name     string
		down     map[string]bool
		expected []string
	}{
		{"all up", nil, []string{"localhost:9080", "10.0.0.2:9443", "10.0.0.3:9082"}},
		{"one down", map[string]bool{"node1": true}, []string{"localhost:9080", "10.0.0.3:9082"}},
		{"all down", map[string]bool{"bootstrap": true, "node1": true, "node2": true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets := NodesToTargets(nodes, tt.down, nil)
			var got []string
			for _, target := range targets {
				require.Len(t, target.Targets, 1)
				got = append(got, target.Targets[0])
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNodesToTargets_Labels(t *testing.T) {
	targets := NodesToTargets([]registry.Node{{Name: "node1", Endpoint: "https://10.0.0.2:9443"}}, nil, map[string]string{"cluster": "lab"})

	require.Len(t, targets, 1)
	assert.Equal(t, map[string]string{
		"node":       "node1",
		"role":       "storage",
		"__scheme__": "https",
		"cluster":    "lab",
	}, targets[0].Labels)
}

func TestWriteTargets(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	outputFile := filepath.Join(dir, "targets.json")

	targets := []Target{
		{Targets: []string{"localhost:9080"}, Labels: map[string]string{"node": "bootstrap"}},
	}
	require.NoError(t, WriteTargets(targets, outputFile))

	data, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	var got []Target
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, targets, got)

	_, err = os.Stat(outputFile + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be gone")
}

func TestWriteTargets_EmptyTargets(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	outputFile := filepath.Join(dir, "targets.json")

	require.NoError(t, WriteTargets(nil, outputFile))

	data, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestWriteTargets_InvalidPath(t *testing.T) {
	err := WriteTargets([]Target{}, "/nonexistent/dir/targets.json")
	assert.Error(t, err)
}

// mockProber implements NodeProber for testing.
type mockProber struct {
	down map[string]bool
}

func (m *mockProber) Stats(ctx context.Context, node registry.Node) (nodeapi.Stats, error) {
	if m.down[node.Name] {
		return nodeapi.Stats{}, errors.New("connection refused")
	}
	return nodeapi.Stats{BlockCount: 1}, nil
}

func TestGenerator_Generate(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	nodes, err := registry.New([]registry.Node{
		{Name: "a", Endpoint: "http://10.0.0.1:8080"},
		{Name: "b", Endpoint: "http://10.0.0.2:8080"},
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.OutputFile = filepath.Join(dir, "targets.json")
	cfg.OnlyReachable = true
	cfg.HarnessTarget = "localhost:9100"

	g := NewGenerator(cfg, nodes, &mockProber{down: map[string]bool{"b": true}}, zerolog.Nop())
	count, err := g.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	data, err := os.ReadFile(cfg.OutputFile)
	require.NoError(t, err)
	var got []Target
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 2)
	assert.Equal(t, []string{"10.0.0.1:8080"}, got[0].Targets)
	assert.Equal(t, "harness", got[1].Labels["role"])
}

func TestGenerator_AgainstFakeCluster(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cluster := testutil.NewFakeCluster(t, "a", "b")
	cluster.Node("a").Fail(testutil.OpStats, 500)
	nodes, err := registry.New(cluster.Registry())
	require.NoError(t, err)

	cfg := Config{OutputFile: filepath.Join(dir, "t.json"), OnlyReachable: true}
	g := NewGenerator(cfg, nodes, nodeapi.NewClient(nodeapi.Config{}), zerolog.Nop())

	targets := g.Targets(context.Background())
	require.Len(t, targets, 1)
	assert.Equal(t, "b", targets[0].Labels["node"])
}

func TestGenerator_Run(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	nodes, err := registry.New([]registry.Node{{Name: "a", Endpoint: "http://10.0.0.1:8080"}})
	require.NoError(t, err)

	cfg := Config{OutputFile: filepath.Join(dir, "t.json"), PollInterval: 10 * time.Millisecond}
	g := NewGenerator(cfg, nodes, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	ok := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		_, err := os.Stat(cfg.OutputFile)
		return err == nil
	})
	cancel()
	assert.True(t, ok)
	assert.NoError(t, <-done)
}
