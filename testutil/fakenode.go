package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/tunnelmesh/blockbench/internal/registry"
)

// BlockCodec is the multicodec of archivist blocks.
const BlockCodec uint64 = 0xcd01

const apiPrefix = "/api/archivist/v1"

// Operations that can be made to fail on a FakeNode.
const (
	OpStore  = "store"
	OpFetch  = "fetch"
	OpDelete = "delete"
	OpStats  = "stats"
	OpExists = "exists"
)

// BlockCID derives the CID a node assigns to data: CIDv1, sha2-256 multihash,
// archivist block codec.
func BlockCID(data []byte) string {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		panic(err)
	}
	return cid.NewCidV1(BlockCodec, mh).String()
}

// FakeCluster is a set of in-memory storage nodes, each behind its own
// httptest server. A network fetch on one node pulls the block from any
// other node of the cluster that holds it.
type FakeCluster struct {
	mu     sync.RWMutex
	nodes  []*FakeNode
	byName map[string]*FakeNode
}

// FakeNode is one in-memory storage node.
type FakeNode struct {
	Name    string
	cluster *FakeCluster
	server  *httptest.Server

	mu     sync.Mutex
	blocks map[string][]byte
	fail   map[string]int // op -> status code to answer with
	calls  map[string]int
}

// NewFakeCluster starts one node per name. Servers are closed on test cleanup.
func NewFakeCluster(t testing.TB, names ...string) *FakeCluster {
	t.Helper()
	c := &FakeCluster{byName: make(map[string]*FakeNode)}
	for _, name := range names {
		n := &FakeNode{
			Name:    name,
			cluster: c,
			blocks:  make(map[string][]byte),
			fail:    make(map[string]int),
			calls:   make(map[string]int),
		}
		n.server = httptest.NewServer(n)
		t.Cleanup(n.server.Close)
		c.nodes = append(c.nodes, n)
		c.byName[name] = n
	}
	return c
}

// Registry returns the registry entries for all nodes.
func (c *FakeCluster) Registry() []registry.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]registry.Node, len(c.nodes))
	for i, n := range c.nodes {
		out[i] = registry.Node{Name: n.Name, Endpoint: n.server.URL}
	}
	return out
}

// Node returns the node with the given name, or nil.
func (c *FakeCluster) Node(name string) *FakeNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[name]
}

// Holders returns the names of nodes that currently hold cidText.
func (c *FakeCluster) Holders(cidText string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, n := range c.nodes {
		if n.Has(cidText) {
			out = append(out, n.Name)
		}
	}
	return out
}

func (c *FakeCluster) find(cidText string, except *FakeNode) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range c.nodes {
		if n == except {
			continue
		}
		if data, ok := n.get(cidText); ok {
			return data, true
		}
	}
	return nil, false
}

// Put stores data directly on the node and returns its CID.
func (n *FakeNode) Put(data []byte) string {
	id := BlockCID(data)
	n.mu.Lock()
	n.blocks[id] = append([]byte(nil), data...)
	n.mu.Unlock()
	return id
}

// Has reports whether the node holds cidText locally.
func (n *FakeNode) Has(cidText string) bool {
	_, ok := n.get(cidText)
	return ok
}

// BlockCount is the number of blocks held locally.
func (n *FakeNode) BlockCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.blocks)
}

// Fail makes every subsequent op answer with status. A status of 0 clears it.
func (n *FakeNode) Fail(op string, status int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if status == 0 {
		delete(n.fail, op)
		return
	}
	n.fail[op] = status
}

// Calls returns how many requests for op the node has served.
func (n *FakeNode) Calls(op string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[op]
}

// URL is the base URL of the node's server.
func (n *FakeNode) URL() string {
	return n.server.URL
}

func (n *FakeNode) get(cidText string) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	data, ok := n.blocks[cidText]
	return data, ok
}

// begin counts the call and returns the injected failure status, if any.
func (n *FakeNode) begin(op string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[op]++
	return n.fail[op]
}

func (n *FakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path, ok := strings.CutPrefix(r.URL.Path, apiPrefix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "data":
		n.handleStore(w, r)
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "stats":
		n.handleStats(w)
	case r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "data" && parts[2] == "network" && parts[3] == "stream":
		n.handleFetch(w, parts[1])
	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] == "data":
		n.handleDelete(w, parts[1])
	case r.Method == http.MethodHead && len(parts) == 2 && parts[0] == "data":
		n.handleExists(w, parts[1])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (n *FakeNode) handleStore(w http.ResponseWriter, r *http.Request) {
	if status := n.begin(OpStore); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		http.Error(w, "empty data", http.StatusBadRequest)
		return
	}
	_, _ = io.WriteString(w, n.Put(data))
}

func (n *FakeNode) handleFetch(w http.ResponseWriter, cidText string) {
	if status := n.begin(OpFetch); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}
	data, ok := n.get(cidText)
	if !ok {
		data, ok = n.cluster.find(cidText, n)
		if !ok {
			http.Error(w, "block not found: "+cidText, http.StatusNotFound)
			return
		}
		n.mu.Lock()
		n.blocks[cidText] = data
		n.mu.Unlock()
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (n *FakeNode) handleDelete(w http.ResponseWriter, cidText string) {
	if status := n.begin(OpDelete); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}
	n.mu.Lock()
	delete(n.blocks, cidText)
	n.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (n *FakeNode) handleExists(w http.ResponseWriter, cidText string) {
	if status := n.begin(OpExists); status != 0 {
		w.WriteHeader(status)
		return
	}
	if !n.Has(cidText) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (n *FakeNode) handleStats(w http.ResponseWriter) {
	if status := n.begin(OpStats); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}
	n.mu.Lock()
	var total int64
	for _, b := range n.blocks {
		total += int64(len(b))
	}
	count := len(n.blocks)
	n.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{
		"block_count": int64(count),
		"total_size":  total,
	})
}
