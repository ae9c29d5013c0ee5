// Package registry holds the static set of storage nodes the harness drives.
package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Node describes one storage node of the cluster under test.
type Node struct {
	Name     string `yaml:"name" json:"name"`
	Endpoint string `yaml:"endpoint" json:"endpoint"` // Base URL, e.g. http://localhost:9080
}

// Registry is the closed, immutable set of nodes for the lifetime of a run.
// All methods are safe for concurrent use since nothing mutates after New.
type Registry struct {
	nodes  []Node
	byName map[string]Node
}

// New validates the nodes and builds a registry. Names must be unique and
// endpoints must be absolute http(s) URLs.
func New(nodes []Node) (*Registry, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("registry requires at least one node")
	}

	r := &Registry{
		nodes:  make([]Node, 0, len(nodes)),
		byName: make(map[string]Node, len(nodes)),
	}
	for i, n := range nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("node %d: name is required", i)
		}
		if _, dup := r.byName[n.Name]; dup {
			return nil, fmt.Errorf("node %q: duplicate name", n.Name)
		}
		if err := validateEndpoint(n.Endpoint); err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		n.Endpoint = strings.TrimRight(n.Endpoint, "/")
		r.nodes = append(r.nodes, n)
		r.byName[n.Name] = n
	}
	return r, nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint %q: scheme must be http or https", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q: host is required", endpoint)
	}
	return nil
}

// Nodes returns a copy of all nodes in configuration order.
func (r *Registry) Nodes() []Node {
	out := make([]Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Names returns the node names in configuration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.nodes))
	for i, n := range r.nodes {
		names[i] = n.Name
	}
	return names
}

// Get looks up a node by name.
func (r *Registry) Get(name string) (Node, bool) {
	n, ok := r.byName[name]
	return n, ok
}

// Len returns the number of nodes.
func (r *Registry) Len() int {
	return len(r.nodes)
}

// Without returns the nodes whose names are not in holders, in
// configuration order. This is the candidate set for a new replica.
func (r *Registry) Without(holders []string) []Node {
	held := make(map[string]struct{}, len(holders))
	for _, h := range holders {
		held[h] = struct{}{}
	}
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if _, ok := held[n.Name]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// Resolve maps names to nodes, dropping names the registry does not know.
// The result is sorted by name.
func (r *Registry) Resolve(names []string) []Node {
	out := make([]Node, 0, len(names))
	for _, name := range names {
		if n, ok := r.byName[name]; ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
