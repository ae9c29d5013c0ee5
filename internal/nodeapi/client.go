// Package nodeapi is an HTTP client for the data-plane API of a storage node.
package nodeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"golang.org/x/time/rate"

	"github.com/tunnelmesh/blockbench/internal/registry"
)

// DefaultBasePath is the path prefix of the archivist-compatible node API.
const DefaultBasePath = "/api/archivist/v1"

// Operation names, used for errors and latency observation.
const (
	OpStore  = "store"
	OpFetch  = "fetch"
	OpDelete = "delete"
	OpStats  = "stats"
	OpExists = "exists"
)

// ErrInvalidCID is returned when a node answers a store with something that
// does not parse as a CID.
var ErrInvalidCID = errors.New("node returned an invalid CID")

// StatusError is returned when a node answers with a non-success status.
type StatusError struct {
	Op         string
	Node       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s on %s failed: %d", e.Op, e.Node, e.StatusCode)
	}
	return fmt.Sprintf("%s on %s failed: %d %s", e.Op, e.Node, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from a node.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Stats is the subset of a node's statistics report the harness uses.
type Stats struct {
	BlockCount int64 `json:"block_count"`
	TotalSize  int64 `json:"total_size"`
}

// ObserveFunc is called after every request with its outcome.
type ObserveFunc func(op, node string, elapsed time.Duration, err error)

// Config configures a Client.
type Config struct {
	BasePath          string        // default: DefaultBasePath
	Timeout           time.Duration // per request, default: 30s
	RequestsPerSecond float64       // per node, 0 = unlimited
	Burst             int           // per node, default: 1 when limited
	HTTPClient        *http.Client  // optional, overrides Timeout
	Observe           ObserveFunc   // optional
}

// Client talks to every node of the registry. It is safe for concurrent use.
type Client struct {
	basePath   string
	httpClient *http.Client
	observe    ObserveFunc

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a new node API client.
func NewClient(cfg Config) *Client {
	if cfg.BasePath == "" {
		cfg.BasePath = DefaultBasePath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		basePath:   "/" + strings.Trim(cfg.BasePath, "/"),
		httpClient: httpClient,
		observe:    cfg.Observe,
		limit:      rate.Inf,
		limiters:   make(map[string]*rate.Limiter),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limit = rate.Limit(cfg.RequestsPerSecond)
		c.burst = cfg.Burst
		if c.burst <= 0 {
			c.burst = 1
		}
	}
	return c
}

// wait blocks until the node's limiter admits one more request.
func (c *Client) wait(ctx context.Context, node string) error {
	if c.limit == rate.Inf {
		return nil
	}
	c.mu.Lock()
	lim, ok := c.limiters[node]
	if !ok {
		lim = rate.NewLimiter(c.limit, c.burst)
		c.limiters[node] = lim
	}
	c.mu.Unlock()
	return lim.Wait(ctx)
}

func (c *Client) url(node registry.Node, parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return node.Endpoint + c.basePath + "/" + strings.Join(escaped, "/")
}

// do executes one request and hands a 2xx response to handle. Any other
// status is turned into a *StatusError.
func (c *Client) do(ctx context.Context, op string, node registry.Node, method, requestURL string, body []byte, handle func(*http.Response) error) (err error) {
	start := time.Now()
	if c.observe != nil {
		defer func() { c.observe(op, node.Name, time.Since(start), err) }()
	}

	if err := c.wait(ctx, node.Name); err != nil {
		return fmt.Errorf("%s on %s: rate limit: %w", op, node.Name, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP %s %s: %w", method, requestURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Op:         op,
			Node:       node.Name,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(bodyBytes)),
		}
	}
	if handle == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return handle(resp)
}

// Store uploads data to node and returns the CID the node assigned.
func (c *Client) Store(ctx context.Context, node registry.Node, data []byte) (string, error) {
	var cidText string
	err := c.do(ctx, OpStore, node, http.MethodPost, c.url(node, "data"), data, func(resp *http.Response) error {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		cidText, err = ParseCID(string(raw))
		return err
	})
	if err != nil {
		return "", err
	}
	return cidText, nil
}

// Fetch asks node to retrieve cid, from its local store or from the network,
// and drains the streamed content. It returns the number of bytes received.
func (c *Client) Fetch(ctx context.Context, node registry.Node, cidText string) (int64, error) {
	var n int64
	err := c.do(ctx, OpFetch, node, http.MethodGet, c.url(node, "data", cidText, "network", "stream"), nil, func(resp *http.Response) error {
		var err error
		n, err = io.Copy(io.Discard, resp.Body)
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		return nil
	})
	return n, err
}

// Delete removes the local copy of cid from node.
func (c *Client) Delete(ctx context.Context, node registry.Node, cidText string) error {
	return c.do(ctx, OpDelete, node, http.MethodDelete, c.url(node, "data", cidText), nil, nil)
}

// Stats fetches the storage statistics of node.
func (c *Client) Stats(ctx context.Context, node registry.Node) (Stats, error) {
	var stats Stats
	err := c.do(ctx, OpStats, node, http.MethodGet, c.url(node, "stats"), nil, func(resp *http.Response) error {
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return fmt.Errorf("decode stats: %w", err)
		}
		return nil
	})
	return stats, err
}

// Exists checks whether node holds cid locally.
func (c *Client) Exists(ctx context.Context, node registry.Node, cidText string) (bool, error) {
	err := c.do(ctx, OpExists, node, http.MethodHead, c.url(node, "data", cidText), nil, nil)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// ParseCID normalises a CID as returned in a response body (surrounding
// whitespace and JSON quotes stripped) and validates it.
func ParseCID(raw string) (string, error) {
	text := strings.Trim(strings.TrimSpace(raw), `"`)
	if text == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCID)
	}
	if _, err := cid.Decode(text); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidCID, text, err)
	}
	return text, nil
}
