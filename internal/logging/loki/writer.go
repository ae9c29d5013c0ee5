// Package loki provides a zerolog writer that pushes logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL (e.g., "http://localhost:3100")
	Labels        map[string]string // Static labels added to every stream
	BatchSize     int               // Max entries before flush (default: 100)
	FlushInterval time.Duration     // Flush interval (default: 5s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
}

// Writer is a zerolog.LevelWriter that buffers log lines and pushes them to
// Loki, one stream per level. Entries are flushed periodically or once a batch
// is full. Write never fails, so an unavailable Loki never disrupts logging.
type Writer struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	labels    map[string]string
	buffer    []entry
	batchSize int

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	flushInterval time.Duration

	flushing     atomic.Bool   // prevents concurrent flushes
	flushTrigger chan struct{} // buffered channel to limit goroutine spawning
	flushErrors  atomic.Uint64
	pushed       atomic.Uint64
}

var _ zerolog.LevelWriter = (*Writer)(nil)

type entry struct {
	timestamp time.Time
	level     zerolog.Level
	line      string
}

// pushRequest is the payload format for Loki's push API.
type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a new Loki writer with the given configuration.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := make(map[string]string, len(cfg.Labels)+1)
	maps.Copy(labels, cfg.Labels)
	if _, ok := labels["job"]; !ok {
		labels["job"] = "blockbench"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Writer{
		url:           strings.TrimSuffix(cfg.URL, "/"),
		labels:        labels,
		client:        &http.Client{Timeout: cfg.Timeout},
		buffer:        make([]entry, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		ctx:           ctx,
		cancel:        cancel,
		flushInterval: cfg.FlushInterval,
		flushTrigger:  make(chan struct{}, 1),
	}
}

// Write implements io.Writer. Lines written without a level are sent with
// level "none".
func (w *Writer) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (w *Writer) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	// Copy, zerolog reuses the buffer
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{timestamp: time.Now(), level: level, line: line})
	shouldFlush := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if shouldFlush {
		select {
		case w.flushTrigger <- struct{}{}:
		default:
			// Flush already pending
		}
	}
	return len(p), nil
}

// Start begins the background flush goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.flush()
			case <-w.flushTrigger:
				w.flush()
			}
		}
	}()
}

// Stop shuts down the writer, flushing any remaining entries.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
	w.flush()
}

// SetLabels adds labels to every stream pushed from now on. Used for labels
// not known at construction time, such as the run ID.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	maps.Copy(w.labels, labels)
}

// FlushErrors returns the count of failed pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}

// Pushed returns the number of entries Loki accepted.
func (w *Writer) Pushed() uint64 {
	return w.pushed.Load()
}

// buildRequest groups entries into one stream per level.
func buildRequest(labels map[string]string, entries []entry) pushRequest {
	byLevel := make(map[string][][]string)
	for _, e := range entries {
		lvl := e.level.String()
		if lvl == "" {
			lvl = "none"
		}
		// Loki expects nanosecond timestamps as strings
		byLevel[lvl] = append(byLevel[lvl], []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line})
	}

	levels := make([]string, 0, len(byLevel))
	for lvl := range byLevel {
		levels = append(levels, lvl)
	}
	sort.Strings(levels)

	req := pushRequest{Streams: make([]stream, 0, len(levels))}
	for _, lvl := range levels {
		streamLabels := make(map[string]string, len(labels)+1)
		maps.Copy(streamLabels, labels)
		streamLabels["level"] = lvl
		req.Streams = append(req.Streams, stream{Stream: streamLabels, Values: byLevel[lvl]})
	}
	return req
}

func (w *Writer) reportError(format string, args ...any) {
	// stderr, not the logger, to avoid logging loops; only the first few
	if n := w.flushErrors.Add(1); n <= 3 {
		fmt.Fprintf(os.Stderr, "loki: "+format+"\n", args...)
	}
}

// flush sends buffered entries to Loki.
func (w *Writer) flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	labels := maps.Clone(w.labels)
	w.mu.Unlock()

	data, err := json.Marshal(buildRequest(labels, entries))
	if err != nil {
		w.reportError("failed to marshal payload: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(data))
	if err != nil {
		w.reportError("failed to create request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.reportError("failed to send logs: %v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		w.reportError("server returned status %d", resp.StatusCode)
		return
	}
	w.pushed.Add(uint64(len(entries)))
}
