package harness

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blockbench/internal/ledger"
	"github.com/tunnelmesh/blockbench/internal/stats"
	"github.com/tunnelmesh/blockbench/pkg/proto"
)

// BlockList is the response of GET /api/v1/blocks.
type BlockList struct {
	Total  int                  `json:"total"`
	Blocks []ledger.BlockRecord `json:"blocks"`
}

// Server exposes the run's metrics, reports and ledger over HTTP.
type Server struct {
	runID      string
	target     int
	ledger     *ledger.Ledger
	aggregator *stats.Aggregator
	mux        *http.ServeMux
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer creates the observability server.
func NewServer(runID string, target int, l *ledger.Ledger, agg *stats.Aggregator, stream *stats.Stream, metricsHandler http.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		runID:      runID,
		target:     target,
		ledger:     l,
		aggregator: agg,
		mux:        http.NewServeMux(),
		logger:     logger.With().Str("component", "server").Logger(),
	}

	s.mux.Handle("/metrics", metricsHandler)
	s.mux.Handle("/ws/stats", stream)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/report", s.handleReport)
	s.mux.HandleFunc("GET /api/v1/blocks", s.handleBlocks)
	s.mux.HandleFunc("GET /api/v1/blocks/{cid}", s.handleBlock)
	s.mux.HandleFunc("DELETE /api/v1/blocks/{cid}", s.handleRetire)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start binds listen and serves in the background. It returns the bound
// address, which differs from listen when the port is 0.
func (s *Server) Start(listen string) (net.Addr, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return ln.Addr(), nil
}

// Shutdown gracefully stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(proto.HealthResponse{Status: "ok", RunID: s.runID})
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	report, ok := s.aggregator.Last()
	if !ok {
		s.jsonError(w, "no report collected yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

// blockFilters select blocks for the ?state= query parameter.
var blockFilters = map[string]func(b ledger.BlockRecord, target int) bool{
	"active":  func(b ledger.BlockRecord, _ int) bool { return !b.Pruned },
	"pruned":  func(b ledger.BlockRecord, _ int) bool { return b.Pruned },
	"under":   func(b ledger.BlockRecord, k int) bool { return !b.Pruned && len(b.Replicas) < k },
	"at":      func(b ledger.BlockRecord, k int) bool { return !b.Pruned && len(b.Replicas) == k },
	"over":    func(b ledger.BlockRecord, k int) bool { return !b.Pruned && len(b.Replicas) > k },
	"unknown": func(b ledger.BlockRecord, _ int) bool { return !b.Generated },
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	view := s.ledger.Snapshot()
	blocks := view.Blocks

	if state := r.URL.Query().Get("state"); state != "" {
		keep, ok := blockFilters[state]
		if !ok {
			s.jsonError(w, "unknown state "+state, http.StatusBadRequest)
			return
		}
		filtered := make([]ledger.BlockRecord, 0, len(blocks))
		for _, b := range blocks {
			if keep(b, s.target) {
				filtered = append(filtered, b)
			}
		}
		blocks = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(BlockList{Total: len(blocks), Blocks: blocks})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ledger.Get(r.PathValue("cid"))
	if !ok {
		s.jsonError(w, "block not tracked", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

// handleRetire marks a block pruned. No node is contacted; the drivers stop
// considering the block from their next pass on.
func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	if !s.ledger.Contains(cid) {
		s.jsonError(w, "block not tracked", http.StatusNotFound)
		return
	}
	if s.ledger.MarkPruned(cid) {
		s.logger.Info().Str("cid", cid).Msg("Block retired by operator")
	}
	rec, _ := s.ledger.Get(cid)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
