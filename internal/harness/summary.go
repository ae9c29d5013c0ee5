package harness

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tunnelmesh/blockbench/internal/generator"
	"github.com/tunnelmesh/blockbench/internal/replication"
	"github.com/tunnelmesh/blockbench/internal/stats"
	"github.com/tunnelmesh/blockbench/pkg/bytesize"
)

// Summary is the outcome of a run.
type Summary struct {
	RunID        string                      `json:"run_id"`
	Seed         int64                       `json:"seed"`
	Target       int                         `json:"target"`
	StartedAt    time.Time                   `json:"started_at"`
	EndedAt      time.Time                   `json:"ended_at"`
	Duration     time.Duration               `json:"duration"`
	Interrupted  bool                        `json:"interrupted"`
	Generation   generator.Result            `json:"generation"`
	Replication  replication.ReplicatorStats `json:"replication"`
	Pruning      replication.PrunerStats     `json:"pruning"`
	Final        stats.Report                `json:"final"`
	Verification *Verification               `json:"verification,omitempty"`
}

// WriteJSON writes the summary to path as indented JSON.
func (s Summary) WriteJSON(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// PrintSummary writes the human-readable final report.
func PrintSummary(w io.Writer, s Summary) error {
	ew := &errWriter{w: w}

	ew.println()
	ew.println("╔═══════════════════════════════════════════════════════════╗")
	ew.println("║                     FINAL REPORT                          ║")
	ew.println("╚═══════════════════════════════════════════════════════════╝")
	ew.println()

	ew.println("Timing:")
	ew.printf("  Started:        %s\n", s.StartedAt.Format(time.RFC3339))
	ew.printf("  Ended:          %s\n", s.EndedAt.Format(time.RFC3339))
	ew.printf("  Duration:       %v\n", s.Duration.Round(time.Millisecond))
	if s.Interrupted {
		ew.println("  Interrupted:    yes")
	}
	ew.println()

	g := s.Generation
	ew.println("Generation:")
	ew.printf("  Uploads:        %d attempted, %d succeeded, %d failed\n", g.Attempted, g.Succeeded, g.Failed)
	ew.printf("  Data:           %s\n", bytesize.Format(g.Bytes))
	ew.printf("  Took:           %v\n", g.Duration.Round(time.Millisecond))
	ew.println()

	ew.println("Drivers:")
	ew.printf("  Replication:    %d passes, %d fetches (%d ok, %d failed), %d retired\n",
		s.Replication.PassesTotal, s.Replication.FetchesAttempted,
		s.Replication.FetchesSucceeded, s.Replication.FetchesFailed, s.Replication.BlocksRetired)
	ew.printf("  Pruning:        %d passes, %d deletes (%d ok, %d failed), %d blocks pruned\n",
		s.Pruning.PassesTotal, s.Pruning.DeletesAttempted,
		s.Pruning.DeletesSucceeded, s.Pruning.DeletesFailed, s.Pruning.BlocksPruned)
	ew.println()

	f := s.Final
	ew.printf("Blocks (target %d):\n", s.Target)
	ew.printf("  Active:         %d (%d pruned)\n", f.Active, f.Pruned)
	ew.printf("  Instances:      %d\n", f.Instances)
	ew.printf("  Average factor: %.2f\n", f.AvgReplicationFactor)
	ew.printf("  Under/at/over:  %d / %d / %d\n", f.UnderReplicated, f.AtTarget, f.OverReplicated)
	if f.Converged() {
		ew.println("  Converged:      yes")
	} else {
		ew.println("  Converged:      no")
	}
	ew.println()

	if v := s.Verification; v != nil {
		ew.println("Verification:")
		ew.printf("  Blocks:         %d (%d agreed)\n", v.Blocks, v.Agreed)
		ew.printf("  Missing:        %d\n", v.Missing)
		ew.printf("  Unexpected:     %d\n", v.Unexpected)
		ew.printf("  Probe errors:   %d\n", v.Errors)
		ew.println()
	}

	ew.println("═══════════════════════════════════════════════════════════")
	return ew.err
}

// errWriter keeps the first write error and skips later writes.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err == nil {
		_, e.err = fmt.Fprintf(e.w, format, args...)
	}
}

func (e *errWriter) println(args ...any) {
	if e.err == nil {
		_, e.err = fmt.Fprintln(e.w, args...)
	}
}
