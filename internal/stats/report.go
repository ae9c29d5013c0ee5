// Package stats periodically summarises the ledger and the nodes' own view of
// their storage into a Report.
package stats

import (
	"fmt"
	"io"
	"time"

	"github.com/tunnelmesh/blockbench/internal/ledger"
	"github.com/tunnelmesh/blockbench/pkg/bytesize"
)

// NodeReport is one node's line in a Report.
type NodeReport struct {
	Name           string `json:"name"`
	Endpoint       string `json:"endpoint"`
	Instances      int    `json:"instances"`       // blocks the ledger believes the node holds
	StoredBytes    int64  `json:"stored_bytes"`    // total_size reported by the node
	ReportedBlocks int64  `json:"reported_blocks"` // block_count reported by the node
	Reachable      bool   `json:"reachable"`
	Error          string `json:"error,omitempty"`
}

// Report is a point-in-time summary of the harness's belief and the cluster.
type Report struct {
	Timestamp            time.Time     `json:"timestamp"`
	Uptime               time.Duration `json:"uptime"`
	Target               int           `json:"target"`
	Generated            int           `json:"generated"`
	Active               int           `json:"active"`
	Pruned               int           `json:"pruned"`
	Instances            int           `json:"instances"`
	AvgReplicationFactor float64       `json:"avg_replication_factor"`
	UnderReplicated      int           `json:"under_replicated"`
	AtTarget             int           `json:"at_target"`
	OverReplicated       int           `json:"over_replicated"`
	PruneEvents          int           `json:"prune_events"` // blocks whose surplus was deleted at least once
	Nodes                []NodeReport  `json:"nodes"`
}

// Converged reports whether every active block sits exactly at the target.
func (r Report) Converged() bool {
	return r.UnderReplicated == 0 && r.OverReplicated == 0
}

// summarize fills the ledger-derived fields of a report from v.
func summarize(v ledger.View, target int) Report {
	r := Report{Timestamp: v.TakenAt, Target: target}
	for _, b := range v.Blocks {
		if b.Generated {
			r.Generated++
		}
		if b.PruneEvents > 0 {
			r.PruneEvents++
		}
		if b.Pruned {
			r.Pruned++
			continue
		}
		r.Active++
		n := len(b.Replicas)
		r.Instances += n
		switch {
		case n < target:
			r.UnderReplicated++
		case n > target:
			r.OverReplicated++
		default:
			r.AtTarget++
		}
	}
	r.AvgReplicationFactor = float64(r.Instances) / float64(max(r.Active, 1))
	return r
}

// WriteText renders r as a human-readable block.
func WriteText(w io.Writer, r Report) error {
	ew := &errWriter{w: w}

	ew.printf("\n=== Replication status @ %s (uptime %s) ===\n", r.Timestamp.Format(time.RFC3339), r.Uptime.Round(time.Second))
	ew.printf("Blocks:\n")
	ew.printf("  Generated:        %d\n", r.Generated)
	ew.printf("  Active:           %d\n", r.Active)
	ew.printf("  Pruned:           %d\n", r.Pruned)
	ew.printf("  Prune events:     %d\n", r.PruneEvents)
	ew.printf("Replication (target %d):\n", r.Target)
	ew.printf("  Instances:        %d\n", r.Instances)
	ew.printf("  Average factor:   %.2f\n", r.AvgReplicationFactor)
	ew.printf("  Under / at / over: %d / %d / %d\n", r.UnderReplicated, r.AtTarget, r.OverReplicated)
	ew.printf("Nodes:\n")
	for _, n := range r.Nodes {
		if !n.Reachable {
			ew.printf("  %-12s %6d blocks   unreachable (%s)\n", n.Name, n.Instances, n.Error)
			continue
		}
		ew.printf("  %-12s %6d blocks   %6d reported   %10s\n", n.Name, n.Instances, n.ReportedBlocks, bytesize.Format(n.StoredBytes))
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
