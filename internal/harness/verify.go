package harness

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Verification compares the ledger's belief with what the nodes answer to a
// HEAD request. It is observational only; the ledger is never corrected.
type Verification struct {
	Blocks     int `json:"blocks"`
	Checked    int `json:"checked"`    // (block, node) pairs probed
	Agreed     int `json:"agreed"`     // blocks where every node matched the ledger
	Missing    int `json:"missing"`    // believed held, node says absent
	Unexpected int `json:"unexpected"` // node holds a block the ledger does not place there
	Errors     int `json:"errors"`     // probes that failed
}

// Consistent reports whether every probe succeeded and matched the ledger.
func (v Verification) Consistent() bool {
	return v.Missing == 0 && v.Unexpected == 0 && v.Errors == 0
}

// verify probes every node for every active block.
func (h *Harness) verify(ctx context.Context) Verification {
	var (
		mu sync.Mutex
		v  Verification
	)
	nodes := h.nodes.Nodes()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(h.cfg.Client.MaxConcurrentRequests)

	for _, block := range h.ledger.Snapshot().Active() {
		believed := make(map[string]bool, len(block.Replicas))
		for _, n := range block.Replicas {
			believed[n] = true
		}
		mu.Lock()
		v.Blocks++
		mu.Unlock()

		pending, agreed := len(nodes), true
		for _, node := range nodes {
			eg.Go(func() error {
				held, err := h.client.Exists(egCtx, node, block.CID)

				mu.Lock()
				defer mu.Unlock()
				v.Checked++
				match := true
				switch {
				case err != nil:
					v.Errors++
					match = false
				case believed[node.Name] && !held:
					v.Missing++
					match = false
					h.logger.Warn().Str("cid", block.CID).Str("node", node.Name).Msg("Replica missing on node")
				case !believed[node.Name] && held:
					v.Unexpected++
					match = false
					h.logger.Debug().Str("cid", block.CID).Str("node", node.Name).Msg("Untracked replica on node")
				}
				agreed = agreed && match
				pending--
				if pending == 0 && agreed {
					v.Agreed++
				}
				return nil
			})
		}
	}
	_ = eg.Wait()

	event := h.logger.Info()
	if !v.Consistent() {
		event = h.logger.Warn()
	}
	event.
		Int("blocks", v.Blocks).
		Int("agreed", v.Agreed).
		Int("missing", v.Missing).
		Int("unexpected", v.Unexpected).
		Int("errors", v.Errors).
		Msg("Ledger verification complete")
	return v
}
