package ledger

import (
	"sort"
	"time"
)

// BlockRecord is an immutable copy of one ledger entry.
type BlockRecord struct {
	CID           string    `json:"cid"`
	Origin        string    `json:"origin,omitempty"`
	Size          int64     `json:"size"`
	GeneratedAt   time.Time `json:"generated_at"`
	Generated     bool      `json:"generated"`
	Replicas      []string  `json:"replicas"`
	Pruned        bool      `json:"pruned"`
	FetchFailures int       `json:"fetch_failures,omitempty"`
	PruneEvents   int       `json:"prune_events,omitempty"`
}

// View is a point-in-time copy of every record, ordered by insertion.
type View struct {
	TakenAt time.Time     `json:"taken_at"`
	Blocks  []BlockRecord `json:"blocks"`
}

// Snapshot copies the ledger. Shards are copied one at a time, so the view is
// consistent per CID but not across CIDs.
func (l *Ledger) Snapshot() View {
	type entry struct {
		seq uint64
		rec BlockRecord
	}
	var entries []entry
	for _, s := range l.shards {
		s.mu.Lock()
		for _, rec := range s.records {
			entries = append(entries, entry{seq: rec.seq, rec: rec.copy()})
		}
		s.mu.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	v := View{TakenAt: l.now(), Blocks: make([]BlockRecord, len(entries))}
	for i, e := range entries {
		v.Blocks[i] = e.rec
	}
	return v
}

// Get returns a copy of the record for cid.
func (l *Ledger) Get(cid string) (BlockRecord, bool) {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[cid]
	if !ok {
		return BlockRecord{}, false
	}
	return rec.copy(), true
}

func (r *record) copy() BlockRecord {
	return BlockRecord{
		CID:           r.cid,
		Origin:        r.origin,
		Size:          r.size,
		GeneratedAt:   r.generatedAt,
		Generated:     r.generated,
		Replicas:      sortedReplicas(r),
		Pruned:        r.pruned,
		FetchFailures: r.fetchFailures,
		PruneEvents:   r.pruneEvents,
	}
}

// Active returns the records not flagged pruned.
func (v View) Active() []BlockRecord {
	out := make([]BlockRecord, 0, len(v.Blocks))
	for _, b := range v.Blocks {
		if !b.Pruned {
			out = append(out, b)
		}
	}
	return out
}

// InstancesByNode counts active block instances per node name.
func (v View) InstancesByNode() map[string]int {
	counts := make(map[string]int)
	for _, b := range v.Blocks {
		if b.Pruned {
			continue
		}
		for _, node := range b.Replicas {
			counts[node]++
		}
	}
	return counts
}
