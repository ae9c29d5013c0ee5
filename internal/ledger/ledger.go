// Package ledger tracks which nodes the harness believes hold each block.
//
// The ledger is the harness's belief, not ground truth: it only changes when
// a store, fetch or delete against a node is confirmed. Records are spread
// over a fixed number of shards, each guarded by its own mutex, so operations
// on unrelated CIDs never contend on one lock while all operations on the same
// CID are serialised.
package ledger

import (
	"hash/fnv"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 64

// record is the mutable per-CID state. It is only touched with its shard lock held.
type record struct {
	seq           uint64 // insertion order, used for snapshot cut-off
	cid           string
	origin        string
	size          int64
	generatedAt   time.Time
	generated     bool
	replicas      map[string]struct{}
	pruned        bool
	fetchFailures int
	pruneEvents   int
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
	leases  map[string]struct{}
}

// Ledger is the placement ledger shared by the generator and all drivers.
// The zero value is not usable; construct with New.
type Ledger struct {
	shards [shardCount]*shard
	seq    atomic.Uint64
	now    func() time.Time

	generated atomic.Int64
	retired   atomic.Int64
}

// New creates an empty ledger.
func New() *Ledger {
	l := &Ledger{now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{
			records: make(map[string]*record),
			leases:  make(map[string]struct{}),
		}
	}
	return l
}

func (l *Ledger) shardFor(cid string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cid))
	return l.shards[h.Sum32()%shardCount]
}

// getOrCreate must be called with s.mu held.
func (l *Ledger) getOrCreate(s *shard, cid string) *record {
	rec, ok := s.records[cid]
	if !ok {
		rec = &record{
			seq:         l.seq.Add(1),
			cid:         cid,
			generatedAt: l.now(),
			replicas:    make(map[string]struct{}),
		}
		s.records[cid] = rec
	}
	return rec
}

// RecordGenerated registers a block freshly stored on origin. It adds origin
// to the replica set and puts the CID in the generated set. Storing identical
// content twice yields the same CID, so a repeat only adds the replica.
func (l *Ledger) RecordGenerated(cid, origin string, size int64) {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := l.getOrCreate(s, cid)
	if !rec.generated {
		rec.generated = true
		rec.origin = origin
		rec.size = size
		l.generated.Add(1)
	}
	rec.replicas[origin] = struct{}{}
}

// RecordStore idempotently adds node to the replica set of cid, creating the
// record if absent. A confirmed copy also clears the fetch failure streak.
func (l *Ledger) RecordStore(cid, node string) {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := l.getOrCreate(s, cid)
	rec.replicas[node] = struct{}{}
	rec.fetchFailures = 0
}

// RecordDelete idempotently removes node from the replica set of cid.
func (l *Ledger) RecordDelete(cid, node string) {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[cid]; ok {
		delete(rec.replicas, node)
	}
}

// ReplicaCount returns the believed number of replicas of cid (0 if unknown).
func (l *Ledger) ReplicaCount(cid string) int {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[cid]; ok {
		return len(rec.replicas)
	}
	return 0
}

// Replicas returns a sorted copy of the replica set of cid.
func (l *Ledger) Replicas(cid string) []string {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[cid]
	if !ok {
		return []string{}
	}
	return sortedReplicas(rec)
}

// Holds reports whether node is believed to hold cid.
func (l *Ledger) Holds(cid, node string) bool {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[cid]; ok {
		_, held := rec.replicas[node]
		return held
	}
	return false
}

// Contains reports whether the ledger has any record for cid.
func (l *Ledger) Contains(cid string) bool {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.records[cid]
	return ok
}

// MarkPruned sets the terminal flag on cid. It returns true only for the call
// that actually flipped the flag. Unknown CIDs are ignored.
func (l *Ledger) MarkPruned(cid string) bool {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[cid]
	if !ok || rec.pruned {
		return false
	}
	rec.pruned = true
	l.retired.Add(1)
	return true
}

// IsPruned reports whether cid carries the terminal flag.
func (l *Ledger) IsPruned(cid string) bool {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[cid]
	return ok && rec.pruned
}

// RecordFetchFailure bumps the consecutive fetch failure count for cid and
// returns the new value.
func (l *Ledger) RecordFetchFailure(cid string) int {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[cid]
	if !ok {
		return 0
	}
	rec.fetchFailures++
	return rec.fetchFailures
}

// NotePruneEvent records that at least one surplus copy of cid was deleted.
func (l *Ledger) NotePruneEvent(cid string) {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[cid]; ok {
		rec.pruneEvents++
	}
}

// TryAcquire takes the per-CID operation lease. Drivers hold it for the whole
// decide-and-act sequence on one CID so that two passes never act on the same
// CID at once. It never blocks.
func (l *Ledger) TryAcquire(cid string) bool {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.leases[cid]; held {
		return false
	}
	s.leases[cid] = struct{}{}
	return true
}

// Release gives back a lease taken with TryAcquire.
func (l *Ledger) Release(cid string) {
	s := l.shardFor(cid)
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.leases, cid)
}

// ActiveCIDs returns the CIDs not flagged pruned, as of the moment of the
// call, in insertion order. The snapshot is taken eagerly and the returned
// sequence only walks it, so it can be ranged over any number of times and is
// unaffected by later mutation. CIDs inserted after the call never appear.
func (l *Ledger) ActiveCIDs() iter.Seq[string] {
	cutoff := l.seq.Load()

	type entry struct {
		seq uint64
		cid string
	}
	var entries []entry
	for _, s := range l.shards {
		s.mu.Lock()
		for cid, rec := range s.records {
			if rec.seq <= cutoff && !rec.pruned {
				entries = append(entries, entry{seq: rec.seq, cid: cid})
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	cids := make([]string, len(entries))
	for i, e := range entries {
		cids[i] = e.cid
	}

	return func(yield func(string) bool) {
		for _, cid := range cids {
			if !yield(cid) {
				return
			}
		}
	}
}

// GeneratedCount is the number of distinct CIDs ever generated.
func (l *Ledger) GeneratedCount() int {
	return int(l.generated.Load())
}

// Len is the number of CIDs the ledger knows about, pruned or not.
func (l *Ledger) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

func sortedReplicas(rec *record) []string {
	out := make([]string, 0, len(rec.replicas))
	for node := range rec.replicas {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}
