package shard

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dreamware/shardops/internal/cluster"
	"github.com/dreamware/shardops/internal/storage"
)

// ShardState represents the current state of a shard
type ShardState string

const (
	// ShardStateActive means the shard is serving requests
	ShardStateActive ShardState = "active"
	// ShardStateMigrating means a range is being moved in or out
	ShardStateMigrating ShardState = "migrating"
)

// Shard is one independently owned member of the simulated cluster. It holds
// the documents of every collection whose chunks it owns, one ordered store
// per namespace.
type Shard struct {
	ID     string                           // Shard identifier, e.g. "rs0"
	State  ShardState                       // Current shard state
	Stats  *ShardStats                      // Operation statistics
	stores map[string]storage.DocumentStore // namespace -> documents
	mu     sync.RWMutex                     // Protects State and stores
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops OperationStats // Operation counts
}

// OperationStats counts operations by type
type OperationStats struct {
	Inserts     uint64 // Number of inserted documents
	Reads       uint64 // Number of range reads
	MigratedIn  uint64 // Documents received by migrations
	MigratedOut uint64 // Documents handed over by migrations
}

// ShardInfo provides summary information about a shard
type ShardInfo struct {
	ID          string         `json:"id"`
	State       ShardState     `json:"state"`
	Documents   map[string]int `json:"documents"` // per namespace
	Ops         OperationStats `json:"ops"`
	Collections int            `json:"collections"`
}

// NewShard creates an empty active shard.
func NewShard(id string) *Shard {
	return &Shard{
		ID:     id,
		State:  ShardStateActive,
		Stats:  &ShardStats{},
		stores: make(map[string]storage.DocumentStore),
	}
}

func (s *Shard) store(ns string, create bool) storage.DocumentStore {
	s.mu.RLock()
	st, ok := s.stores[ns]
	s.mu.RUnlock()
	if ok || !create {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.stores[ns]; !ok {
		st = storage.NewMemoryStore()
		s.stores[ns] = st
	}
	return st
}

// Insert stores doc under key in namespace ns.
func (s *Shard) Insert(ns string, key int64, doc cluster.Document) error {
	if err := s.store(ns, true).Insert(key, doc); err != nil {
		return err
	}
	atomic.AddUint64(&s.Stats.Ops.Inserts, 1)
	return nil
}

// Range returns the documents of ns with keys in r, in key order.
func (s *Shard) Range(ns string, r cluster.KeyRange) []cluster.Document {
	atomic.AddUint64(&s.Stats.Ops.Reads, 1)
	st := s.store(ns, false)
	if st == nil {
		return nil
	}
	return st.Range(r)
}

// Count returns the number of documents of ns with keys in r.
func (s *Shard) Count(ns string, r cluster.KeyRange) int {
	st := s.store(ns, false)
	if st == nil {
		return 0
	}
	return len(st.Range(r))
}

// Extract removes the documents of ns with keys in r and returns them for
// hand-over to another shard.
func (s *Shard) Extract(ns string, r cluster.KeyRange) []storage.Entry {
	st := s.store(ns, false)
	if st == nil {
		return nil
	}
	out := st.Extract(r)
	atomic.AddUint64(&s.Stats.Ops.MigratedOut, uint64(len(out)))
	return out
}

// Absorb inserts documents received from another shard.
func (s *Shard) Absorb(ns string, entries []storage.Entry) error {
	st := s.store(ns, true)
	for _, e := range entries {
		if err := st.Insert(e.Key, e.Doc); err != nil {
			return err
		}
	}
	atomic.AddUint64(&s.Stats.Ops.MigratedIn, uint64(len(entries)))
	return nil
}

// Drop discards all documents of ns.
func (s *Shard) Drop(ns string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stores, ns)
}

// SetState updates the shard state.
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// Info returns summary information about the shard
func (s *Shard) Info() ShardInfo {
	s.mu.RLock()
	state := s.State
	namespaces := make([]string, 0, len(s.stores))
	for ns := range s.stores {
		namespaces = append(namespaces, ns)
	}
	s.mu.RUnlock()
	sort.Strings(namespaces)

	docs := make(map[string]int, len(namespaces))
	for _, ns := range namespaces {
		if st := s.store(ns, false); st != nil {
			docs[ns] = st.Stats().Documents
		}
	}

	return ShardInfo{
		ID:        s.ID,
		State:     state,
		Documents: docs,
		Ops: OperationStats{
			Inserts:     atomic.LoadUint64(&s.Stats.Ops.Inserts),
			Reads:       atomic.LoadUint64(&s.Stats.Ops.Reads),
			MigratedIn:  atomic.LoadUint64(&s.Stats.Ops.MigratedIn),
			MigratedOut: atomic.LoadUint64(&s.Stats.Ops.MigratedOut),
		},
		Collections: len(namespaces),
	}
}
