package coordinator

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardops/internal/cluster"
	"github.com/dreamware/shardops/internal/planner"
)

// PlacementRegistry is the coordinator's view of where each key range of the
// bootstrapped collection should live and where it actually lives.
//
// It holds two tables:
//   - planned placements, loaded from the partition plan
//   - observed chunks, refreshed from the cluster's chunk table during
//     verification
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│           PlacementRegistry             │
//	├─────────────────────────────────────────┤
//	│  planned:  [1,10]→rs0 [11,20]→rs1 ...   │
//	│  observed: [MinKey,10]→rs0 [11,20]→rs1  │
//	├─────────────────────────────────────────┤
//	│  key → planned shard / observed shard   │
//	└─────────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Load and Observe replace a table under Lock
//   - All returned data is copied to prevent races
//
// Performance Characteristics:
//   - ShardForKey, ObservedShardForKey: O(log n) binary search
//   - ShardRanges, Mismatches: O(n)
type PlacementRegistry struct {
	// planned is sorted by Range.Low and covers the plan range without gaps.
	planned []cluster.Placement

	// observed is the last chunk table seen, sorted by Range.Low.
	observed []cluster.Chunk

	// fingerprint identifies the loaded plan.
	fingerprint string

	mu sync.RWMutex
}

// Mismatch is a planned placement whose representative key currently lives
// on a different shard.
type Mismatch struct {
	Placement cluster.Placement `json:"placement"`
	Observed  string            `json:"observed"`
}

// NewPlacementRegistry creates an empty registry.
func NewPlacementRegistry() *PlacementRegistry {
	return &PlacementRegistry{}
}

// Load replaces the planned table with the placements of plan.
//
// Returns an error if the plan has no placements or its placements overlap
// or leave gaps; the registry is left unchanged in that case.
func (r *PlacementRegistry) Load(plan planner.Plan) error {
	if len(plan.Placements) == 0 {
		return fmt.Errorf("%w: plan has no placements", cluster.ErrInvalidConfig)
	}
	placements := slices.Clone(plan.Placements)
	sort.Slice(placements, func(i, j int) bool { return placements[i].Range.Low < placements[j].Range.Low })
	for i := 1; i < len(placements); i++ {
		if placements[i].Range.Low != placements[i-1].Range.High+1 {
			return fmt.Errorf("%w: placements %s and %s are not contiguous",
				cluster.ErrInvalidConfig, placements[i-1].Range, placements[i].Range)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.planned = placements
	r.fingerprint = plan.Fingerprint()
	return nil
}

// Observe records the chunk table last reported by the cluster.
func (r *PlacementRegistry) Observe(chunks []cluster.Chunk) {
	observed := slices.Clone(chunks)
	cluster.SortChunks(observed)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = observed
}

// Fingerprint returns the fingerprint of the loaded plan, or "" if none.
func (r *PlacementRegistry) Fingerprint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fingerprint
}

// Placements returns a copy of the planned table in key order.
func (r *PlacementRegistry) Placements() []cluster.Placement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.planned)
}

// Observed returns a copy of the last observed chunk table.
func (r *PlacementRegistry) Observed() []cluster.Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.observed)
}

// ShardForKey returns the shard the plan assigns key to.
//
// Returns an error if key lies outside the planned range or no plan is
// loaded.
func (r *PlacementRegistry) ShardForKey(key int64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.planned), func(i int) bool { return r.planned[i].Range.High >= key })
	if i == len(r.planned) || !r.planned[i].Range.Contains(key) {
		return "", fmt.Errorf("key %d is outside the planned range", key)
	}
	return r.planned[i].Shard, nil
}

// ObservedShardForKey returns the shard currently holding key according to
// the last observed chunk table.
func (r *PlacementRegistry) ObservedShardForKey(key int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chunk, ok := cluster.ChunkFor(r.observed, key)
	return chunk.Shard, ok
}

// ShardRanges returns the planned ranges assigned to shard, in key order.
func (r *PlacementRegistry) ShardRanges(shard string) []cluster.KeyRange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ranges []cluster.KeyRange
	for _, p := range r.planned {
		if p.Shard == shard {
			ranges = append(ranges, p.Range)
		}
	}
	return ranges
}

// Mismatches compares both tables at each placement's representative key.
// An empty result means the observed layout matches the plan; before the
// first Observe every placement is reported with an empty Observed shard.
func (r *PlacementRegistry) Mismatches() []Mismatch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Mismatch
	for _, p := range r.planned {
		chunk, _ := cluster.ChunkFor(r.observed, p.Representative)
		if chunk.Shard != p.Shard {
			out = append(out, Mismatch{Placement: p, Observed: chunk.Shard})
		}
	}
	return out
}
