// Package shard implements one member of the in-process simulated cluster: a
// named shard that physically holds the documents of the chunks it owns.
//
// # Overview
//
// The simulated cluster (internal/memcluster) keeps the chunk table; a Shard
// only stores documents. Moving a chunk is Extract on the source shard
// followed by Absorb on the destination:
//
//	rs0                         rs1
//	┌──────────────┐  Extract   ┌──────────────┐
//	│ [MinKey, 10] │ ─────────▶ │  (absorbs)   │
//	│ [11, 20]     │   Absorb   │ [11, 20]     │
//	└──────────────┘            └──────────────┘
//
// Documents of different collections live in separate ordered stores keyed
// by namespace, so dropping a collection never touches other data.
//
// # Thread Safety
//
// All methods may be called concurrently. Operation counters use atomics;
// state and the namespace map are guarded by an RWMutex.
package shard
