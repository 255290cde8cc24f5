// Package coordinator implements the control-plane logic of shardops: the
// bootstrap orchestrator that brings a partitioned collection to a verified
// layout, the topology watcher that follows a replica group through
// failovers, and the placement registry shared by both and by the admin API.
//
// # Overview
//
// The coordinator never stores data itself. Every action goes through a
// cluster.Handle, which may be the in-process memcluster, a sandbox node
// reached over HTTP, or a real MongoDB deployment. The package only decides
// what to ask for, in which order, and whether the result matches the plan.
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│                 COORDINATOR                   │
//	├───────────────────────────────────────────────┤
//	│                                               │
//	│  ┌─────────────────────────────────────────┐  │
//	│  │   Orchestrator                          │  │
//	│  │   - resume point (checkpoint / verify)  │  │
//	│  │   - drop, partition, seed, split, move  │  │
//	│  │   - verification report                 │  │
//	│  └─────────────────────────────────────────┘  │
//	│                     │                         │
//	│  ┌─────────────────────────────────────────┐  │
//	│  │   PlacementRegistry                     │  │
//	│  │   - planned ranges → shard              │  │
//	│  │   - observed chunk table                │  │
//	│  └─────────────────────────────────────────┘  │
//	│                                               │
//	│  ┌─────────────────────────────────────────┐  │
//	│  │   TopologyWatcher                       │  │
//	│  │   - periodic GroupStatus polls          │  │
//	│  │   - role / election / quorum events     │  │
//	│  │   - snapshot history                    │  │
//	│  └─────────────────────────────────────────┘  │
//	│                                               │
//	└───────────────────────────────────────────────┘
//
// # Bootstrap Sequence
//
// The orchestrator walks a fixed state machine:
//
//	Uninitialized → Dropped → PartitioningEnabled → Seeded → Split → Migrated → Verified
//
// Ordering constraints:
//   - the collection is dropped before partitioning is declared
//   - every split is applied before any range is moved
//   - splits are applied one at a time in ascending key order
//
// Migrations to different destination shards run concurrently; moves to the
// same shard keep plan order.
//
// Re-running is safe. Before doing anything a run picks its resume point:
//  1. a checkpoint written for the same plan, if the collection still exists
//  2. otherwise a live verification; if it passes, only migrations (all of
//     them no-ops) and verification are repeated
//  3. otherwise a fresh start with a drop
//
// Seeded documents carry a deterministic _id, so a retried insert that had
// in fact succeeded reports a duplicate key and counts as done.
//
// # Failure Handling
//
// Transient failures (network errors, timeouts, a group without a primary)
// are retried with exponential backoff. Conditions meaning "already done"
// count as success. Anything else stops the run with a *StepError naming the
// step and the last state reached; StepError.Fatal marks errors that another
// attempt with the same plan cannot fix (unknown shard, invalid boundary,
// unsatisfiable consistency requirement, failed verification).
//
// # Topology Watching
//
// The watcher compares consecutive snapshots:
//
//	poll n:   A=primary     B=secondary  C=secondary
//	poll n+1: A=unreachable B=primary    C=secondary
//	          → role-transition A, role-transition B, election A→B
//
// Without a new primary the loss stays pending; after QuorumLossThreshold
// polls a single quorum-loss is emitted, and quorum-restored follows once
// any primary is back. Members are never forgotten: a member missing from a
// report is shown as unreachable with its last-seen time kept.
//
// # Concurrency
//
//   - Orchestrator.Run calls are serialized; Status is safe at any time
//   - TopologyWatcher polls in one goroutine; accessors take a read lock
//   - PlacementRegistry copies everything it returns
//
// # See Also
//
//   - internal/cluster: Handle, sentinel errors, retry
//   - internal/planner: split points and placements
//   - internal/consistency: write/read directives from watcher snapshots
//   - cmd/coordinator: admin API wiring these together
package coordinator
