// Package memcluster provides an in-process implementation of
// cluster.Handle: named shards holding collection chunks, a chunk table per
// collection, and one simulated replica group whose roles are driven
// explicitly by tests and the sandbox node.
//
// It follows the command semantics of a real sharded deployment closely
// enough for the orchestrator and the topology watcher to be exercised end
// to end without one:
//
//   - SplitAt(k) makes k the last key of the lower chunk.
//   - Repeating a split, a migration, partitioning or sharding returns the
//     matching idempotent error kind.
//   - Writes and reads are checked against the replica group's roles.
//
// FailNext and SetDown inject transient failures.
package memcluster
