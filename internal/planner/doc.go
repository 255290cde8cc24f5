// Package planner divides an inclusive partition-key range into contiguous
// sub-ranges and assigns each to a shard.
//
// A split point s is the last key of the lower sub-range: splitting [1, 30]
// at 10 and 20 yields [1, 10], [11, 20] and [21, 30]. Each placement carries
// a representative key (the midpoint of its range) which selects the chunk to
// migrate.
//
// Build is deterministic, so a re-run of the bootstrap re-applies exactly
// the same splits and migrations.
package planner
