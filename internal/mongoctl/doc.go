// Package mongoctl implements cluster.Handle against a MongoDB sharded
// cluster with the official Go driver.
//
// Administrative calls go to the router (mongos) as admin commands:
// enableSharding, shardCollection, split, moveChunk, listShards. The chunk
// table is read from config.chunks. Replica group calls (replSetGetStatus,
// replSetInitiate, hello) go to the replica set URI.
//
// MongoDB chunk bounds are half-open, [min, max). Splitting "at k" in the
// cluster.Handle sense makes k the last key of the lower chunk, so the
// server is asked to split with middle k+1, and reported bounds are
// translated back to inclusive ranges.
//
// Driver and server errors are mapped onto the sentinels of package cluster;
// the original error stays in the chain.
package mongoctl
