// Package storage defines the document storage used by each shard of the
// in-process simulated cluster (internal/memcluster).
//
// # Overview
//
// A DocumentStore keeps documents ordered by their int64 partition key so a
// shard can answer sorted reads and hand over a contiguous key range during a
// migration without a separate sort step.
//
//	┌─────────────────────────────────────┐
//	│           MemoryStore               │
//	├─────────────────────────────────────┤
//	│  docs: skip list ordered by         │
//	│        (partition key, _id)         │
//	│  byID: _id → partition key          │
//	├─────────────────────────────────────┤
//	│  Insert  Get  Delete                │
//	│  Range(r)    sorted copies          │
//	│  Extract(r)  remove and return      │
//	└─────────────────────────────────────┘
//
// # Concurrency and Thread Safety
//
// Reads take a shared lock and writes an exclusive one, so the id index and
// the skip list never disagree. Returned documents are copies.
//
// # Error Handling
//
// cluster.ErrDuplicateKey: a document with the same _id already exists. The
// bootstrap orchestrator relies on this to make re-seeding idempotent.
//
// ErrDocumentNotFound: Get on an unknown _id.
package storage
