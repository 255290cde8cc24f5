// Package cluster defines the vocabulary shared by every shardops component:
// the Handle capability over an external document-store cluster, the data
// and topology types it exchanges, the error kinds callers classify with
// errors.Is, and the small HTTP/JSON helpers used between shardops processes.
//
// # Overview
//
// Nothing in this package talks to a real cluster. Concrete handles live in
// internal/memcluster (in-process simulation), internal/mongoctl (MongoDB
// router and replica set) and internal/remote (HTTP client for a sandbox
// node). The orchestrator, the topology watcher and the consistency policy
// depend only on the Handle interface.
//
// # Key Space
//
// Partition keys are int64. A KeyRange is inclusive on both ends; MinKey and
// MaxKey mark the unbounded ends. A split at key s leaves s as the last key
// of the lower chunk:
//
//	[MinKey, MaxKey]  --SplitAt(10)-->  [MinKey, 10] [11, MaxKey]
//
// # Error Kinds
//
// Handles map backend failures onto the sentinel errors in errors.go:
//
//	ErrTransientUnavailable      retried with backoff (Retry)
//	ErrInvalidBoundary           fatal to the current step
//	ErrUnknownShard              fatal to the current step
//	ErrNoOpMigration             logged, treated as success
//	ErrAlreadyEnabled and kin    idempotency, treated as success
//	ErrUnsatisfiableRequirement  surfaced immediately, never downgraded
//
// Over HTTP the kind travels as ErrorBody.Kind and RemoteError unwraps to the
// same sentinel on the client side.
package cluster
