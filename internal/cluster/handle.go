package cluster

import (
	"context"
	"fmt"
	"strings"
)

// WriteLevel is the acknowledgment strength required before a write returns.
// Levels are ordered: WriteNone < WriteOne < WriteMajority.
type WriteLevel int

const (
	WriteNone WriteLevel = iota
	WriteOne
	WriteMajority
)

func (w WriteLevel) String() string {
	switch w {
	case WriteNone:
		return "none"
	case WriteOne:
		return "one"
	case WriteMajority:
		return "majority"
	default:
		return fmt.Sprintf("WriteLevel(%d)", int(w))
	}
}

// ParseWriteLevel accepts "none"/"0", "one"/"1" and "majority".
func ParseWriteLevel(s string) (WriteLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "0", "unacknowledged":
		return WriteNone, nil
	case "one", "1", "":
		return WriteOne, nil
	case "majority":
		return WriteMajority, nil
	}
	return WriteOne, fmt.Errorf("%w: unknown write level %q", ErrInvalidConfig, s)
}

// ReadTarget names the member roles eligible to serve a read.
type ReadTarget string

const (
	ReadPrimary            ReadTarget = "primary"
	ReadSecondary          ReadTarget = "secondary"
	ReadSecondaryPreferred ReadTarget = "secondaryPreferred"
	ReadNearest            ReadTarget = "nearest"
)

// ParseReadTarget is case-insensitive; an empty string means primary.
func ParseReadTarget(s string) (ReadTarget, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "":
		return ReadPrimary, nil
	case "secondary":
		return ReadSecondary, nil
	case "secondarypreferred", "secondary-preferred", "secondary_preferred":
		return ReadSecondaryPreferred, nil
	case "nearest":
		return ReadNearest, nil
	}
	return ReadPrimary, fmt.Errorf("%w: unknown read target %q", ErrInvalidConfig, s)
}

// WriteOptions carry the acknowledgment a write must collect.
type WriteOptions struct {
	Ack WriteLevel `json:"ack"`
	// Acks is the concrete number of members that must acknowledge; zero
	// means the backend default for Ack.
	Acks int `json:"acks,omitempty"`
}

// ReadOptions route a read. Member pins the read to one replica address when
// the backend supports it; otherwise Target is honored as a preference.
type ReadOptions struct {
	Target ReadTarget `json:"target,omitempty"`
	Member string     `json:"member,omitempty"`
}

// Handle is the administrative and data capability against an external
// cluster. Every call may block on the network and honors ctx.
//
// Implementations report idempotency conditions with the sentinel errors of
// this package (ErrNamespaceNotFound, ErrAlreadyEnabled, ErrSplitExists,
// ErrNoOpMigration, ErrDuplicateKey) and connection problems with
// ErrTransientUnavailable, so callers can classify failures with errors.Is.
type Handle interface {
	// DropCollection removes ns. Dropping an absent collection is not an error.
	DropCollection(ctx context.Context, ns Namespace) error

	// EnablePartitioning turns on sharding for a database.
	EnablePartitioning(ctx context.Context, database string) error

	// ShardCollection declares keyField as the partition key of ns.
	ShardCollection(ctx context.Context, ns Namespace, keyField string) error

	// SplitAt divides the chunk holding key so that key becomes the last key
	// of the lower chunk.
	SplitAt(ctx context.Context, ns Namespace, key int64) error

	// MoveRange migrates the chunk holding key to shard.
	MoveRange(ctx context.Context, ns Namespace, key int64, shard string) error

	InsertOne(ctx context.Context, ns Namespace, doc Document, opts WriteOptions) error

	// Find returns documents matching filter in ascending sortField order.
	Find(ctx context.Context, ns Namespace, filter Filter, sortField string, opts ReadOptions) (Cursor, error)

	// Shards lists the registered shard identifiers.
	Shards(ctx context.Context) ([]string, error)

	// Chunks reports the chunk table of ns sorted by lower bound.
	Chunks(ctx context.Context, ns Namespace) ([]Chunk, error)

	GroupStatus(ctx context.Context) (TopologySnapshot, error)
	InitiateGroup(ctx context.Context, cfg GroupConfig) error
	CurrentRole(ctx context.Context) (Hello, error)
}

// Cursor is a lazy, finite, non-restartable sequence of documents.
type Cursor interface {
	Next(ctx context.Context) bool
	Document() Document
	Err() error
	Close(ctx context.Context) error
}

// SliceCursor serves documents from memory.
type SliceCursor struct {
	docs []Document
	pos  int
	cur  Document
}

// NewSliceCursor returns a cursor over docs.
func NewSliceCursor(docs []Document) *SliceCursor {
	return &SliceCursor{docs: docs}
}

func (c *SliceCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil || c.pos >= len(c.docs) {
		c.cur = nil
		return false
	}
	c.cur = c.docs[c.pos]
	c.pos++
	return true
}

func (c *SliceCursor) Document() Document { return c.cur }

func (c *SliceCursor) Err() error { return nil }

func (c *SliceCursor) Close(context.Context) error {
	c.docs = nil
	return nil
}

// Collect drains a cursor and closes it.
func Collect(ctx context.Context, cur Cursor) ([]Document, error) {
	defer cur.Close(ctx)

	var out []Document
	for cur.Next(ctx) {
		out = append(out, cur.Document())
	}
	if err := cur.Err(); err != nil {
		return out, err
	}
	return out, ctx.Err()
}
