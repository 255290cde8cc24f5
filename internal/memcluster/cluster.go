package memcluster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardops/internal/cluster"
	"github.com/dreamware/shardops/internal/shard"
)

// Cluster is an in-process cluster.Handle: a set of named shards holding
// collection chunks, plus one simulated replica group.
type Cluster struct {
	mu          sync.RWMutex
	shards      map[string]*shard.Shard
	shardOrder  []string
	partitioned map[string]bool
	collections map[string]*collection
	group       *replicaGroup
	log         *slog.Logger

	faultMu sync.Mutex // Protects faults and down
	faults  map[string]int
	down    bool
}

type collection struct {
	ns       cluster.Namespace
	keyField string
	sharded  bool
	chunks   []cluster.Chunk
	seq      int64
}

var _ cluster.Handle = (*Cluster)(nil)

// Option configures a Cluster.
type Option func(*Cluster)

// WithGroup starts the cluster with an already initiated replica group whose
// first member is primary.
func WithGroup(name string, members ...string) Option {
	return func(c *Cluster) {
		_ = c.group.initiate(cluster.NewGroupConfig(name, members))
	}
}

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cluster) { c.log = l }
}

// New creates a cluster with the given shard identifiers. The first shard is
// the primary shard: unsharded collections and fresh chunks live there. An
// empty list yields a single shard named "shard0".
func New(shardIDs []string, opts ...Option) *Cluster {
	if len(shardIDs) == 0 {
		shardIDs = []string{"shard0"}
	}
	c := &Cluster{
		shards:      make(map[string]*shard.Shard),
		partitioned: make(map[string]bool),
		collections: make(map[string]*collection),
		group:       newReplicaGroup(),
		faults:      make(map[string]int),
		log:         slog.Default(),
	}
	for _, id := range shardIDs {
		if _, dup := c.shards[id]; dup {
			continue
		}
		c.shards[id] = shard.NewShard(id)
		c.shardOrder = append(c.shardOrder, id)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FailNext makes the next n calls of op (a Handle method name such as
// "MoveRange") fail with cluster.ErrTransientUnavailable.
func (c *Cluster) FailNext(op string, n int) {
	c.faultMu.Lock()
	defer c.faultMu.Unlock()
	c.faults[op] = n
}

// SetDown simulates a network partition between the caller and the whole
// cluster: every call fails with cluster.ErrTransientUnavailable.
func (c *Cluster) SetDown(down bool) {
	c.faultMu.Lock()
	defer c.faultMu.Unlock()
	c.down = down
}

func (c *Cluster) fault(op string) error {
	c.faultMu.Lock()
	defer c.faultMu.Unlock()

	if c.down {
		return fmt.Errorf("%s: %w: cluster unreachable", op, cluster.ErrTransientUnavailable)
	}
	if n := c.faults[op]; n > 0 {
		c.faults[op] = n - 1
		return fmt.Errorf("%s: %w: injected fault", op, cluster.ErrTransientUnavailable)
	}
	return nil
}

func (c *Cluster) primaryShard() *shard.Shard {
	if len(c.shardOrder) == 0 {
		return nil
	}
	return c.shards[c.shardOrder[0]]
}

func (c *Cluster) DropCollection(ctx context.Context, ns cluster.Namespace) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("DropCollection"); err != nil {
		return err
	}

	if _, ok := c.collections[ns.String()]; !ok {
		return nil
	}
	delete(c.collections, ns.String())
	for _, s := range c.shards {
		s.Drop(ns.String())
	}
	c.log.Debug("collection dropped", "ns", ns.String())
	return nil
}

func (c *Cluster) EnablePartitioning(ctx context.Context, database string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("EnablePartitioning"); err != nil {
		return err
	}

	if c.partitioned[database] {
		return fmt.Errorf("database %s: %w", database, cluster.ErrAlreadyEnabled)
	}
	c.partitioned[database] = true
	return nil
}

func (c *Cluster) ShardCollection(ctx context.Context, ns cluster.Namespace, keyField string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("ShardCollection"); err != nil {
		return err
	}

	if !c.partitioned[ns.Database] {
		return fmt.Errorf("%w: sharding not enabled for database %s", cluster.ErrInvalidConfig, ns.Database)
	}
	if keyField == "" {
		return fmt.Errorf("%w: empty partition key", cluster.ErrInvalidConfig)
	}

	coll := c.collections[ns.String()]
	if coll == nil {
		coll = c.newCollection(ns)
	}
	if coll.sharded {
		if coll.keyField != keyField {
			return fmt.Errorf("%w: %s already sharded on %q", cluster.ErrInvalidConfig, ns, coll.keyField)
		}
		return fmt.Errorf("%s: %w", ns, cluster.ErrAlreadySharded)
	}

	// Documents inserted before sharding are keyed by insertion order; re-key
	// them by the partition key.
	primary := c.primaryShard()
	entries := primary.Extract(ns.String(), cluster.FullRange)
	for i := range entries {
		k, err := entries[i].Doc.Int64(keyField)
		if err != nil {
			_ = primary.Absorb(ns.String(), entries)
			return fmt.Errorf("%w: cannot shard %s: %v", cluster.ErrInvalidConfig, ns, err)
		}
		entries[i].Key = k
	}
	if err := primary.Absorb(ns.String(), entries); err != nil {
		return err
	}

	coll.keyField = keyField
	coll.sharded = true
	return nil
}

func (c *Cluster) newCollection(ns cluster.Namespace) *collection {
	coll := &collection{
		ns:     ns,
		chunks: []cluster.Chunk{{Range: cluster.FullRange, Shard: c.shardOrder[0]}},
	}
	c.collections[ns.String()] = coll
	return coll
}

func (c *Cluster) SplitAt(ctx context.Context, ns cluster.Namespace, key int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("SplitAt"); err != nil {
		return err
	}

	coll, err := c.shardedCollection(ns)
	if err != nil {
		return err
	}
	if key == cluster.MaxKey {
		return fmt.Errorf("%w: cannot split at MaxKey", cluster.ErrInvalidBoundary)
	}

	i := chunkIndex(coll.chunks, key)
	chunk := coll.chunks[i]
	if chunk.Range.High == key {
		return fmt.Errorf("%s at %d: %w", ns, key, cluster.ErrSplitExists)
	}

	lower := cluster.Chunk{Range: cluster.KeyRange{Low: chunk.Range.Low, High: key}, Shard: chunk.Shard}
	upper := cluster.Chunk{Range: cluster.KeyRange{Low: key + 1, High: chunk.Range.High}, Shard: chunk.Shard}
	coll.chunks = slices.Insert(slices.Delete(coll.chunks, i, i+1), i, lower, upper)
	c.log.Debug("chunk split", "ns", ns.String(), "at", key, "lower", lower.Range.String(), "upper", upper.Range.String())
	return nil
}

func (c *Cluster) MoveRange(ctx context.Context, ns cluster.Namespace, key int64, dest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("MoveRange"); err != nil {
		return err
	}

	to, ok := c.shards[dest]
	if !ok {
		return fmt.Errorf("move %s to %q: %w", ns, dest, cluster.ErrUnknownShard)
	}
	coll, err := c.shardedCollection(ns)
	if err != nil {
		return err
	}

	i := chunkIndex(coll.chunks, key)
	chunk := coll.chunks[i]
	if chunk.Shard == dest {
		return fmt.Errorf("chunk %s of %s on %s: %w", chunk.Range, ns, dest, cluster.ErrNoOpMigration)
	}

	from := c.shards[chunk.Shard]
	from.SetState(shard.ShardStateMigrating)
	to.SetState(shard.ShardStateMigrating)
	defer from.SetState(shard.ShardStateActive)
	defer to.SetState(shard.ShardStateActive)

	moved := from.Extract(ns.String(), chunk.Range)
	if err := to.Absorb(ns.String(), moved); err != nil {
		_ = from.Absorb(ns.String(), moved)
		return fmt.Errorf("move %s: %w", chunk.Range, err)
	}
	coll.chunks[i].Shard = dest
	c.log.Debug("chunk moved", "ns", ns.String(), "range", chunk.Range.String(), "from", chunk.Shard, "to", dest, "documents", len(moved))
	return nil
}

func (c *Cluster) shardedCollection(ns cluster.Namespace) (*collection, error) {
	coll, ok := c.collections[ns.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ns, cluster.ErrNamespaceNotFound)
	}
	if !coll.sharded {
		return nil, fmt.Errorf("%w: %s is not sharded", cluster.ErrInvalidBoundary, ns)
	}
	return coll, nil
}

// chunkIndex returns the index of the chunk holding key. Chunks always cover
// the whole key space, so the search cannot miss.
func chunkIndex(chunks []cluster.Chunk, key int64) int {
	return sort.Search(len(chunks), func(i int) bool { return chunks[i].Range.High >= key })
}

func (c *Cluster) InsertOne(ctx context.Context, ns cluster.Namespace, doc cluster.Document, opts cluster.WriteOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("InsertOne"); err != nil {
		return err
	}
	if err := c.group.checkWrite(opts); err != nil {
		return err
	}

	coll := c.collections[ns.String()]
	if coll == nil {
		coll = c.newCollection(ns)
	}

	doc = doc.Clone()
	if _, ok := doc[cluster.FieldID]; !ok {
		doc[cluster.FieldID] = fmt.Sprintf("%s-%d", ns.Collection, coll.seq+1)
	}

	var key int64
	if coll.sharded {
		k, err := doc.Int64(coll.keyField)
		if err != nil {
			return fmt.Errorf("%w: %v", cluster.ErrInvalidConfig, err)
		}
		key = k
	} else {
		key = coll.seq
	}

	chunk := coll.chunks[chunkIndex(coll.chunks, key)]
	if err := c.shards[chunk.Shard].Insert(ns.String(), key, doc); err != nil {
		return err
	}
	coll.seq++
	return nil
}

func (c *Cluster) Find(ctx context.Context, ns cluster.Namespace, filter cluster.Filter, sortField string, opts cluster.ReadOptions) (cluster.Cursor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.fault("Find"); err != nil {
		return nil, err
	}
	if err := c.group.checkRead(opts); err != nil {
		return nil, err
	}

	coll, ok := c.collections[ns.String()]
	if !ok {
		return cluster.NewSliceCursor(nil), nil
	}

	var docs []cluster.Document
	for _, chunk := range coll.chunks {
		for _, d := range c.shards[chunk.Shard].Range(ns.String(), chunk.Range) {
			if matches(d, filter) {
				docs = append(docs, d)
			}
		}
	}
	if sortField != "" && (!coll.sharded || sortField != coll.keyField) {
		sort.SliceStable(docs, func(i, j int) bool {
			return compareValues(docs[i][sortField], docs[j][sortField]) < 0
		})
	}
	return cluster.NewSliceCursor(docs), nil
}

func (c *Cluster) Shards(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.fault("Shards"); err != nil {
		return nil, err
	}
	return append([]string(nil), c.shardOrder...), nil
}

func (c *Cluster) Chunks(ctx context.Context, ns cluster.Namespace) ([]cluster.Chunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.fault("Chunks"); err != nil {
		return nil, err
	}

	coll, ok := c.collections[ns.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ns, cluster.ErrNamespaceNotFound)
	}
	return append([]cluster.Chunk(nil), coll.chunks...), nil
}

// ShardInfo reports per-shard statistics.
func (c *Cluster) ShardInfo() []shard.ShardInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]shard.ShardInfo, 0, len(c.shardOrder))
	for _, id := range c.shardOrder {
		out = append(out, c.shards[id].Info())
	}
	return out
}

func (c *Cluster) GroupStatus(ctx context.Context) (cluster.TopologySnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.fault("GroupStatus"); err != nil {
		return cluster.TopologySnapshot{}, err
	}
	return c.group.status()
}

func (c *Cluster) InitiateGroup(ctx context.Context, cfg cluster.GroupConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("InitiateGroup"); err != nil {
		return err
	}
	return c.group.initiate(cfg)
}

func (c *Cluster) CurrentRole(ctx context.Context) (cluster.Hello, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.fault("CurrentRole"); err != nil {
		return cluster.Hello{}, err
	}
	return c.group.hello()
}
