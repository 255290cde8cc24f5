package mongoctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/dreamware/shardops/internal/cluster"
)

// Config locates the deployment. RouterURI points at a mongos; ReplicaSetURI
// at the replica set whose topology is watched. To initiate a fresh set the
// URI must name one member with directConnection=true.
type Config struct {
	RouterURI      string
	ReplicaSetURI  string
	ConnectTimeout time.Duration
}

// Handle is a cluster.Handle over a MongoDB sharded cluster.
type Handle struct {
	router *mongo.Client
	group  *mongo.Client // nil without a replica set URI
	log    *slog.Logger

	mu        sync.RWMutex
	keyFields map[string]string // namespace -> partition key, filled lazily
}

var _ cluster.Handle = (*Handle)(nil)

// Connect dials the router and, when configured, the replica set, and pings
// both.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Handle, error) {
	if cfg.RouterURI == "" && cfg.ReplicaSetURI == "" {
		return nil, fmt.Errorf("%w: no MongoDB URI configured", cluster.ErrInvalidConfig)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handle{log: logger.With("component", "mongoctl"), keyFields: make(map[string]string)}

	var err error
	if cfg.RouterURI != "" {
		if h.router, err = dial(ctx, cfg.RouterURI, cfg.ConnectTimeout); err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}
	}
	if cfg.ReplicaSetURI != "" {
		if h.group, err = dial(ctx, cfg.ReplicaSetURI, cfg.ConnectTimeout); err != nil {
			_ = h.Close(ctx)
			return nil, fmt.Errorf("replica set: %w", err)
		}
	}
	if h.router == nil {
		// Without a router, data and admin calls go straight to the set.
		h.router = h.group
	}
	return h, nil
}

func dial(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, classify(err)
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pctx, readpref.Nearest()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, classify(err)
	}
	return client, nil
}

// Close disconnects every client.
func (h *Handle) Close(ctx context.Context) error {
	var err error
	if h.router != nil {
		err = h.router.Disconnect(ctx)
	}
	if h.group != nil && h.group != h.router {
		if gerr := h.group.Disconnect(ctx); err == nil {
			err = gerr
		}
	}
	return err
}

func (h *Handle) admin(ctx context.Context, client *mongo.Client, cmd bson.D, out any) error {
	res := client.Database("admin").RunCommand(ctx, cmd)
	if err := res.Err(); err != nil {
		return classify(err)
	}
	if out == nil {
		return nil
	}
	return res.Decode(out)
}

func (h *Handle) groupClient() (*mongo.Client, error) {
	if h.group == nil {
		return nil, fmt.Errorf("%w: no replica set URI configured", cluster.ErrInvalidConfig)
	}
	return h.group, nil
}

func (h *Handle) DropCollection(ctx context.Context, ns cluster.Namespace) error {
	err := h.router.Database(ns.Database).Collection(ns.Collection).Drop(ctx)
	if err = classify(err); err != nil && !isNamespaceNotFound(err) {
		return err
	}
	h.mu.Lock()
	delete(h.keyFields, ns.String())
	h.mu.Unlock()
	return nil
}

func (h *Handle) EnablePartitioning(ctx context.Context, database string) error {
	err := h.admin(ctx, h.router, bson.D{{Key: "enableSharding", Value: database}}, nil)
	if isAlreadyInitialized(err) {
		return fmt.Errorf("database %s: %w", database, cluster.ErrAlreadyEnabled)
	}
	return err
}

func (h *Handle) ShardCollection(ctx context.Context, ns cluster.Namespace, keyField string) error {
	if keyField == "" {
		return fmt.Errorf("%w: empty partition key", cluster.ErrInvalidConfig)
	}
	err := h.admin(ctx, h.router, bson.D{
		{Key: "shardCollection", Value: ns.String()},
		{Key: "key", Value: bson.D{{Key: keyField, Value: 1}}},
	}, nil)
	if isAlreadyInitialized(err) {
		err = fmt.Errorf("%s: %w", ns, cluster.ErrAlreadySharded)
	}
	if err == nil || cluster.IsIdempotent(err) {
		h.mu.Lock()
		h.keyFields[ns.String()] = keyField
		h.mu.Unlock()
	}
	return err
}

// keyField returns the partition key of ns from the cache or the config
// database.
func (h *Handle) keyField(ctx context.Context, ns cluster.Namespace) (string, error) {
	h.mu.RLock()
	field, ok := h.keyFields[ns.String()]
	h.mu.RUnlock()
	if ok {
		return field, nil
	}

	meta, err := h.collectionMeta(ctx, ns)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.keyFields[ns.String()] = meta.keyField
	h.mu.Unlock()
	return meta.keyField, nil
}

type collectionMeta struct {
	keyField string
	uuid     any
}

func (h *Handle) collectionMeta(ctx context.Context, ns cluster.Namespace) (collectionMeta, error) {
	var doc struct {
		Key     bson.D `bson:"key"`
		UUID    any    `bson:"uuid"`
		Dropped bool   `bson:"dropped"`
	}
	err := h.router.Database("config").Collection("collections").
		FindOne(ctx, bson.D{{Key: "_id", Value: ns.String()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) || (err == nil && doc.Dropped) {
		return collectionMeta{}, fmt.Errorf("%s: %w", ns, cluster.ErrNamespaceNotFound)
	}
	if err != nil {
		return collectionMeta{}, classify(err)
	}
	if len(doc.Key) == 0 {
		return collectionMeta{}, fmt.Errorf("%w: %s has no shard key", cluster.ErrInvalidConfig, ns)
	}
	return collectionMeta{keyField: doc.Key[0].Key, uuid: doc.UUID}, nil
}

// SplitAt issues split with middle key+1: the server's chunk bounds are
// half-open, so key ends up as the last key of the lower chunk.
func (h *Handle) SplitAt(ctx context.Context, ns cluster.Namespace, key int64) error {
	if key == cluster.MaxKey {
		return fmt.Errorf("%w: cannot split at MaxKey", cluster.ErrInvalidBoundary)
	}
	field, err := h.keyField(ctx, ns)
	if err != nil {
		return err
	}
	err = h.admin(ctx, h.router, bson.D{
		{Key: "split", Value: ns.String()},
		{Key: "middle", Value: bson.D{{Key: field, Value: key + 1}}},
	}, nil)
	switch {
	case isSplitExists(err):
		return fmt.Errorf("%s at %d: %w", ns, key, cluster.ErrSplitExists)
	case isBadValue(err):
		return fmt.Errorf("%w: split %s at %d: %w", cluster.ErrInvalidBoundary, ns, key, err)
	}
	return err
}

func (h *Handle) MoveRange(ctx context.Context, ns cluster.Namespace, key int64, shard string) error {
	field, err := h.keyField(ctx, ns)
	if err != nil {
		return err
	}
	err = h.admin(ctx, h.router, bson.D{
		{Key: "moveChunk", Value: ns.String()},
		{Key: "find", Value: bson.D{{Key: field, Value: key}}},
		{Key: "to", Value: shard},
	}, nil)
	switch {
	case isNoOpMigration(err):
		return fmt.Errorf("key %d of %s on %s: %w", key, ns, shard, cluster.ErrNoOpMigration)
	case isShardNotFound(err):
		return fmt.Errorf("move %s to %q: %w", ns, shard, cluster.ErrUnknownShard)
	}
	return err
}

func (h *Handle) InsertOne(ctx context.Context, ns cluster.Namespace, doc cluster.Document, opts cluster.WriteOptions) error {
	coll := h.router.Database(ns.Database).
		Collection(ns.Collection, options.Collection().SetWriteConcern(writeConcern(opts)))
	_, err := coll.InsertOne(ctx, bson.M(doc))
	if errors.Is(err, mongo.ErrUnacknowledgedWrite) {
		return nil
	}
	return classify(err)
}

// Find honors opts.Target as a read preference. A pinned opts.Member cannot
// be expressed through a router and is ignored.
func (h *Handle) Find(ctx context.Context, ns cluster.Namespace, filter cluster.Filter, sortField string, opts cluster.ReadOptions) (cluster.Cursor, error) {
	rp, err := readPreference(opts.Target)
	if err != nil {
		return nil, err
	}
	coll := h.router.Database(ns.Database).
		Collection(ns.Collection, options.Collection().SetReadPreference(rp))

	q := bson.M{}
	for k, v := range filter {
		q[k] = v
	}
	fopts := options.Find()
	if sortField != "" {
		fopts.SetSort(bson.D{{Key: sortField, Value: 1}})
	}
	cur, err := coll.Find(ctx, q, fopts)
	if err != nil {
		return nil, classify(err)
	}
	return &cursor{cur: cur}, nil
}

func (h *Handle) Shards(ctx context.Context) ([]string, error) {
	var out struct {
		Shards []struct {
			ID   string `bson:"_id"`
			Host string `bson:"host"`
		} `bson:"shards"`
	}
	if err := h.admin(ctx, h.router, bson.D{{Key: "listShards", Value: 1}}, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Shards))
	for _, s := range out.Shards {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// Chunks reads config.chunks, matching by collection UUID on servers that
// record it and by namespace otherwise.
func (h *Handle) Chunks(ctx context.Context, ns cluster.Namespace) ([]cluster.Chunk, error) {
	meta, err := h.collectionMeta(ctx, ns)
	if err != nil {
		return nil, err
	}
	filter := bson.D{{Key: "ns", Value: ns.String()}}
	if meta.uuid != nil {
		filter = bson.D{{Key: "uuid", Value: meta.uuid}}
	}

	cur, err := h.router.Database("config").Collection("chunks").
		Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "min", Value: 1}}))
	if err != nil {
		return nil, classify(err)
	}
	defer cur.Close(ctx)

	var chunks []cluster.Chunk
	for cur.Next(ctx) {
		var doc chunkDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		c, err := doc.chunk(meta.keyField)
		if err != nil {
			return nil, fmt.Errorf("chunk of %s: %w", ns, err)
		}
		chunks = append(chunks, c)
	}
	if err := cur.Err(); err != nil {
		return nil, classify(err)
	}
	cluster.SortChunks(chunks)
	return chunks, nil
}

func (h *Handle) GroupStatus(ctx context.Context) (cluster.TopologySnapshot, error) {
	client, err := h.groupClient()
	if err != nil {
		return cluster.TopologySnapshot{}, err
	}
	var status replSetStatus
	if err := h.admin(ctx, client, bson.D{{Key: "replSetGetStatus", Value: 1}}, &status); err != nil {
		if isNotYetInitialized(err) {
			return cluster.TopologySnapshot{}, fmt.Errorf("%w: replica set not initiated", cluster.ErrTransientUnavailable)
		}
		return cluster.TopologySnapshot{}, err
	}
	return status.snapshot(time.Now()), nil
}

func (h *Handle) InitiateGroup(ctx context.Context, cfg cluster.GroupConfig) error {
	client, err := h.groupClient()
	if err != nil {
		return err
	}
	members := bson.A{}
	for _, m := range cfg.Members {
		members = append(members, bson.D{{Key: "_id", Value: m.ID}, {Key: "host", Value: m.Host}})
	}
	err = h.admin(ctx, client, bson.D{{Key: "replSetInitiate", Value: bson.D{
		{Key: "_id", Value: cfg.Name},
		{Key: "members", Value: members},
	}}}, nil)
	if isAlreadyInitialized(err) {
		return fmt.Errorf("%s: %w", cfg.Name, cluster.ErrAlreadyInitiated)
	}
	if err == nil {
		h.log.Info("replica set initiated", "set", cfg.Name, "members", len(cfg.Members))
	}
	return err
}

func (h *Handle) CurrentRole(ctx context.Context) (cluster.Hello, error) {
	client, err := h.groupClient()
	if err != nil {
		client = h.router
	}
	var reply helloReply
	if err := h.admin(ctx, client, bson.D{{Key: "hello", Value: 1}}, &reply); err != nil {
		return cluster.Hello{}, err
	}
	return reply.hello(), nil
}

// cursor adapts *mongo.Cursor to cluster.Cursor.
type cursor struct {
	cur *mongo.Cursor
	doc cluster.Document
	err error
}

func (c *cursor) Next(ctx context.Context) bool {
	c.doc = nil
	if c.err != nil || !c.cur.Next(ctx) {
		return false
	}
	var m bson.M
	if err := c.cur.Decode(&m); err != nil {
		c.err = err
		return false
	}
	c.doc = cluster.Document(m)
	return true
}

func (c *cursor) Document() cluster.Document { return c.doc }

func (c *cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return classify(c.cur.Err())
}

func (c *cursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}
