package memcluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardops/internal/cluster"
)

var testNS = cluster.Namespace{Database: "testDB", Collection: "myCollection"}

func shardedCluster(t *testing.T, opts ...Option) *Cluster {
	t.Helper()
	ctx := context.Background()
	c := New([]string{"rs0", "rs1", "rs2"}, opts...)
	require.NoError(t, c.EnablePartitioning(ctx, testNS.Database))
	require.NoError(t, c.ShardCollection(ctx, testNS, "shardKey"))
	return c
}

func insertRange(t *testing.T, c *Cluster, from, to int) {
	t.Helper()
	for k := from; k <= to; k++ {
		doc := cluster.Document{"shardKey": k, "value": fmt.Sprintf("Document %d", k)}
		require.NoError(t, c.InsertOne(context.Background(), testNS, doc, cluster.WriteOptions{Ack: cluster.WriteOne}))
	}
}

func TestSplitAndMove(t *testing.T) {
	ctx := context.Background()
	c := shardedCluster(t)
	insertRange(t, c, 1, 30)

	require.NoError(t, c.SplitAt(ctx, testNS, 10))
	require.NoError(t, c.SplitAt(ctx, testNS, 20))
	require.NoError(t, c.MoveRange(ctx, testNS, 15, "rs1"))
	require.NoError(t, c.MoveRange(ctx, testNS, 25, "rs2"))

	chunks, err := c.Chunks(ctx, testNS)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, cluster.KeyRange{Low: cluster.MinKey, High: 10}, chunks[0].Range)
	assert.Equal(t, cluster.KeyRange{Low: 11, High: 20}, chunks[1].Range)
	assert.Equal(t, cluster.KeyRange{Low: 21, High: cluster.MaxKey}, chunks[2].Range)
	assert.Equal(t, []string{"rs0", "rs1", "rs2"}, []string{chunks[0].Shard, chunks[1].Shard, chunks[2].Shard})

	for _, info := range c.ShardInfo() {
		assert.Equal(t, 10, info.Documents[testNS.String()], info.ID)
	}

	cur, err := c.Find(ctx, testNS, nil, "shardKey", cluster.ReadOptions{})
	require.NoError(t, err)
	docs, err := cluster.Collect(ctx, cur)
	require.NoError(t, err)
	require.Len(t, docs, 30)
	for i, d := range docs {
		k, err := d.Int64("shardKey")
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), k)
	}
}

// TestSplitOrderIndependent applies the same boundaries in different orders,
// with repeats, and expects the same partitioning every time.
func TestSplitOrderIndependent(t *testing.T) {
	want := []cluster.Chunk{
		{Range: cluster.KeyRange{Low: cluster.MinKey, High: 10}, Shard: "rs0"},
		{Range: cluster.KeyRange{Low: 11, High: 20}, Shard: "rs0"},
		{Range: cluster.KeyRange{Low: 21, High: cluster.MaxKey}, Shard: "rs0"},
	}
	tests := []struct {
		name   string
		splits []int64
	}{
		{"ascending", []int64{10, 20}},
		{"descending", []int64{20, 10}},
		{"repeated", []int64{10, 10, 20}},
		{"repeated out of order", []int64{20, 10, 20, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := shardedCluster(t)
			insertRange(t, c, 1, 30)

			for _, s := range tt.splits {
				err := c.SplitAt(ctx, testNS, s)
				if err != nil {
					require.ErrorIs(t, err, cluster.ErrSplitExists)
				}
			}

			chunks, err := c.Chunks(ctx, testNS)
			require.NoError(t, err)
			assert.Equal(t, want, chunks)
		})
	}
}

// TestIdempotentErrors verifies that repeating a command reports the
// matching idempotent error kind
func TestIdempotentErrors(t *testing.T) {
	ctx := context.Background()
	c := shardedCluster(t)

	assert.ErrorIs(t, c.EnablePartitioning(ctx, testNS.Database), cluster.ErrAlreadyEnabled)
	assert.ErrorIs(t, c.ShardCollection(ctx, testNS, "shardKey"), cluster.ErrAlreadySharded)

	require.NoError(t, c.SplitAt(ctx, testNS, 10))
	err := c.SplitAt(ctx, testNS, 10)
	assert.ErrorIs(t, err, cluster.ErrSplitExists)
	assert.True(t, cluster.IsIdempotent(err))

	assert.ErrorIs(t, c.MoveRange(ctx, testNS, 5, "rs0"), cluster.ErrNoOpMigration)
	require.NoError(t, c.MoveRange(ctx, testNS, 5, "rs1"))
	assert.ErrorIs(t, c.MoveRange(ctx, testNS, 5, "rs1"), cluster.ErrNoOpMigration)

	assert.NoError(t, c.DropCollection(ctx, cluster.Namespace{Database: "testDB", Collection: "absent"}))
}

func TestFatalErrors(t *testing.T) {
	ctx := context.Background()
	c := shardedCluster(t)

	err := c.MoveRange(ctx, testNS, 5, "rs9")
	assert.ErrorIs(t, err, cluster.ErrUnknownShard)
	assert.True(t, cluster.IsFatal(err))

	assert.ErrorIs(t, c.SplitAt(ctx, testNS, cluster.MaxKey), cluster.ErrInvalidBoundary)

	other := cluster.Namespace{Database: "other", Collection: "c"}
	assert.ErrorIs(t, c.ShardCollection(ctx, other, "k"), cluster.ErrInvalidConfig)
	assert.ErrorIs(t, c.SplitAt(ctx, other, 1), cluster.ErrNamespaceNotFound)

	_, err = c.Chunks(ctx, other)
	assert.ErrorIs(t, err, cluster.ErrNamespaceNotFound)
}

func TestDuplicateID(t *testing.T) {
	ctx := context.Background()
	c := shardedCluster(t)

	doc := cluster.Document{cluster.FieldID: "a", "shardKey": 1}
	require.NoError(t, c.InsertOne(ctx, testNS, doc, cluster.WriteOptions{}))
	assert.ErrorIs(t, c.InsertOne(ctx, testNS, doc, cluster.WriteOptions{}), cluster.ErrDuplicateKey)
}

// TestShardExistingDocuments verifies documents inserted before sharding are
// re-keyed by the partition key
func TestShardExistingDocuments(t *testing.T) {
	ctx := context.Background()
	c := New([]string{"rs0", "rs1"})
	for _, k := range []int{3, 1, 2} {
		require.NoError(t, c.InsertOne(ctx, testNS, cluster.Document{"shardKey": k}, cluster.WriteOptions{}))
	}
	require.NoError(t, c.EnablePartitioning(ctx, testNS.Database))
	require.NoError(t, c.ShardCollection(ctx, testNS, "shardKey"))
	require.NoError(t, c.SplitAt(ctx, testNS, 1))
	require.NoError(t, c.MoveRange(ctx, testNS, 2, "rs1"))

	info := c.ShardInfo()
	assert.Equal(t, 1, info[0].Documents[testNS.String()])
	assert.Equal(t, 2, info[1].Documents[testNS.String()])
}

func TestDropCollection(t *testing.T) {
	ctx := context.Background()
	c := shardedCluster(t)
	insertRange(t, c, 1, 5)

	require.NoError(t, c.DropCollection(ctx, testNS))
	_, err := c.Chunks(ctx, testNS)
	assert.ErrorIs(t, err, cluster.ErrNamespaceNotFound)

	cur, err := c.Find(ctx, testNS, nil, "", cluster.ReadOptions{})
	require.NoError(t, err)
	docs, err := cluster.Collect(ctx, cur)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestFindFilterAndSort(t *testing.T) {
	ctx := context.Background()
	c := shardedCluster(t)
	insertRange(t, c, 1, 6)

	cur, err := c.Find(ctx, testNS, cluster.Filter{"shardKey": float64(4)}, "", cluster.ReadOptions{})
	require.NoError(t, err)
	docs, err := cluster.Collect(ctx, cur)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Document 4", docs[0]["value"])

	cur, err = c.Find(ctx, testNS, nil, "value", cluster.ReadOptions{})
	require.NoError(t, err)
	docs, err = cluster.Collect(ctx, cur)
	require.NoError(t, err)
	require.Len(t, docs, 6)
	assert.Equal(t, "Document 1", docs[0]["value"])
	assert.Equal(t, "Document 6", docs[5]["value"])
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	c := shardedCluster(t)

	c.FailNext("MoveRange", 2)
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, c.MoveRange(ctx, testNS, 1, "rs1"), cluster.ErrTransientUnavailable)
	}
	assert.NoError(t, c.MoveRange(ctx, testNS, 1, "rs1"))

	c.SetDown(true)
	_, err := c.Shards(ctx)
	assert.ErrorIs(t, err, cluster.ErrTransientUnavailable)
	c.SetDown(false)
	shards, err := c.Shards(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rs0", "rs1", "rs2"}, shards)
}

func TestReplicaGroup(t *testing.T) {
	ctx := context.Background()
	c := New(nil)

	_, err := c.GroupStatus(ctx)
	assert.ErrorIs(t, err, cluster.ErrTransientUnavailable)
	hello, err := c.CurrentRole(ctx)
	require.NoError(t, err)
	assert.Equal(t, cluster.RoleUnknown, hello.Role)

	cfg := cluster.NewGroupConfig("rs0", []string{"m1:27017", "m2:27017", "m3:27017"})
	require.NoError(t, c.InitiateGroup(ctx, cfg))
	assert.ErrorIs(t, c.InitiateGroup(ctx, cfg), cluster.ErrAlreadyInitiated)
	assert.ErrorIs(t, c.InitiateGroup(ctx, cluster.NewGroupConfig("rs0", []string{"x:1"})), cluster.ErrInvalidConfig)

	snap, err := c.GroupStatus(ctx)
	require.NoError(t, err)
	primary, ok := snap.Primary()
	require.True(t, ok)
	assert.Equal(t, "m1:27017", primary)
	assert.Equal(t, []string{"m2:27017", "m3:27017"}, snap.Secondaries())

	hello, err = c.CurrentRole(ctx)
	require.NoError(t, err)
	assert.Equal(t, cluster.Hello{Me: "m1:27017", Role: cluster.RolePrimary, Primary: "m1:27017", SetName: "rs0"}, hello)
}

func TestFailover(t *testing.T) {
	ctx := context.Background()
	c := New(nil, WithGroup("rs0", "m1", "m2", "m3"))

	require.NoError(t, c.StopMember("m1"))
	snap, err := c.GroupStatus(ctx)
	require.NoError(t, err)
	_, ok := snap.Primary()
	assert.False(t, ok)
	assert.Equal(t, cluster.RoleUnreachable, snap.Role("m1"))
	assert.Equal(t, 2, snap.Reachable())

	err = c.InsertOne(ctx, testNS, cluster.Document{"k": 1}, cluster.WriteOptions{Ack: cluster.WriteOne})
	assert.ErrorIs(t, err, cluster.ErrTransientUnavailable)

	require.NoError(t, c.Elect("m2"))
	snap, err = c.GroupStatus(ctx)
	require.NoError(t, err)
	primary, _ := snap.Primary()
	assert.Equal(t, "m2", primary)

	require.NoError(t, c.StartMember("m1"))
	require.NoError(t, c.SetRole("m3", cluster.RolePrimary))
	snap, err = c.GroupStatus(ctx)
	require.NoError(t, err)
	primary, _ = snap.Primary()
	assert.Equal(t, "m3", primary)
	assert.Equal(t, cluster.RoleSecondary, snap.Role("m2"))

	assert.ErrorIs(t, c.StopMember("m9"), cluster.ErrInvalidConfig)
}

// TestWriteAcknowledgment tests majority writes as members go away
func TestWriteAcknowledgment(t *testing.T) {
	ctx := context.Background()
	c := New(nil, WithGroup("rs0", "m1", "m2", "m3"))
	majority := cluster.WriteOptions{Ack: cluster.WriteMajority}

	require.NoError(t, c.InsertOne(ctx, testNS, cluster.Document{"k": 1}, majority))

	require.NoError(t, c.StopMember("m2"))
	require.NoError(t, c.InsertOne(ctx, testNS, cluster.Document{"k": 2}, majority))

	require.NoError(t, c.StopMember("m3"))
	err := c.InsertOne(ctx, testNS, cluster.Document{"k": 3}, majority)
	assert.ErrorIs(t, err, cluster.ErrUnsatisfiableRequirement)
	assert.True(t, cluster.IsFatal(err))

	assert.NoError(t, c.InsertOne(ctx, testNS, cluster.Document{"k": 4}, cluster.WriteOptions{Ack: cluster.WriteOne}))
	assert.ErrorIs(t, c.InsertOne(ctx, testNS, cluster.Document{"k": 5}, cluster.WriteOptions{Acks: 2}), cluster.ErrUnsatisfiableRequirement)
}

func TestReadTargets(t *testing.T) {
	ctx := context.Background()
	c := New(nil, WithGroup("rs0", "m1", "m2"))

	_, err := c.Find(ctx, testNS, nil, "", cluster.ReadOptions{Target: cluster.ReadSecondary})
	assert.NoError(t, err)

	require.NoError(t, c.StopMember("m2"))
	_, err = c.Find(ctx, testNS, nil, "", cluster.ReadOptions{Target: cluster.ReadSecondary})
	assert.ErrorIs(t, err, cluster.ErrUnsatisfiableRequirement)
	_, err = c.Find(ctx, testNS, nil, "", cluster.ReadOptions{Member: "m2"})
	assert.ErrorIs(t, err, cluster.ErrTransientUnavailable)
	_, err = c.Find(ctx, testNS, nil, "", cluster.ReadOptions{Member: "m1"})
	assert.NoError(t, err)
}

func TestLastSeenAndPing(t *testing.T) {
	ctx := context.Background()
	c := New(nil, WithGroup("rs0", "m1", "m2"))
	c.SetPing("m2", 7*time.Millisecond)

	require.NoError(t, c.StopMember("m2"))
	first, err := c.GroupStatus(ctx)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := c.GroupStatus(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Members["m2"].LastSeen, second.Members["m2"].LastSeen)
	assert.True(t, second.Members["m1"].LastSeen.After(first.Members["m1"].LastSeen))
	assert.Equal(t, 7*time.Millisecond, second.Members["m2"].Ping)
}

func TestCompareValues(t *testing.T) {
	assert.Equal(t, 0, compareValues(int64(3), float64(3)))
	assert.Equal(t, -1, compareValues(2, int32(3)))
	assert.Equal(t, 1, compareValues("b", "a"))
	assert.Equal(t, -1, compareValues(nil, 1))
	assert.Equal(t, -1, compareValues(10, "10"))
	assert.True(t, matches(cluster.Document{"a": 1, "b": "x"}, cluster.Filter{"a": int64(1)}))
	assert.False(t, matches(cluster.Document{"a": 1}, cluster.Filter{"b": nil}))
	assert.True(t, matches(cluster.Document{"a": 1}, nil))
}
