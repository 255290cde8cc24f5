package remote

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardops/internal/cluster"
	"github.com/dreamware/shardops/internal/coordinator"
	"github.com/dreamware/shardops/internal/memcluster"
	"github.com/dreamware/shardops/internal/planner"
)

var testNS = cluster.Namespace{Database: "testDB", Collection: "myCollection"}

var members = []string{"mongo1:27017", "mongo2:27017", "mongo3:27017"}

func newTestServer(t *testing.T, h cluster.Handle) *Client {
	t.Helper()
	srv := httptest.NewServer(NewServer(h, nil).Router())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL + "/")
}

func TestClientAdminOperations(t *testing.T) {
	ctx := context.Background()
	mc := memcluster.New([]string{"rs0", "rs1"})
	c := newTestServer(t, mc)

	require.NoError(t, c.DropCollection(ctx, testNS), "dropping an absent collection")
	require.NoError(t, c.EnablePartitioning(ctx, "testDB"))
	assert.ErrorIs(t, c.EnablePartitioning(ctx, "testDB"), cluster.ErrAlreadyEnabled)

	require.NoError(t, c.ShardCollection(ctx, testNS, "shardKey"))
	assert.ErrorIs(t, c.ShardCollection(ctx, testNS, "shardKey"), cluster.ErrAlreadySharded)

	require.NoError(t, c.SplitAt(ctx, testNS, 10))
	assert.ErrorIs(t, c.SplitAt(ctx, testNS, 10), cluster.ErrSplitExists)

	require.NoError(t, c.MoveRange(ctx, testNS, 15, "rs1"))
	assert.ErrorIs(t, c.MoveRange(ctx, testNS, 15, "rs1"), cluster.ErrNoOpMigration)
	err := c.MoveRange(ctx, testNS, 15, "rs9")
	assert.ErrorIs(t, err, cluster.ErrUnknownShard)
	assert.True(t, cluster.IsFatal(err))

	shards, err := c.Shards(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rs0", "rs1"}, shards)

	chunks, err := c.Chunks(ctx, testNS)
	require.NoError(t, err)
	assert.Equal(t, []cluster.Chunk{
		{Range: cluster.KeyRange{Low: cluster.MinKey, High: 10}, Shard: "rs0"},
		{Range: cluster.KeyRange{Low: 11, High: cluster.MaxKey}, Shard: "rs1"},
	}, chunks)

	_, err = c.Chunks(ctx, cluster.Namespace{Database: "testDB", Collection: "missing"})
	assert.ErrorIs(t, err, cluster.ErrNamespaceNotFound)
}

func TestClientInsertAndFind(t *testing.T) {
	ctx := context.Background()
	mc := memcluster.New([]string{"rs0"})
	c := newTestServer(t, mc)

	require.NoError(t, c.EnablePartitioning(ctx, "testDB"))
	require.NoError(t, c.ShardCollection(ctx, testNS, "shardKey"))
	for _, k := range []int64{3, 1, 2} {
		doc := cluster.Document{"shardKey": k, "color": "blue"}
		require.NoError(t, c.InsertOne(ctx, testNS, doc, cluster.WriteOptions{Ack: cluster.WriteOne}))
	}

	cur, err := c.Find(ctx, testNS, cluster.Filter{"color": "blue"}, "shardKey", cluster.ReadOptions{Target: cluster.ReadPrimary})
	require.NoError(t, err)
	docs, err := cluster.Collect(ctx, cur)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for i, d := range docs {
		k, err := d.Int64("shardKey")
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), k)
	}

	cur, err = c.Find(ctx, testNS, cluster.Filter{"color": "red"}, "", cluster.ReadOptions{})
	require.NoError(t, err)
	docs, err = cluster.Collect(ctx, cur)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestClientTransientErrors(t *testing.T) {
	ctx := context.Background()
	mc := memcluster.New([]string{"rs0"})
	c := newTestServer(t, mc)

	mc.SetDown(true)
	err := c.EnablePartitioning(ctx, "testDB")
	assert.ErrorIs(t, err, cluster.ErrTransientUnavailable)

	var rerr *cluster.RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusServiceUnavailable, rerr.Status)
	assert.Equal(t, "transient_unavailable", rerr.Body.Kind)

	mc.SetDown(false)
	assert.NoError(t, c.EnablePartitioning(ctx, "testDB"))
}

func TestClientUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Shards(context.Background())
	assert.ErrorIs(t, err, cluster.ErrTransientUnavailable)
}

func TestServerRejectsBadJSON(t *testing.T) {
	srv := httptest.NewServer(NewServer(memcluster.New(nil), nil).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/split", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplicaGroupOverHTTP(t *testing.T) {
	ctx := context.Background()
	mc := memcluster.New([]string{"rs0"}, memcluster.WithGroup("rs0", members...))
	c := newTestServer(t, mc)

	snap, err := c.GroupStatus(ctx)
	require.NoError(t, err)
	primary, ok := snap.Primary()
	require.True(t, ok)
	assert.Equal(t, "mongo1:27017", primary)
	assert.Equal(t, 3, snap.Reachable())

	hello, err := c.CurrentRole(ctx)
	require.NoError(t, err)
	assert.Equal(t, cluster.RolePrimary, hello.Role)
	assert.Equal(t, "rs0", hello.SetName)

	require.NoError(t, c.SetMemberRole(ctx, "mongo1:27017", cluster.RoleUnreachable))
	require.NoError(t, c.SetMemberRole(ctx, "mongo2:27017", cluster.RolePrimary))

	snap, err = c.GroupStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, cluster.RoleUnreachable, snap.Role("mongo1:27017"))
	assert.Equal(t, cluster.RolePrimary, snap.Role("mongo2:27017"))

	assert.ErrorIs(t, c.SetMemberRole(ctx, "mongo2:27017", "leader"), cluster.ErrInvalidConfig)
	assert.ErrorIs(t, c.SetMemberRole(ctx, "mongo9:27017", cluster.RoleSecondary), cluster.ErrInvalidConfig)

	err = c.InitiateGroup(ctx, cluster.NewGroupConfig("rs0", members))
	assert.ErrorIs(t, err, cluster.ErrAlreadyInitiated)
}

// handleOnly hides the role setter of the wrapped cluster.
type handleOnly struct{ cluster.Handle }

func TestRoleEndpointRequiresRoleSetter(t *testing.T) {
	mc := memcluster.New([]string{"rs0"}, memcluster.WithGroup("rs0", members...))
	c := newTestServer(t, handleOnly{mc})

	err := c.SetMemberRole(context.Background(), "mongo1:27017", cluster.RoleUnreachable)
	var rerr *cluster.RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusNotFound, rerr.Status)
}

func TestBootstrapThroughRemoteHandle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mc := memcluster.New([]string{"rs0", "rs1", "rs2"})
	c := newTestServer(t, mc)

	plan, err := planner.Build(planner.Request{
		Range:      cluster.KeyRange{Low: 1, High: 30},
		ShardCount: 3,
		Shards:     []string{"rs0", "rs1", "rs2"},
	})
	require.NoError(t, err)

	o, err := coordinator.NewOrchestrator(c, coordinator.OrchestratorConfig{
		Namespace:    testNS,
		PartitionKey: "shardKey",
		Plan:         plan,
		Retry:        cluster.RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, 30, report.Documents)
	assert.Equal(t, coordinator.Verified, o.State())

	for _, info := range mc.ShardInfo() {
		assert.Equal(t, 10, info.Documents[testNS.String()], info.ID)
	}

	// A second run finds the layout in place.
	report, err = o.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Passed)
}
