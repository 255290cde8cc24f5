package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardops/internal/alert"
	"github.com/dreamware/shardops/internal/cluster"
	"github.com/dreamware/shardops/internal/coordinator"
	"github.com/dreamware/shardops/internal/remote"
)

func startNode(t *testing.T, vars map[string]string) *remote.Client {
	t.Helper()
	cfg, err := loadNodeConfig(lookup(vars))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(remote.NewServer(newCluster(cfg, logger), logger).Router())
	t.Cleanup(srv.Close)
	return remote.NewClient(srv.URL)
}

func TestNodeServesInitiatedGroup(t *testing.T) {
	c := startNode(t, nil)

	shards, err := c.Shards(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"rs0", "rs1", "rs2"}, shards)

	hello, err := c.CurrentRole(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cluster.RolePrimary, hello.Role)
	assert.Equal(t, "mongo1:27017", hello.Me)
}

func TestNodeStartsUninitiated(t *testing.T) {
	c := startNode(t, map[string]string{"NODE_INITIATED": "false"})
	ctx := context.Background()

	hello, err := c.CurrentRole(ctx)
	require.NoError(t, err)
	assert.Equal(t, cluster.RoleUnknown, hello.Role)

	members := []string{"mongo1:27017", "mongo2:27017", "mongo3:27017"}
	require.NoError(t, c.InitiateGroup(ctx, cluster.NewGroupConfig("rs0", members)))
	assert.ErrorIs(t, c.InitiateGroup(ctx, cluster.NewGroupConfig("rs0", members)), cluster.ErrAlreadyInitiated)

	snap, err := c.GroupStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Reachable())
}

// A failover drill: the watcher follows role changes injected over HTTP.
func TestNodeFailoverDrill(t *testing.T) {
	c := startNode(t, nil)
	ctx := context.Background()

	rec := alert.NewRecorder(16)
	cfg := coordinator.DefaultWatcherConfig("rs0", []string{"mongo1:27017", "mongo2:27017", "mongo3:27017"})
	w, err := coordinator.NewTopologyWatcher(c, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), rec)
	require.NoError(t, err)

	w.Poll(ctx)
	require.NoError(t, c.SetMemberRole(ctx, "mongo1:27017", cluster.RoleUnreachable))
	require.NoError(t, c.SetMemberRole(ctx, "mongo3:27017", cluster.RolePrimary))
	w.Poll(ctx)

	assert.Equal(t, 1, rec.Count(cluster.EventElection))
	events := rec.Events(1)
	require.Len(t, events, 1)
	assert.Equal(t, "mongo1:27017", events[0].OldPrimary)
	assert.Equal(t, "mongo3:27017", events[0].NewPrimary)
	assert.False(t, events[0].Delayed)
}
