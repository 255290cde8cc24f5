package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardops/internal/cluster"
	"github.com/dreamware/shardops/internal/config"
	"github.com/dreamware/shardops/internal/coordinator"
	"github.com/dreamware/shardops/internal/memcluster"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Retry = config.RetryConfig{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })
	return a
}

// newTestServer returns an app whose watcher has observed the group once.
func newTestServer(t *testing.T) (*app, *memcluster.Cluster, *httptest.Server) {
	t.Helper()
	a := newTestApp(t, nil)
	a.watcher.Poll(context.Background())
	srv := httptest.NewServer(a.router())
	t.Cleanup(srv.Close)
	return a, a.handle.(*memcluster.Cluster), srv
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHandleHealth(t *testing.T) {
	_, _, srv := newTestServer(t)

	var body map[string]any
	resp := doJSON(t, http.MethodGet, srv.URL+"/health", nil, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "Uninitialized", body["state"])
	assert.Equal(t, false, body["quorum_lost"])
	assert.EqualValues(t, 1, body["watcher_polls"])
}

func TestHandleBootstrap(t *testing.T) {
	_, mc, srv := newTestServer(t)

	var report coordinator.VerificationReport
	resp := doJSON(t, http.MethodPost, srv.URL+"/bootstrap", nil, &report)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, report.Passed)
	assert.Equal(t, 30, report.Documents)
	require.Len(t, report.Placements, 3)
	for _, p := range report.Placements {
		assert.Equal(t, 10, p.Documents, p.Placement.Shard)
	}

	var status coordinator.Status
	doJSON(t, http.MethodGet, srv.URL+"/bootstrap", nil, &status)
	assert.Equal(t, coordinator.Verified, status.State)
	assert.False(t, status.Running)
	assert.NotEmpty(t, status.RunID)
	require.NotNil(t, status.Report)
	assert.True(t, status.Report.Passed)

	var placements struct {
		Fingerprint string              `json:"fingerprint"`
		Placements  []cluster.Placement `json:"placements"`
		Observed    []cluster.Chunk     `json:"observed"`
		Mismatches  []json.RawMessage   `json:"mismatches"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/placements", nil, &placements)
	assert.NotEmpty(t, placements.Fingerprint)
	assert.Len(t, placements.Placements, 3)
	assert.Equal(t, []cluster.Chunk{
		{Range: cluster.KeyRange{Low: cluster.MinKey, High: 10}, Shard: "rs0"},
		{Range: cluster.KeyRange{Low: 11, High: 20}, Shard: "rs1"},
		{Range: cluster.KeyRange{Low: 21, High: cluster.MaxKey}, Shard: "rs2"},
	}, placements.Observed)
	assert.Empty(t, placements.Mismatches)

	// Re-running changes nothing.
	inserts := 0
	for _, info := range mc.ShardInfo() {
		inserts += int(info.Ops.Inserts)
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/bootstrap", nil, &report)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	after := 0
	for _, info := range mc.ShardInfo() {
		after += int(info.Ops.Inserts)
	}
	assert.Equal(t, inserts, after)
}

func TestHandleBootstrapFailure(t *testing.T) {
	_, mc, srv := newTestServer(t)
	mc.SetDown(true)

	var body cluster.ErrorBody
	resp := doJSON(t, http.MethodPost, srv.URL+"/bootstrap", nil, &body)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "transient_unavailable", body.Kind)
	assert.Equal(t, "Uninitialized", body.State)

	var status coordinator.Status
	doJSON(t, http.MethodGet, srv.URL+"/bootstrap", nil, &status)
	assert.NotEmpty(t, status.LastError)
	assert.False(t, status.Fatal)

	mc.SetDown(false)
	resp = doJSON(t, http.MethodPost, srv.URL+"/bootstrap", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleTopologyAndEvents(t *testing.T) {
	a, mc, srv := newTestServer(t)

	var topo struct {
		Enabled  bool                     `json:"enabled"`
		Observed bool                     `json:"observed"`
		Snapshot cluster.TopologySnapshot `json:"snapshot"`
		Stats    coordinator.WatcherStats `json:"stats"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/topology", nil, &topo)
	assert.True(t, topo.Enabled)
	assert.True(t, topo.Observed)
	primary, ok := topo.Snapshot.Primary()
	require.True(t, ok)
	assert.Equal(t, "mongo1:27017", primary)

	require.NoError(t, mc.StopMember("mongo1:27017"))
	require.NoError(t, mc.Elect("mongo2:27017"))
	a.watcher.Poll(context.Background())

	var events struct {
		Total  uint64                  `json:"total"`
		Events []cluster.TopologyEvent `json:"events"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/events", nil, &events)
	assert.EqualValues(t, 3, events.Total)
	require.Len(t, events.Events, 3)

	doJSON(t, http.MethodGet, srv.URL+"/events?limit=1", nil, &events)
	require.Len(t, events.Events, 1)
	ev := events.Events[0]
	assert.Equal(t, cluster.EventElection, ev.Kind)
	assert.Equal(t, "mongo1:27017", ev.OldPrimary)
	assert.Equal(t, "mongo2:27017", ev.NewPrimary)

	resp := doJSON(t, http.MethodGet, srv.URL+"/events?limit=many", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = doJSON(t, http.MethodGet, srv.URL+"/events?source=redis", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleTopologyDisabled(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) { cfg.Watcher.Enabled = false })
	srv := httptest.NewServer(a.router())
	defer srv.Close()

	var topo map[string]bool
	doJSON(t, http.MethodGet, srv.URL+"/topology", nil, &topo)
	assert.Equal(t, map[string]bool{"enabled": false}, topo)
}

func TestHandleDocuments(t *testing.T) {
	a, mc, srv := newTestServer(t)

	var out documentResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/documents", cluster.Document{"shardKey": 42, "name": "first"}, &out)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "mongo1:27017", out.Directive.WriteTarget)
	assert.Equal(t, cluster.WriteMajority, out.Directive.WriteAck)
	assert.Equal(t, 2, out.Directive.Acks)

	// One of three members left: majority cannot be met, w=one still can.
	require.NoError(t, mc.StopMember("mongo2:27017"))
	require.NoError(t, mc.StopMember("mongo3:27017"))
	a.watcher.Poll(context.Background())

	var body cluster.ErrorBody
	resp = doJSON(t, http.MethodPost, srv.URL+"/documents", cluster.Document{"shardKey": 43}, &body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "unsatisfiable_requirement", body.Kind)

	resp = doJSON(t, http.MethodPost, srv.URL+"/documents?w=one", cluster.Document{"shardKey": 43, "name": "second"}, &out)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, out.Directive.Acks)

	resp = doJSON(t, http.MethodGet, srv.URL+"/documents?key=43", nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "mongo1:27017", out.Directive.ReadMember)
	require.Len(t, out.Documents, 1)
	assert.Equal(t, "second", out.Documents[0]["name"])

	resp = doJSON(t, http.MethodGet, srv.URL+"/documents", nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out.Documents, 2)

	resp = doJSON(t, http.MethodGet, srv.URL+"/documents?read=secondary", nil, &body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "unsatisfiable_requirement", body.Kind)
}

func TestHandleDocumentsBadRequests(t *testing.T) {
	_, _, srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"missing partition key", http.MethodPost, "/documents", cluster.Document{"name": "x"}},
		{"unknown write level", http.MethodPost, "/documents?w=all", cluster.Document{"shardKey": 1}},
		{"unknown read target", http.MethodGet, "/documents?read=fastest", nil},
		{"non-numeric key", http.MethodGet, "/documents?key=abc", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body cluster.ErrorBody
			resp := doJSON(t, tt.method, srv.URL+tt.path, tt.body, &body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "invalid_config", body.Kind)
		})
	}
}

func TestHandleReplicaGroup(t *testing.T) {
	_, _, srv := newTestServer(t)

	var hello cluster.Hello
	resp := doJSON(t, http.MethodGet, srv.URL+"/replset/role", nil, &hello)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, cluster.RolePrimary, hello.Role)
	assert.Equal(t, "rs0", hello.SetName)

	var body cluster.ErrorBody
	resp = doJSON(t, http.MethodPost, srv.URL+"/replset/initiate", nil, &body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_initiated", body.Kind)
}

func TestHandleInitiateFreshGroup(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Watcher.Enabled = false
		cfg.ReplicaGroup.Members = nil
	})
	srv := httptest.NewServer(a.router())
	defer srv.Close()

	var hello cluster.Hello
	doJSON(t, http.MethodGet, srv.URL+"/replset/role", nil, &hello)
	assert.Equal(t, cluster.RoleUnknown, hello.Role)

	cfg := cluster.NewGroupConfig("rs9", []string{"a:27017", "b:27017", "c:27017"})
	var got cluster.GroupConfig
	resp := doJSON(t, http.MethodPost, srv.URL+"/replset/initiate", cfg, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, cfg, got)

	doJSON(t, http.MethodGet, srv.URL+"/replset/role", nil, &hello)
	assert.Equal(t, cluster.RolePrimary, hello.Role)
	assert.Equal(t, "a:27017", hello.Me)
}
