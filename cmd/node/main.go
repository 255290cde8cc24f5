// Package main implements the shardops sandbox node: an in-process sharded
// cluster with one simulated replica group, served over HTTP so that the
// coordinator can bootstrap it and failover drills can be run against it.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              Sandbox node               │
//	├─────────────────────────────────────────┤
//	│  HTTP API (remote.Server):              │
//	│    /health      - Health check          │
//	│    /admin/*     - Partition control     │
//	│    /data/*      - Insert / find         │
//	│    /replset/*   - Group status, roles   │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    memcluster   - Shards and chunks     │
//	│    replica set  - Simulated members     │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - NODE_LISTEN: Listen address (default: ":8081")
//   - NODE_SHARDS: Comma separated shard ids (default: "rs0,rs1,rs2")
//   - NODE_REPLICA_SET: Replica group name (default: "rs0")
//   - NODE_REPLICA_MEMBERS: Comma separated member addresses
//   - NODE_INITIATED: Start with the group already initiated (default: true)
//   - NODE_LOG_LEVEL, NODE_LOG_JSON: Logger settings
//
// Example usage:
//
//	# Start a node
//	NODE_LISTEN=:8081 ./node
//
//	# Simulate losing the primary
//	curl -X POST localhost:8081/replset/members/mongo1:27017/role \
//	  -d '{"role":"unreachable"}'
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dreamware/shardops/internal/memcluster"
	"github.com/dreamware/shardops/internal/remote"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// nodeConfig is read from NODE_* variables.
type nodeConfig struct {
	Listen    string
	Shards    []string
	SetName   string
	Members   []string
	Initiated bool
	LogLevel  slog.Level
	LogJSON   bool
}

func loadNodeConfig(lookup func(string) (string, bool)) (nodeConfig, error) {
	get := func(k, def string) string {
		if v, ok := lookup(k); ok && v != "" {
			return v
		}
		return def
	}

	cfg := nodeConfig{
		Listen:  get("NODE_LISTEN", ":8081"),
		Shards:  splitList(get("NODE_SHARDS", "rs0,rs1,rs2")),
		SetName: get("NODE_REPLICA_SET", "rs0"),
		Members: splitList(get("NODE_REPLICA_MEMBERS", "mongo1:27017,mongo2:27017,mongo3:27017")),
	}

	var err error
	if cfg.Initiated, err = strconv.ParseBool(get("NODE_INITIATED", "true")); err != nil {
		return cfg, fmt.Errorf("NODE_INITIATED: %w", err)
	}
	if cfg.LogJSON, err = strconv.ParseBool(get("NODE_LOG_JSON", "false")); err != nil {
		return cfg, fmt.Errorf("NODE_LOG_JSON: %w", err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(get("NODE_LOG_LEVEL", "INFO"))); err != nil {
		return cfg, fmt.Errorf("NODE_LOG_LEVEL: %w", err)
	}
	if len(cfg.Shards) == 0 {
		return cfg, errors.New("NODE_SHARDS is empty")
	}
	if cfg.Initiated && len(cfg.Members) == 0 {
		return cfg, errors.New("NODE_REPLICA_MEMBERS is empty")
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// newCluster builds the in-process cluster the node serves. Without
// Initiated the group must be initiated through /replset/initiate.
func newCluster(cfg nodeConfig, logger *slog.Logger) *memcluster.Cluster {
	opts := []memcluster.Option{memcluster.WithLogger(logger)}
	if cfg.Initiated {
		opts = append(opts, memcluster.WithGroup(cfg.SetName, cfg.Members...))
	}
	return memcluster.New(cfg.Shards, opts...)
}

func newLogger(cfg nodeConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func main() {
	cfg, err := loadNodeConfig(os.LookupEnv)
	if err != nil {
		logFatal("config: %v", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	mc := newCluster(cfg, logger)
	logger.Info("sandbox node initialized",
		"shards", cfg.Shards, "set", cfg.SetName, "members", cfg.Members, "initiated", cfg.Initiated)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           remote.NewServer(mc, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("node listening", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	logger.Info("node stopped")
}
