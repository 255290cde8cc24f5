// Package main implements the shardops coordinator: it bootstraps a
// partitioned collection to a verified layout and watches a replica group
// for elections and quorum loss.
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                 Coordinator                  │
//	├──────────────────────────────────────────────┤
//	│  Admin API (chi):                            │
//	│    /health            - liveness and state   │
//	│    /bootstrap         - run / status         │
//	│    /placements        - plan vs. chunks      │
//	│    /topology          - latest snapshot      │
//	│    /events            - topology events      │
//	│    /replset/*         - initiate, role       │
//	│    /documents         - routed insert / read │
//	├──────────────────────────────────────────────┤
//	│  Components:                                 │
//	│    Orchestrator       - bootstrap steps      │
//	│    TopologyWatcher    - replica polling      │
//	│    Policy             - write/read routing   │
//	│    Handle             - memory|remote|mongo  │
//	└──────────────────────────────────────────────┘
//
// Configuration is read from the YAML file named by -config (defaults when
// the file does not exist) and overridden by SHARDOPS_* variables.
//
// Example usage:
//
//	# Local run against the in-process cluster
//	./coordinator -config shardops.yaml
//
//	# Against a sandbox node
//	SHARDOPS_BACKEND=remote SHARDOPS_REMOTE_URL=http://localhost:8081 ./coordinator
//
//	# Bootstrap and inspect
//	curl -X POST localhost:8080/bootstrap
//	curl localhost:8080/placements
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	configPath := flag.String("config", getenv("SHARDOPS_CONFIG", "shardops.yaml"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := initConfig(*configPath, os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("coordinator setup failed", "error", err)
		os.Exit(1)
	}
	a.start(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("coordinator listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := a.close(); err != nil {
		logger.Warn("close", "error", err)
	}
	slog.Info("coordinator stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
