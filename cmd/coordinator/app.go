package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dreamware/shardops/internal/alert"
	"github.com/dreamware/shardops/internal/checkpoint"
	"github.com/dreamware/shardops/internal/cluster"
	"github.com/dreamware/shardops/internal/config"
	"github.com/dreamware/shardops/internal/consistency"
	"github.com/dreamware/shardops/internal/coordinator"
	"github.com/dreamware/shardops/internal/memcluster"
	"github.com/dreamware/shardops/internal/mongoctl"
	"github.com/dreamware/shardops/internal/planner"
	"github.com/dreamware/shardops/internal/remote"
)

// app holds the coordinator's wired components.
type app struct {
	cfg          config.Config
	handle       cluster.Handle
	orchestrator *coordinator.Orchestrator
	watcher      *coordinator.TopologyWatcher // nil when watching is disabled
	policy       *consistency.Policy
	recorder     *alert.Recorder
	redis        *alert.RedisSink // nil without Redis addresses
	log          *slog.Logger

	closers []func() error
}

// newApp connects the backend, checkpoint store and alert sinks described by
// cfg. Nothing runs until start is called.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg, log: logger.With("component", "coordinator")}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	if a.handle, err = a.openBackend(ctx); err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.Backend.Kind, err)
	}
	store, err := a.openCheckpoints()
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", cfg.Checkpoint.Kind, err)
	}

	a.recorder = alert.NewRecorder(cfg.Alerts.Recorder)
	sinks := []alert.Sink{alert.LogSink{Logger: logger}, a.recorder}
	if len(cfg.Alerts.Redis.Addrs) > 0 {
		client, err := alert.NewRedisClient(ctx, alert.RedisOptions{Addrs: cfg.Alerts.Redis.Addrs, Password: cfg.Alerts.Redis.Password})
		if err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
		a.redis = alert.NewRedisSink(client, cfg.Alerts.Redis.Key, cfg.Alerts.Redis.MaxLen)
		a.closers = append(a.closers, a.redis.Close)
		sinks = append(sinks, a.redis)
	}

	var source consistency.SnapshotSource
	if cfg.Watcher.Enabled {
		wcfg := coordinator.WatcherConfig{
			SetName:             cfg.ReplicaGroup.Name,
			Members:             cfg.ReplicaGroup.Members,
			Interval:            cfg.Watcher.Interval,
			PollTimeout:         cfg.Watcher.PollTimeout,
			ElectionWindow:      cfg.Watcher.ElectionWindow,
			QuorumLossThreshold: cfg.Watcher.QuorumLossThreshold,
			History:             cfg.Watcher.History,
			EventBuffer:         cfg.Watcher.EventBuffer,
		}
		if a.watcher, err = coordinator.NewTopologyWatcher(a.handle, wcfg, logger, sinks...); err != nil {
			return nil, err
		}
		source = a.watcher
	}

	defaults, err := requirement(cfg.Consistency)
	if err != nil {
		return nil, err
	}
	a.policy = consistency.NewPolicy(defaults, source, logger)

	plan, err := planner.Build(cfg.PlanRequest())
	if err != nil {
		return nil, err
	}
	a.orchestrator, err = coordinator.NewOrchestrator(a.handle, coordinator.OrchestratorConfig{
		Namespace:    cfg.Namespace(),
		PartitionKey: cfg.Collection.PartitionKey,
		Plan:         plan,
		SeedTemplate: cfg.Seed.Template,
		Retry:        cfg.RetryPolicy(),
	},
		coordinator.WithResolver(a.policy),
		coordinator.WithCheckpoints(store),
		coordinator.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	a.log.Info("coordinator configured",
		"backend", cfg.Backend.Kind, "checkpoint", cfg.Checkpoint.Kind,
		"ns", cfg.Namespace().String(), "plan", plan.String(),
		"watcher", cfg.Watcher.Enabled, "redis_alerts", a.redis != nil)
	return a, nil
}

func (a *app) openBackend(ctx context.Context) (cluster.Handle, error) {
	cfg := a.cfg
	switch cfg.Backend.Kind {
	case config.BackendMemory:
		shards := cfg.Backend.MemoryShards
		if len(shards) == 0 {
			shards = cfg.Partitioning.Shards
		}
		opts := []memcluster.Option{memcluster.WithLogger(a.log)}
		if len(cfg.ReplicaGroup.Members) > 0 {
			opts = append(opts, memcluster.WithGroup(cfg.ReplicaGroup.Name, cfg.ReplicaGroup.Members...))
		}
		return memcluster.New(shards, opts...), nil
	case config.BackendRemote:
		return remote.NewClient(cfg.Backend.RemoteURL), nil
	case config.BackendMongo:
		h, err := mongoctl.Connect(ctx, mongoctl.Config{
			RouterURI:      cfg.Backend.Mongo.RouterURI,
			ReplicaSetURI:  cfg.Backend.Mongo.ReplicaSetURI,
			ConnectTimeout: cfg.Backend.Mongo.ConnectTimeout,
		}, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return h.Close(context.Background()) })
		return h, nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", cluster.ErrInvalidConfig, cfg.Backend.Kind)
}

func (a *app) openCheckpoints() (checkpoint.Store, error) {
	cfg := a.cfg.Checkpoint
	switch cfg.Kind {
	case config.CheckpointMemory:
		return checkpoint.NewMemoryStore(), nil
	case config.CheckpointZooKeeper:
		zs, err := checkpoint.NewZKStore(cfg.Servers, cfg.Root, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, zs.Close)
		return zs, nil
	}
	return nil, fmt.Errorf("%w: unknown checkpoint store %q", cluster.ErrInvalidConfig, cfg.Kind)
}

func requirement(cfg config.ConsistencyConfig) (consistency.Requirement, error) {
	w, err := cluster.ParseWriteLevel(cfg.Write)
	if err != nil {
		return consistency.Requirement{}, err
	}
	r, err := cluster.ParseReadTarget(cfg.Read)
	if err != nil {
		return consistency.Requirement{}, err
	}
	return consistency.Requirement{Write: w, Read: r}, nil
}

// start launches the topology watcher and the loop feeding its events to the
// consistency policy. Both stop with ctx.
func (a *app) start(ctx context.Context) {
	if a.watcher == nil {
		return
	}
	go a.watcher.Start(ctx)
	go a.consumeEvents(ctx)
}

func (a *app) consumeEvents(ctx context.Context) {
	events := a.watcher.Events()
	for {
		select {
		case ev := <-events:
			_ = a.policy.Notify(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// close stops the watcher and releases connections.
func (a *app) close() error {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
