package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/dreamware/shardops/internal/cluster"
	"github.com/dreamware/shardops/internal/planner"
)

// Config is the root of the coordinator configuration file.
type Config struct {
	Logger       LoggerConfig       `yaml:"logger"`
	HTTP         HTTPConfig         `yaml:"http"`
	Collection   CollectionConfig   `yaml:"collection"`
	Partitioning PartitioningConfig `yaml:"partitioning"`
	Seed         SeedConfig         `yaml:"seed"`
	ReplicaGroup ReplicaGroupConfig `yaml:"replica_group"`
	Watcher      WatcherConfig      `yaml:"watcher"`
	Consistency  ConsistencyConfig  `yaml:"consistency"`
	Retry        RetryConfig        `yaml:"retry"`
	Backend      BackendConfig      `yaml:"backend"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`
	Alerts       AlertsConfig       `yaml:"alerts"`
}

// LoggerConfig selects the slog level and handler.
type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HTTPConfig is the admin API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// CollectionConfig names the collection being bootstrapped.
type CollectionConfig struct {
	Database     string `yaml:"database"`
	Name         string `yaml:"name"`
	PartitionKey string `yaml:"partition_key"`
}

// PartitioningConfig is the key range and how it is spread over shards.
type PartitioningConfig struct {
	Low        int64    `yaml:"low"`
	High       int64    `yaml:"high"`
	ShardCount int      `yaml:"shard_count"`
	Shards     []string `yaml:"shards"`
	Strategy   string   `yaml:"strategy"`
	Assignment []string `yaml:"assignment"`
}

// SeedConfig holds extra fields copied into every seeded document.
type SeedConfig struct {
	Template map[string]any `yaml:"template"`
}

// ReplicaGroupConfig names the replica group and its members.
type ReplicaGroupConfig struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

// WatcherConfig tunes topology polling. ElectionWindow and
// QuorumLossThreshold count polls.
type WatcherConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Interval            time.Duration `yaml:"interval"`
	PollTimeout         time.Duration `yaml:"poll_timeout"`
	ElectionWindow      int           `yaml:"election_window"`
	QuorumLossThreshold int           `yaml:"quorum_loss_threshold"`
	History             int           `yaml:"history"`
	EventBuffer         int           `yaml:"event_buffer"`
}

// ConsistencyConfig holds the default requirement, as accepted by
// cluster.ParseWriteLevel and cluster.ParseReadTarget.
type ConsistencyConfig struct {
	Write string `yaml:"write"`
	Read  string `yaml:"read"`
}

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Initial  time.Duration `yaml:"initial"`
	Max      time.Duration `yaml:"max"`
}

// Backend kinds.
const (
	BackendMemory = "memory"
	BackendRemote = "remote"
	BackendMongo  = "mongo"
)

// BackendConfig selects the cluster handle: memory, remote or mongo.
type BackendConfig struct {
	Kind      string      `yaml:"kind"`
	RemoteURL string      `yaml:"remote_url"`
	Mongo     MongoConfig `yaml:"mongo"`
	// MemoryShards is used by the memory backend; empty means the
	// partitioning shard list.
	MemoryShards []string `yaml:"memory_shards"`
}

// MongoConfig holds MongoDB connection strings.
type MongoConfig struct {
	RouterURI      string        `yaml:"router_uri"`
	ReplicaSetURI  string        `yaml:"replica_set_uri"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Checkpoint kinds.
const (
	CheckpointMemory    = "memory"
	CheckpointZooKeeper = "zookeeper"
)

// CheckpointConfig selects where orchestrator progress is saved.
type CheckpointConfig struct {
	Kind           string        `yaml:"kind"`
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// AlertsConfig configures topology event sinks.
type AlertsConfig struct {
	Recorder int         `yaml:"recorder"` // events kept for the admin API
	Redis    RedisConfig `yaml:"redis"`
}

// RedisConfig is the Redis list sink.
type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	Key      string   `yaml:"key"`
	MaxLen   int64    `yaml:"max_len"`
}

// Default returns the configuration of the canonical local bootstrap: keys
// 1..30 of testDB.myCollection over three shards, a three member replica
// group and an in-process backend.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "INFO"},
		HTTP:   HTTPConfig{Addr: ":8080"},
		Collection: CollectionConfig{
			Database:     "testDB",
			Name:         "myCollection",
			PartitionKey: "shardKey",
		},
		Partitioning: PartitioningConfig{
			Low:        1,
			High:       30,
			ShardCount: 3,
			Shards:     []string{"rs0", "rs1", "rs2"},
			Strategy:   string(planner.EqualWidth),
		},
		ReplicaGroup: ReplicaGroupConfig{
			Name:    "rs0",
			Members: []string{"mongo1:27017", "mongo2:27017", "mongo3:27017"},
		},
		Watcher: WatcherConfig{
			Enabled:             true,
			Interval:            2 * time.Second,
			PollTimeout:         time.Second,
			ElectionWindow:      1,
			QuorumLossThreshold: 3,
			History:             256,
			EventBuffer:         64,
		},
		Consistency: ConsistencyConfig{Write: "majority", Read: "primary"},
		Retry:       RetryConfig{Attempts: 5, Initial: 100 * time.Millisecond, Max: 2 * time.Second},
		Backend: BackendConfig{
			Kind:  BackendMemory,
			Mongo: MongoConfig{ConnectTimeout: 10 * time.Second},
		},
		Checkpoint: CheckpointConfig{
			Kind:           CheckpointMemory,
			Root:           "/shardops/checkpoints",
			ConnectTimeout: 10 * time.Second,
		},
		Alerts: AlertsConfig{
			Recorder: 512,
			Redis:    RedisConfig{Key: "shardops:topology-events", MaxLen: 1000},
		},
	}
}

// Load reads a YAML file over Default(). A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", cluster.ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SHARDOPS_* variables found by lookup
// (os.LookupEnv in production). Lists are comma separated.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = splitList(v)
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("SHARDOPS_LOG_LEVEL", &c.Logger.Level)
	flag("SHARDOPS_LOG_JSON", &c.Logger.JSON)
	str("SHARDOPS_HTTP_ADDR", &c.HTTP.Addr)
	str("SHARDOPS_DATABASE", &c.Collection.Database)
	str("SHARDOPS_COLLECTION", &c.Collection.Name)
	str("SHARDOPS_PARTITION_KEY", &c.Collection.PartitionKey)
	list("SHARDOPS_SHARDS", &c.Partitioning.Shards)
	num("SHARDOPS_SHARD_COUNT", &c.Partitioning.ShardCount)
	str("SHARDOPS_REPLICA_SET", &c.ReplicaGroup.Name)
	list("SHARDOPS_REPLICA_MEMBERS", &c.ReplicaGroup.Members)
	flag("SHARDOPS_WATCH", &c.Watcher.Enabled)
	dur("SHARDOPS_WATCH_INTERVAL", &c.Watcher.Interval)
	num("SHARDOPS_ELECTION_WINDOW", &c.Watcher.ElectionWindow)
	num("SHARDOPS_QUORUM_LOSS_THRESHOLD", &c.Watcher.QuorumLossThreshold)
	str("SHARDOPS_WRITE", &c.Consistency.Write)
	str("SHARDOPS_READ", &c.Consistency.Read)
	str("SHARDOPS_BACKEND", &c.Backend.Kind)
	str("SHARDOPS_REMOTE_URL", &c.Backend.RemoteURL)
	str("SHARDOPS_MONGO_ROUTER_URI", &c.Backend.Mongo.RouterURI)
	str("SHARDOPS_MONGO_REPLICA_URI", &c.Backend.Mongo.ReplicaSetURI)
	str("SHARDOPS_CHECKPOINT", &c.Checkpoint.Kind)
	list("SHARDOPS_ZK_SERVERS", &c.Checkpoint.Servers)
	list("SHARDOPS_REDIS_ADDRS", &c.Alerts.Redis.Addrs)
	str("SHARDOPS_REDIS_PASSWORD", &c.Alerts.Redis.Password)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", cluster.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
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

// Validate reports every problem found, wrapped in cluster.ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, err := c.Logger.SlogLevel()
	check(err == nil, "logger.level %q", c.Logger.Level)
	check(c.Collection.Database != "" && c.Collection.Name != "", "collection database and name are required")
	check(!strings.Contains(c.Collection.Database, "."), "collection.database %q contains a dot", c.Collection.Database)
	if err := planner.CheckPartitionKey(c.Collection.PartitionKey); err != nil {
		errs = append(errs, fmt.Errorf("collection.partition_key: %w", err))
	}
	check(c.Partitioning.Low <= c.Partitioning.High, "partitioning range [%d, %d] is empty", c.Partitioning.Low, c.Partitioning.High)
	check(c.Partitioning.ShardCount >= 1, "partitioning.shard_count must be at least 1")
	check(len(c.Partitioning.Shards) > 0, "partitioning.shards is empty")

	if c.Watcher.Enabled {
		check(len(c.ReplicaGroup.Members) > 0, "replica_group.members is empty")
		check(c.Watcher.Interval > 0, "watcher.interval must be positive")
		check(c.Watcher.PollTimeout > 0, "watcher.poll_timeout must be positive")
		check(c.Watcher.ElectionWindow >= 0, "watcher.election_window must not be negative")
		check(c.Watcher.QuorumLossThreshold > c.Watcher.ElectionWindow,
			"watcher.quorum_loss_threshold (%d) must exceed election_window (%d)", c.Watcher.QuorumLossThreshold, c.Watcher.ElectionWindow)
	}

	_, err = cluster.ParseWriteLevel(c.Consistency.Write)
	check(err == nil, "consistency.write %q", c.Consistency.Write)
	_, err = cluster.ParseReadTarget(c.Consistency.Read)
	check(err == nil, "consistency.read %q", c.Consistency.Read)
	check(c.Retry.Attempts >= 1, "retry.attempts must be at least 1")

	switch c.Backend.Kind {
	case BackendMemory:
	case BackendRemote:
		check(c.Backend.RemoteURL != "", "backend.remote_url is required for the remote backend")
	case BackendMongo:
		check(c.Backend.Mongo.RouterURI != "", "backend.mongo.router_uri is required for the mongo backend")
	default:
		check(false, "unknown backend.kind %q", c.Backend.Kind)
	}

	switch c.Checkpoint.Kind {
	case CheckpointMemory:
	case CheckpointZooKeeper:
		check(len(c.Checkpoint.Servers) > 0, "checkpoint.servers is required for zookeeper")
	default:
		check(false, "unknown checkpoint.kind %q", c.Checkpoint.Kind)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", cluster.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses Level ("DEBUG", "info", ...).
func (l LoggerConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(l.Level))
	return level, err
}

// Namespace returns the configured collection namespace.
func (c Config) Namespace() cluster.Namespace {
	return cluster.Namespace{Database: c.Collection.Database, Collection: c.Collection.Name}
}

// PlanRequest builds the planner request for the configured partitioning.
func (c Config) PlanRequest() planner.Request {
	return planner.Request{
		Range:      cluster.KeyRange{Low: c.Partitioning.Low, High: c.Partitioning.High},
		ShardCount: c.Partitioning.ShardCount,
		Shards:     c.Partitioning.Shards,
		Strategy:   planner.Strategy(c.Partitioning.Strategy),
		Assignment: c.Partitioning.Assignment,
	}
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() cluster.RetryPolicy {
	return cluster.RetryPolicy{Attempts: c.Retry.Attempts, Initial: c.Retry.Initial, Max: c.Retry.Max}
}
