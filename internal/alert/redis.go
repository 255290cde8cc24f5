package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dreamware/shardops/internal/cluster"
)

// RedisClient is the subset of the go-redis API the sink uses.
type RedisClient interface {
	Close() error
	Ping(ctx context.Context) *redis.StatusCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// RedisOptions configures NewRedisClient.
type RedisOptions struct {
	Addrs    []string
	Password string
}

// NewRedisClient connects a universal client (single node or cluster) and
// verifies it with a ping.
func NewRedisClient(ctx context.Context, opt RedisOptions) (RedisClient, error) {
	if len(opt.Addrs) == 0 {
		return nil, errors.New("redis addrs is empty")
	}

	c := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    opt.Addrs,
		Password: opt.Password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", cluster.ErrTransientUnavailable, err)
	}
	return c, nil
}

// RedisSink pushes events as JSON onto a Redis list, newest first, and trims
// the list to MaxLen entries.
type RedisSink struct {
	client RedisClient
	key    string
	maxLen int64
}

// NewRedisSink returns a sink writing to list key. maxLen <= 0 keeps 1000
// entries.
func NewRedisSink(client RedisClient, key string, maxLen int64) *RedisSink {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisSink{client: client, key: key, maxLen: maxLen}
}

func (s *RedisSink) Notify(ctx context.Context, ev cluster.TopologyEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.client.LPush(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("push %s event to %s: %w", ev.Kind, s.key, err)
	}
	if err := s.client.LTrim(ctx, s.key, 0, s.maxLen-1).Err(); err != nil {
		return fmt.Errorf("trim %s: %w", s.key, err)
	}
	return nil
}

// Recent reads back up to n events, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]cluster.TopologyEvent, error) {
	if n <= 0 {
		n = s.maxLen
	}
	raw, err := s.client.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]cluster.TopologyEvent, 0, len(raw))
	for _, r := range raw {
		var ev cluster.TopologyEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("decode event from %s: %w", s.key, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close closes the underlying client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
