package cluster

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultHeartbeatInterval is how often a node refreshes its heartbeat
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultNodeTTL is how long a silent node is still considered alive
	DefaultNodeTTL = 30 * time.Second
)

// RedisLiveness keeps node heartbeats in a sorted set scored by the unix
// millisecond of the last beat. A node silent for longer than the ttl is dead.
type RedisLiveness struct {
	client   redis.Cmdable
	key      string
	nodeID   string
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

var _ LivenessSource = (*RedisLiveness)(nil)

// RedisOption configures the RedisLiveness
type RedisOption func(*RedisLiveness)

// WithNodeTTL overrides DefaultNodeTTL
func WithNodeTTL(ttl time.Duration) RedisOption {
	return func(r *RedisLiveness) {
		r.ttl = ttl
	}
}

// WithHeartbeatInterval overrides DefaultHeartbeatInterval
func WithHeartbeatInterval(interval time.Duration) RedisOption {
	return func(r *RedisLiveness) {
		r.interval = interval
	}
}

// WithRedisLogger sets the logger
func WithRedisLogger(logger *zap.Logger) RedisOption {
	return func(r *RedisLiveness) {
		r.logger = logger
	}
}

// WithRedisClock replaces time.Now, for tests
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *RedisLiveness) {
		r.now = now
	}
}

// NewRedisLiveness tracks nodeID among the nodes of serviceName
func NewRedisLiveness(client redis.Cmdable, serviceName, nodeID string, options ...RedisOption) *RedisLiveness {
	r := &RedisLiveness{
		client:   client,
		key:      fmt.Sprintf("relay:%s:nodes", serviceName),
		nodeID:   nodeID,
		ttl:      DefaultNodeTTL,
		interval: DefaultHeartbeatInterval,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Key returns the sorted set holding the heartbeats
func (r *RedisLiveness) Key() string {
	return r.key
}

// Heartbeat marks this node alive now
func (r *RedisLiveness) Heartbeat(ctx context.Context) error {
	err := r.client.ZAdd(ctx, r.key, redis.Z{
		Score:  float64(r.now().UnixMilli()),
		Member: r.nodeID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis heartbeat failed: %w", err)
	}
	return nil
}

// Run beats until ctx is done. Failed beats are logged and retried on the next tick.
func (r *RedisLiveness) Run(ctx context.Context) error {
	if err := r.Heartbeat(ctx); err != nil {
		r.logger.Warn("heartbeat failed", zap.String("nodeId", r.nodeID), zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("heartbeat failed", zap.String("nodeId", r.nodeID), zap.Error(err))
			}
		}
	}
}

// DeadNodes implements LivenessSource. This node is never reported.
func (r *RedisLiveness) DeadNodes(ctx context.Context) ([]string, error) {
	nodes, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + r.cutoff(),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGEBYSCORE failed: %w", err)
	}
	return r.withoutSelf(nodes), nil
}

// AliveNodes lists the nodes that beat within the ttl, this node included
func (r *RedisLiveness) AliveNodes(ctx context.Context) ([]string, error) {
	nodes, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min: r.cutoff(),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGEBYSCORE failed: %w", err)
	}
	return nodes, nil
}

// Forget removes nodes whose envelopes have been taken over
func (r *RedisLiveness) Forget(ctx context.Context, nodes ...string) error {
	if len(nodes) == 0 {
		return nil
	}
	members := make([]interface{}, len(nodes))
	for i, node := range nodes {
		members[i] = node
	}
	if err := r.client.ZRem(ctx, r.key, members...).Err(); err != nil {
		return fmt.Errorf("redis ZREM failed: %w", err)
	}
	return nil
}

func (r *RedisLiveness) cutoff() string {
	return strconv.FormatInt(r.now().Add(-r.ttl).UnixMilli(), 10)
}

func (r *RedisLiveness) withoutSelf(nodes []string) []string {
	out := nodes[:0]
	for _, node := range nodes {
		if node != r.nodeID {
			out = append(out, node)
		}
	}
	return out
}
