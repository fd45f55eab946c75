package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLiveness(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}

	nodeA := NewRedisLiveness(client, "orders", "node-a", WithNodeTTL(30*time.Second), WithRedisClock(clock.Now))
	nodeB := NewRedisLiveness(client, "orders", "node-b", WithNodeTTL(30*time.Second), WithRedisClock(clock.Now))
	assert.Equal(t, "relay:orders:nodes", nodeA.Key())

	require.NoError(t, nodeA.Heartbeat(ctx))
	require.NoError(t, nodeB.Heartbeat(ctx))

	dead, err := nodeA.DeadNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	clock.Advance(20 * time.Second)
	require.NoError(t, nodeA.Heartbeat(ctx))
	clock.Advance(15 * time.Second)

	dead, err = nodeA.DeadNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b"}, dead)

	alive, err := nodeA.AliveNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, alive)

	// a node never reports itself, even when its own beat is stale
	clock.Advance(time.Minute)
	dead, err = nodeA.DeadNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b"}, dead)

	require.NoError(t, nodeA.Forget(ctx, "node-b"))
	dead, err = nodeA.DeadNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
	assert.NoError(t, nodeA.Forget(ctx))
}

func TestRedisLivenessIsolatesServices(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}

	orders := NewRedisLiveness(client, "orders", "node-a", WithRedisClock(clock.Now))
	billing := NewRedisLiveness(client, "billing", "node-b", WithRedisClock(clock.Now))
	require.NoError(t, billing.Heartbeat(ctx))

	clock.Advance(time.Hour)
	dead, err := orders.DeadNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestRedisLivenessRun(t *testing.T) {
	client := newRedis(t)
	liveness := NewRedisLiveness(client, "orders", "node-a", WithHeartbeatInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- liveness.Run(ctx) }()

	require.Eventually(t, func() bool {
		alive, err := liveness.AliveNodes(context.Background())
		return err == nil && len(alive) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRedisLivenessErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	liveness := NewRedisLiveness(client, "orders", "node-a")

	mr.Close()
	assert.Error(t, liveness.Heartbeat(context.Background()))
	_, err := liveness.DeadNodes(context.Background())
	assert.Error(t, err)
}

func TestStaticLiveness(t *testing.T) {
	source := NewStaticLiveness("node-b")
	dead, err := source.DeadNodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b"}, dead)

	source.SetDead()
	dead, err = source.DeadNodes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dead)
}
