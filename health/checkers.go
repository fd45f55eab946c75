package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/relay/persistence"
	"github.com/glimte/relay/transports/tcp"
)

func begin(name string) CheckResult {
	return CheckResult{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

func finish(result CheckResult, status Status, message string) CheckResult {
	result.Status = status
	result.Message = message
	result.Duration = time.Since(result.Timestamp)
	return result
}

// StoreChecker reports what the envelope store holds. Dead letters above the
// threshold degrade the node; an unreachable store makes it unhealthy.
type StoreChecker struct {
	store               persistence.Store
	deadLetterThreshold int
}

// NewStoreChecker creates a store check. A threshold of zero ignores dead letters.
func NewStoreChecker(store persistence.Store, deadLetterThreshold int) *StoreChecker {
	return &StoreChecker{store: store, deadLetterThreshold: deadLetterThreshold}
}

func (c *StoreChecker) Name() string {
	return "store"
}

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	result := begin(c.Name())

	counts, err := c.store.Counts(ctx)
	if err != nil {
		result.Error = err.Error()
		return finish(result, StatusUnhealthy, "store is unreachable")
	}

	result.Details["incoming"] = counts.Incoming
	result.Details["scheduled"] = counts.Scheduled
	result.Details["outgoing"] = counts.Outgoing
	result.Details["dead_letters"] = counts.DeadLetters

	if c.deadLetterThreshold > 0 && counts.DeadLetters >= c.deadLetterThreshold {
		return finish(result, StatusDegraded, fmt.Sprintf("%d dead letters", counts.DeadLetters))
	}
	return finish(result, StatusHealthy, "store is reachable")
}

// StatusReporter is the part of tcp.Listener the listener check reads
type StatusReporter interface {
	Status() tcp.ListeningStatus
}

// ListenerChecker reports a listener that refuses work as degraded
type ListenerChecker struct {
	listener StatusReporter
}

func NewListenerChecker(listener StatusReporter) *ListenerChecker {
	return &ListenerChecker{listener: listener}
}

func (c *ListenerChecker) Name() string {
	return "listener"
}

func (c *ListenerChecker) Check(ctx context.Context) CheckResult {
	result := begin(c.Name())
	status := c.listener.Status()
	result.Details["status"] = status.String()
	if status == tcp.TooBusy {
		return finish(result, StatusDegraded, "listener is refusing new batches")
	}
	return finish(result, StatusHealthy, "listener is accepting")
}

// RedisChecker pings the liveness redis
type RedisChecker struct {
	client redis.Cmdable
}

func NewRedisChecker(client redis.Cmdable) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	result := begin(c.Name())
	if err := c.client.Ping(ctx).Err(); err != nil {
		result.Error = err.Error()
		// without heartbeats peers will take this node's envelopes over
		return finish(result, StatusUnhealthy, "redis is unreachable")
	}
	return finish(result, StatusHealthy, "redis is reachable")
}

// WorkerStats is the part of messaging.WorkerQueue the worker check reads
type WorkerStats interface {
	InFlight() int
	Pending() int
}

// WorkerChecker degrades the node while every worker slot is taken
type WorkerChecker struct {
	queue    WorkerStats
	capacity int
}

func NewWorkerChecker(queue WorkerStats, capacity int) *WorkerChecker {
	return &WorkerChecker{queue: queue, capacity: capacity}
}

func (c *WorkerChecker) Name() string {
	return "workers"
}

func (c *WorkerChecker) Check(ctx context.Context) CheckResult {
	result := begin(c.Name())
	inFlight := c.queue.InFlight()
	result.Details["in_flight"] = inFlight
	result.Details["pending"] = c.queue.Pending()
	result.Details["capacity"] = c.capacity

	if c.capacity > 0 && inFlight >= c.capacity {
		return finish(result, StatusDegraded, "all workers are busy")
	}
	return finish(result, StatusHealthy, "workers available")
}

// RuntimeChecker watches the goroutine count
type RuntimeChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

func NewRuntimeChecker(warningGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	result := begin(c.Name())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.criticalGoroutines > 0 && goroutines > c.criticalGoroutines:
		return finish(result, StatusUnhealthy, fmt.Sprintf("too many goroutines: %d", goroutines))
	case c.warningGoroutines > 0 && goroutines > c.warningGoroutines:
		return finish(result, StatusDegraded, fmt.Sprintf("high goroutine count: %d", goroutines))
	default:
		return finish(result, StatusHealthy, "runtime is normal")
	}
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) (Status, string, error)
}

func NewCheckerFunc(name string, fn func(ctx context.Context) (Status, string, error)) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Name() string {
	return c.name
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	result := begin(c.Name())
	status, message, err := c.fn(ctx)
	if err != nil {
		result.Error = err.Error()
	}
	return finish(result, status, message)
}
