package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/metrics"
)

const (
	// DefaultMaxConcurrency bounds how many envelopes execute at once
	DefaultMaxConcurrency = 32
	// DefaultAdmissionTimeout is how long Enqueue waits for a free slot
	DefaultAdmissionTimeout = 5 * time.Second
	// requeueDelay spaces out re-admission attempts of a saturated queue
	requeueDelay = 250 * time.Millisecond
)

// WorkerQueue executes claimed envelopes through a handler pipeline. Envelopes
// run concurrently with no ordering between them, but one envelope id never
// runs twice at the same time.
type WorkerQueue struct {
	pipeline  HandlerPipeline
	retries   Retries
	hook      DeadLetterHook
	slots     *semaphore.Weighted
	capacity  int
	admission time.Duration
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	timers   map[*time.Timer]struct{}
	closed   bool

	// uncommitted holds envelopes whose handler succeeded but whose commit
	// failed; their next run only retries the commit
	uncommitted map[string]struct{}
}

// WorkerOption configures the WorkerQueue
type WorkerOption func(*WorkerQueue)

// WithWorkerLogger sets the logger
func WithWorkerLogger(logger *zap.Logger) WorkerOption {
	return func(q *WorkerQueue) {
		q.logger = logger
	}
}

// WithWorkerMetrics sets the metrics collector
func WithWorkerMetrics(collector *metrics.Collector) WorkerOption {
	return func(q *WorkerQueue) {
		q.metrics = collector
	}
}

// WithMaxConcurrency overrides DefaultMaxConcurrency
func WithMaxConcurrency(n int) WorkerOption {
	return func(q *WorkerQueue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithAdmissionTimeout overrides DefaultAdmissionTimeout
func WithAdmissionTimeout(d time.Duration) WorkerOption {
	return func(q *WorkerQueue) {
		q.admission = d
	}
}

// WithDeadLetterHook is told about every dead-lettered envelope
func WithDeadLetterHook(hook DeadLetterHook) WorkerOption {
	return func(q *WorkerQueue) {
		q.hook = hook
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) WorkerOption {
	return func(q *WorkerQueue) {
		q.now = now
	}
}

// NewWorkerQueue creates a queue executing envelopes through pipeline
func NewWorkerQueue(pipeline HandlerPipeline, retries Retries, options ...WorkerOption) *WorkerQueue {
	q := &WorkerQueue{
		pipeline:  pipeline,
		retries:   retries,
		capacity:  DefaultMaxConcurrency,
		admission: DefaultAdmissionTimeout,
		logger:    zap.NewNop(),
		now:       time.Now,
		inFlight:  make(map[string]struct{}),
		timers:    make(map[*time.Timer]struct{}),

		uncommitted: make(map[string]struct{}),
	}

	for _, opt := range options {
		opt(q)
	}
	if q.retries == nil {
		q.retries = NeverRetry{}
	}
	q.slots = semaphore.NewWeighted(int64(q.capacity))

	return q
}

// Enqueue schedules env for execution and returns without waiting for it.
// The envelope must already be claimed by this node. Envelopes without a
// callback get a LightweightCallback.
func (q *WorkerQueue) Enqueue(ctx context.Context, env *contracts.Envelope) error {
	if env.IsDelayed(q.now()) {
		return fmt.Errorf("%w: envelope %s", contracts.ErrEnvelopeDelayed, env.ID)
	}
	if env.Callback == nil {
		env.Callback = LightweightCallback{}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return contracts.ErrQueueClosed
	}
	if _, busy := q.inFlight[env.ID]; busy {
		q.mu.Unlock()
		return fmt.Errorf("%w: envelope %s", contracts.ErrEnvelopeInFlight, env.ID)
	}
	q.inFlight[env.ID] = struct{}{}
	q.mu.Unlock()

	admitCtx, cancel := context.WithTimeout(ctx, q.admission)
	defer cancel()
	if err := q.slots.Acquire(admitCtx, 1); err != nil {
		q.release(env)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: envelope %s", contracts.ErrQueueFull, env.ID)
	}

	q.metrics.InFlight(1)
	go q.execute(env)
	return nil
}

// Schedule enqueues env after delay. If the queue is saturated at that point
// the envelope keeps waiting for a slot rather than being dropped.
func (q *WorkerQueue) Schedule(env *contracts.Envelope, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return contracts.ErrQueueClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()

		err := q.Enqueue(context.Background(), env)
		switch {
		case err == nil:
		case errors.Is(err, contracts.ErrQueueFull), errors.Is(err, contracts.ErrEnvelopeInFlight):
			if err := q.Schedule(env, requeueDelay); err != nil {
				q.logger.Debug("dropping scheduled envelope", zap.String("envelopeId", env.ID), zap.Error(err))
			}
		default:
			q.logger.Warn("scheduled envelope could not be enqueued",
				zap.String("envelopeId", env.ID),
				zap.String("messageType", env.MessageType),
				zap.Error(err))
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

// InFlight reports how many envelopes are executing
func (q *WorkerQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Pending reports how many envelopes wait for a retry or delayed start
func (q *WorkerQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Drain waits until no envelope is executing or ctx is done. New envelopes
// are still accepted while draining.
func (q *WorkerQueue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for q.InFlight() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting envelopes, cancels pending retries and waits for
// executing envelopes. Durable envelopes dropped here stay in the store.
func (q *WorkerQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
	q.mu.Unlock()

	return q.Drain(ctx)
}

func (q *WorkerQueue) execute(env *contracts.Envelope) {
	ctx := context.Background()
	retry, delay := q.run(ctx, env)

	q.slots.Release(1)
	q.metrics.InFlight(-1)

	// the retry timer is armed before the id is released so Close never
	// observes an idle queue with a retry still to be scheduled
	if retry {
		if err := q.Schedule(env, delay); err != nil {
			q.logger.Info("retry abandoned, queue closed",
				zap.String("envelopeId", env.ID),
				zap.Int("attempts", env.Attempts))
			q.setUncommitted(env, false)
		}
	}
	q.release(env)
}

func (q *WorkerQueue) release(env *contracts.Envelope) {
	q.mu.Lock()
	delete(q.inFlight, env.ID)
	q.mu.Unlock()
}

// run executes env once and reports whether it should be resubmitted
func (q *WorkerQueue) run(ctx context.Context, env *contracts.Envelope) (bool, time.Duration) {
	if env.IsExpired(q.now()) {
		q.logger.Info("discarding expired envelope",
			zap.String("envelopeId", env.ID),
			zap.String("messageType", env.MessageType))
		if err := env.Callback.Complete(ctx, env); err != nil {
			q.logger.Warn("failed to discard expired envelope", zap.String("envelopeId", env.ID), zap.Error(err))
		}
		return false, 0
	}

	if q.isUncommitted(env) {
		return q.commit(ctx, env)
	}

	if err := q.pipeline.Invoke(ctx, env); err != nil {
		return q.failed(ctx, env, err)
	}
	return q.commit(ctx, env)
}

// commit completes a handled envelope. A failed commit is resubmitted without
// running the handler again and without counting as an attempt.
func (q *WorkerQueue) commit(ctx context.Context, env *contracts.Envelope) (bool, time.Duration) {
	err := env.Callback.Complete(ctx, env)
	if err == nil {
		q.setUncommitted(env, false)
		return false, 0
	}

	q.logger.Warn("handled envelope could not be committed",
		zap.String("envelopeId", env.ID),
		zap.Duration("delay", requeueDelay),
		zap.Error(fmt.Errorf("commit envelope: %w", err)))
	q.setUncommitted(env, true)
	return true, requeueDelay
}

func (q *WorkerQueue) isUncommitted(env *contracts.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.uncommitted[env.ID]
	return ok
}

func (q *WorkerQueue) setUncommitted(env *contracts.Envelope, pending bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pending {
		q.uncommitted[env.ID] = struct{}{}
	} else {
		delete(q.uncommitted, env.ID)
	}
}

func (q *WorkerQueue) failed(ctx context.Context, env *contracts.Envelope, cause error) (bool, time.Duration) {
	env.Attempts++
	if err := env.Callback.Failed(ctx, env, cause); err != nil {
		q.logger.Warn("failed to record attempt",
			zap.String("envelopeId", env.ID),
			zap.Int("attempts", env.Attempts),
			zap.Error(err))
	}

	delay, retry := q.retries.Next(env, cause)
	if retry {
		q.metrics.EnvelopeRetried(env.MessageType)
		q.logger.Debug("retrying envelope",
			zap.String("envelopeId", env.ID),
			zap.String("messageType", env.MessageType),
			zap.Int("attempts", env.Attempts),
			zap.Duration("delay", delay),
			zap.Error(cause))
		return true, delay
	}

	q.logger.Error("dead-lettering envelope",
		zap.String("envelopeId", env.ID),
		zap.String("messageType", env.MessageType),
		zap.Int("attempts", env.Attempts),
		zap.Error(cause))

	if err := env.Callback.DeadLetter(ctx, env, cause); err != nil {
		q.logger.Error("failed to dead-letter envelope", zap.String("envelopeId", env.ID), zap.Error(err))
	}
	if q.hook != nil {
		if err := q.hook.DeadLetter(ctx, env, cause); err != nil {
			q.logger.Warn("dead letter hook failed", zap.String("envelopeId", env.ID), zap.Error(err))
		}
	}
	q.metrics.EnvelopeDeadLettered(env.MessageType, deadLetterReason(cause))
	return false, 0
}

func deadLetterReason(err error) string {
	switch {
	case errors.Is(err, contracts.ErrSerializationFailure):
		return "serialization"
	case errors.Is(err, contracts.ErrNoHandler):
		return "no_handler"
	case errors.Is(err, contracts.ErrQueueDoesNotExist):
		return "no_queue"
	case errors.Is(err, contracts.ErrIndeterminateOwnership):
		return "ownership"
	default:
		return "exhausted"
	}
}
