package durability

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/metrics"
)

const (
	// DefaultFirstDelay is how long a loop waits before its first sweep
	DefaultFirstDelay = time.Second
	// DefaultPollingInterval separates two sweeps of the same loop
	DefaultPollingInterval = 5 * time.Second
	// DefaultRecoveryBatchSize bounds how many orphans one sweep claims per set
	DefaultRecoveryBatchSize = 100

	requeueDelay = 250 * time.Millisecond
)

// Enqueuer is the part of messaging.WorkerQueue the sweeps feed
type Enqueuer interface {
	Enqueue(ctx context.Context, env *contracts.Envelope) error
	Schedule(env *contracts.Envelope, delay time.Duration) error
}

// Resender puts claimed outgoing envelopes back on the wire
type Resender interface {
	Resend(envelopes ...*contracts.Envelope)
}

type options struct {
	logger     *zap.Logger
	metrics    *metrics.Collector
	now        func() time.Time
	firstDelay time.Duration
	interval   time.Duration
	batchSize  int
}

// Option configures the sweeps and the Agent
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records claims and reassignments
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = collector
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithFirstDelay overrides DefaultFirstDelay
func WithFirstDelay(d time.Duration) Option {
	return func(o *options) {
		o.firstDelay = d
	}
}

// WithPollingInterval overrides DefaultPollingInterval
func WithPollingInterval(d time.Duration) Option {
	return func(o *options) {
		o.interval = d
	}
}

// WithBatchSize overrides DefaultRecoveryBatchSize
func WithBatchSize(n int) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:     zap.NewNop(),
		now:        time.Now,
		firstDelay: DefaultFirstDelay,
		interval:   DefaultPollingInterval,
		batchSize:  DefaultRecoveryBatchSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.interval <= 0 {
		o.interval = DefaultPollingInterval
	}
	if o.firstDelay < 0 {
		o.firstDelay = 0
	}
	return o
}

// enqueue hands a claimed envelope to the queue. A busy queue gets the
// envelope later; the claim is never given back.
func enqueue(ctx context.Context, queue Enqueuer, env *contracts.Envelope, logger *zap.Logger) {
	err := queue.Enqueue(ctx, env)
	switch {
	case err == nil:
		return
	case errors.Is(err, contracts.ErrQueueFull), errors.Is(err, contracts.ErrEnvelopeInFlight):
		err = queue.Schedule(env, requeueDelay)
	}
	if err != nil {
		logger.Warn("claimed envelope could not be enqueued",
			zap.String("envelopeId", env.ID),
			zap.String("messageType", env.MessageType),
			zap.Error(err))
	}
}

// poll runs sweep after firstDelay and then every interval until ctx is done
func poll(ctx context.Context, firstDelay, interval time.Duration, sweep func(context.Context)) {
	timer := time.NewTimer(firstDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}
