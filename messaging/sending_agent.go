package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/metrics"
	"github.com/glimte/relay/persistence"
)

// SendingAgent delivers envelopes to remote nodes in per-destination batches.
// With a store, envelopes are persisted as Outgoing before the first attempt
// and deleted only after the receiver confirmed them.
type SendingAgent struct {
	sender  BatchSender
	retries Retries
	store   persistence.Store
	nodeID  string
	hook    DeadLetterHook
	logger  *zap.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timers   map[*time.Timer]struct{}
	closed   bool
	inFlight sync.WaitGroup
}

var (
	_ contracts.SenderCallback = (*SendingAgent)(nil)
	_ Outbound                 = (*SendingAgent)(nil)
)

// AgentOption configures the SendingAgent
type AgentOption func(*SendingAgent)

// WithAgentLogger sets the logger
func WithAgentLogger(logger *zap.Logger) AgentOption {
	return func(a *SendingAgent) {
		a.logger = logger
	}
}

// WithAgentMetrics sets the metrics collector
func WithAgentMetrics(collector *metrics.Collector) AgentOption {
	return func(a *SendingAgent) {
		a.metrics = collector
	}
}

// WithOutbox persists outgoing envelopes in store, owned by nodeID
func WithOutbox(store persistence.Store, nodeID string) AgentOption {
	return func(a *SendingAgent) {
		a.store = store
		a.nodeID = nodeID
	}
}

// WithAgentDeadLetterHook is told about every envelope that could not be delivered
func WithAgentDeadLetterHook(hook DeadLetterHook) AgentOption {
	return func(a *SendingAgent) {
		a.hook = hook
	}
}

// NewSendingAgent creates an agent sending through sender
func NewSendingAgent(sender BatchSender, retries Retries, options ...AgentOption) *SendingAgent {
	a := &SendingAgent{
		sender:  sender,
		retries: retries,
		logger:  zap.NewNop(),
		timers:  make(map[*time.Timer]struct{}),
	}
	for _, opt := range options {
		opt(a)
	}
	if a.retries == nil {
		a.retries = NeverRetry{}
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

// IsDurable reports whether sent envelopes survive a restart
func (a *SendingAgent) IsDurable() bool {
	return a.store != nil
}

// Send persists envelopes when durable and dispatches them grouped by
// destination. It returns once they are persisted, not once they are delivered.
func (a *SendingAgent) Send(ctx context.Context, envelopes ...*contracts.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	for _, env := range envelopes {
		if env.Destination == "" || IsLocal(env.Destination) {
			return fmt.Errorf("envelope %s has no remote destination", env.ID)
		}
	}
	if a.isClosed() {
		return contracts.ErrQueueClosed
	}

	if a.store != nil {
		for _, env := range envelopes {
			env.Status = contracts.StatusOutgoing
			env.OwnerID = a.nodeID
		}
		if err := a.store.PersistOutgoing(ctx, envelopes...); err != nil {
			return fmt.Errorf("persist outgoing envelopes: %w", err)
		}
	}

	a.Resend(envelopes...)
	return nil
}

// Resend dispatches envelopes that are already in the outgoing store, such
// as those claimed back after a restart
func (a *SendingAgent) Resend(envelopes ...*contracts.Envelope) {
	for _, batch := range groupByDestination(envelopes) {
		a.dispatch(batch)
	}
}

// Close cancels pending resends and waits for batches on the wire
func (a *SendingAgent) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	for timer := range a.timers {
		timer.Stop()
	}
	a.timers = make(map[*time.Timer]struct{})
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.inFlight.Wait()
		close(done)
	}()

	defer a.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Successful implements contracts.SenderCallback
func (a *SendingAgent) Successful(batch *contracts.OutgoingBatch) {
	a.logger.Debug("batch delivered",
		zap.String("destination", batch.Destination),
		zap.Int("envelopes", len(batch.Envelopes)))
	if a.store == nil {
		return
	}
	if err := a.store.DeleteOutgoing(a.ctx, batch.IDs()...); err != nil {
		// the envelopes will be sent again after a restart
		a.logger.Warn("failed to delete delivered envelopes",
			zap.String("destination", batch.Destination),
			zap.Strings("envelopeIds", batch.IDs()),
			zap.Error(err))
	}
}

// TimedOut implements contracts.SenderCallback
func (a *SendingAgent) TimedOut(batch *contracts.OutgoingBatch) {
	a.retry(batch, fmt.Errorf("%w: %s", contracts.ErrProtocolTimeout, batch.Destination))
}

// SerializationFailure implements contracts.SenderCallback
func (a *SendingAgent) SerializationFailure(batch *contracts.OutgoingBatch) {
	a.deadLetter(batch.Envelopes, fmt.Errorf("%w: rejected by %s", contracts.ErrSerializationFailure, batch.Destination))
}

// ProcessingFailure implements contracts.SenderCallback
func (a *SendingAgent) ProcessingFailure(batch *contracts.OutgoingBatch, err error) {
	if err == nil {
		err = contracts.ErrProcessingFailure
	}
	a.retry(batch, err)
}

// QueueDoesNotExist implements contracts.SenderCallback
func (a *SendingAgent) QueueDoesNotExist(batch *contracts.OutgoingBatch) {
	a.deadLetter(batch.Envelopes, fmt.Errorf("%w: %s", contracts.ErrQueueDoesNotExist, batch.Destination))
}

// Failed implements contracts.SenderCallback
func (a *SendingAgent) Failed(batch *contracts.OutgoingBatch, err error) {
	a.retry(batch, err)
}

func (a *SendingAgent) dispatch(batch *contracts.OutgoingBatch) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.inFlight.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.inFlight.Done()
		a.sender.SendBatch(a.ctx, a, batch)
	}()
}

func (a *SendingAgent) retry(batch *contracts.OutgoingBatch, cause error) {
	var (
		again []*contracts.Envelope
		dead  []*contracts.Envelope
		wait  time.Duration
	)

	for _, env := range batch.Envelopes {
		env.Attempts++
		if a.store != nil {
			attempts, err := a.store.IncrementOutgoingAttempts(a.ctx, env.ID)
			if err != nil {
				a.logger.Warn("failed to record send attempt", zap.String("envelopeId", env.ID), zap.Error(err))
			} else if attempts > env.Attempts {
				env.Attempts = attempts
			}
		}

		delay, ok := a.retries.Next(env, cause)
		if !ok {
			dead = append(dead, env)
			continue
		}
		if delay > wait {
			wait = delay
		}
		again = append(again, env)
	}

	if len(dead) > 0 {
		a.deadLetter(dead, cause)
	}
	if len(again) == 0 {
		return
	}

	a.logger.Info("resending batch",
		zap.String("destination", batch.Destination),
		zap.Int("envelopes", len(again)),
		zap.Duration("delay", wait),
		zap.Error(cause))
	for _, env := range again {
		a.metrics.EnvelopeRetried(env.MessageType)
	}
	a.resendAfter(contracts.NewOutgoingBatch(batch.Destination, again...), wait)
}

func (a *SendingAgent) resendAfter(batch *contracts.OutgoingBatch, delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		delete(a.timers, timer)
		a.mu.Unlock()
		a.dispatch(batch)
	})
	a.timers[timer] = struct{}{}
}

func (a *SendingAgent) deadLetter(envelopes []*contracts.Envelope, cause error) {
	for _, env := range envelopes {
		a.logger.Error("dead-lettering outgoing envelope",
			zap.String("envelopeId", env.ID),
			zap.String("messageType", env.MessageType),
			zap.String("destination", env.Destination),
			zap.Int("attempts", env.Attempts),
			zap.Error(cause))

		if a.store != nil {
			if err := a.store.MoveToDeadLetter(a.ctx, env, cause); err != nil {
				a.logger.Error("failed to dead-letter envelope", zap.String("envelopeId", env.ID), zap.Error(err))
			}
		}
		if a.hook != nil {
			if err := a.hook.DeadLetter(a.ctx, env, cause); err != nil {
				a.logger.Warn("dead letter hook failed", zap.String("envelopeId", env.ID), zap.Error(err))
			}
		}
		a.metrics.EnvelopeDeadLettered(env.MessageType, deadLetterReason(cause))
	}
}

func (a *SendingAgent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// groupByDestination keeps the first-seen order of destinations
func groupByDestination(envelopes []*contracts.Envelope) []*contracts.OutgoingBatch {
	var batches []*contracts.OutgoingBatch
	index := make(map[string]*contracts.OutgoingBatch)
	for _, env := range envelopes {
		batch, ok := index[env.Destination]
		if !ok {
			batch = contracts.NewOutgoingBatch(env.Destination)
			index[env.Destination] = batch
			batches = append(batches, batch)
		}
		batch.Envelopes = append(batch.Envelopes, env)
	}
	return batches
}
