package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/persistence"
	"github.com/glimte/relay/transports/tcp"
)

// Receiver accepts batches from the tcp listener for the queues this node serves
type Receiver struct {
	queue   *WorkerQueue
	store   persistence.Store
	durable *DurableCallback
	nodeID  string
	queues  map[string]struct{}
	logger  *zap.Logger
	now     func() time.Time

	// duplicates holds received envelopes whose id the inbox already had,
	// until the sender's confirmation settles the batch
	mu         sync.Mutex
	duplicates map[*contracts.Envelope]struct{}
}

var _ contracts.ReceiverCallback = (*Receiver)(nil)

// ReceiverOption configures the Receiver
type ReceiverOption func(*Receiver)

// WithReceiverLogger sets the logger
func WithReceiverLogger(logger *zap.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithInbox persists received envelopes in store before they are confirmed
func WithInbox(store persistence.Store) ReceiverOption {
	return func(r *Receiver) {
		r.store = store
		r.durable = NewDurableCallback(store)
	}
}

// WithQueues limits the queues the receiver accepts. Without it every queue is accepted.
func WithQueues(queues ...string) ReceiverOption {
	return func(r *Receiver) {
		for _, q := range queues {
			r.queues[q] = struct{}{}
		}
	}
}

// WithReceiverClock replaces time.Now, for tests
func WithReceiverClock(now func() time.Time) ReceiverOption {
	return func(r *Receiver) {
		r.now = now
	}
}

// NewReceiver creates a receiver feeding queue on behalf of nodeID
func NewReceiver(queue *WorkerQueue, nodeID string, options ...ReceiverOption) *Receiver {
	r := &Receiver{
		queue:      queue,
		nodeID:     nodeID,
		queues:     make(map[string]struct{}),
		logger:     zap.NewNop(),
		now:        time.Now,
		duplicates: make(map[*contracts.Envelope]struct{}),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Received implements contracts.ReceiverCallback. Envelopes are persisted
// here, so a Success status means they survive a crash of this node.
func (r *Receiver) Received(ctx context.Context, uri string, envelopes []*contracts.Envelope) contracts.ReceivedStatus {
	for _, env := range envelopes {
		queue := tcp.QueueOf(env.Destination)
		if env.Destination == "" {
			queue = tcp.QueueOf(uri)
		}
		if !r.serves(queue) {
			r.logger.Warn("received envelope for unknown queue",
				zap.String("envelopeId", env.ID),
				zap.String("destination", env.Destination),
				zap.String("queue", queue))
			return contracts.ReceivedQueueDoesNotExist
		}
	}

	now := r.now().UTC()
	for _, env := range envelopes {
		env.MarkReceived(r.nodeID, now)
	}

	if r.store != nil {
		inserted, err := r.store.InsertIncoming(ctx, envelopes...)
		if err != nil {
			r.logger.Error("failed to persist received envelopes",
				zap.String("uri", uri),
				zap.Int("envelopes", len(envelopes)),
				zap.Error(err))
			return contracts.ReceivedProcessFailure
		}
		r.markDuplicates(envelopes, inserted)
	}
	return contracts.ReceivedSuccess
}

// markDuplicates remembers the envelopes of a batch the inbox already held
func (r *Receiver) markDuplicates(envelopes []*contracts.Envelope, inserted []string) {
	if len(inserted) == len(envelopes) {
		return
	}
	fresh := make(map[string]struct{}, len(inserted))
	for _, id := range inserted {
		fresh[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range envelopes {
		if _, ok := fresh[env.ID]; !ok {
			r.duplicates[env] = struct{}{}
		}
	}
}

// settle reports whether env was a duplicate and forgets it
func (r *Receiver) settle(env *contracts.Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.duplicates[env]
	delete(r.duplicates, env)
	return ok
}

// Acknowledged implements contracts.ReceiverCallback. Durable scheduled
// envelopes are left to the scheduled job sweep, and redelivered envelopes to
// whichever node owns the stored copy.
func (r *Receiver) Acknowledged(ctx context.Context, envelopes []*contracts.Envelope) {
	for _, env := range envelopes {
		if r.settle(env) {
			r.logger.Debug("ignoring redelivered envelope",
				zap.String("envelopeId", env.ID),
				zap.String("messageType", env.MessageType))
			continue
		}
		if env.Status == contracts.StatusScheduled {
			if r.store == nil {
				r.delay(env)
			}
			continue
		}
		if r.durable != nil {
			env.Callback = r.durable
		} else {
			env.Callback = LightweightCallback{}
		}

		err := r.queue.Enqueue(ctx, env)
		switch {
		case err == nil:
		case errors.Is(err, contracts.ErrQueueFull), errors.Is(err, contracts.ErrEnvelopeInFlight):
			if err := r.queue.Schedule(env, requeueDelay); err != nil {
				r.logger.Warn("received envelope not queued", zap.String("envelopeId", env.ID), zap.Error(err))
			}
		default:
			// durable envelopes are still in the store and recovered by a later sweep
			r.logger.Warn("received envelope not queued",
				zap.String("envelopeId", env.ID),
				zap.String("messageType", env.MessageType),
				zap.Error(err))
		}
	}
}

// NotAcknowledged implements contracts.ReceiverCallback. The sender keeps the
// envelopes and will send them again, so the copies this batch inserted are
// dropped. Records the inbox held before the batch arrived stay.
func (r *Receiver) NotAcknowledged(ctx context.Context, envelopes []*contracts.Envelope) {
	if r.store == nil {
		return
	}
	ids := make([]string, 0, len(envelopes))
	for _, env := range envelopes {
		if !r.settle(env) {
			ids = append(ids, env.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := r.store.DeleteIncoming(ctx, ids...); err != nil {
		r.logger.Warn("failed to drop unacknowledged envelopes", zap.Strings("envelopeIds", ids), zap.Error(err))
	}
}

// Failed implements contracts.ReceiverCallback
func (r *Receiver) Failed(ctx context.Context, err error, envelopes []*contracts.Envelope) {
	r.logger.Warn("failed to receive batch",
		zap.Int("envelopes", len(envelopes)),
		zap.Error(err))
}

// delay holds a scheduled envelope in memory until its execution time
func (r *Receiver) delay(env *contracts.Envelope) {
	wait := env.ExecutionTime.Sub(r.now())
	env.Status = contracts.StatusIncoming
	env.OwnerID = r.nodeID
	env.ExecutionTime = nil
	env.Callback = LightweightCallback{}
	if err := r.queue.Schedule(env, wait); err != nil {
		r.logger.Warn("scheduled envelope not queued", zap.String("envelopeId", env.ID), zap.Error(err))
	}
}

func (r *Receiver) serves(queue string) bool {
	if len(r.queues) == 0 {
		return true
	}
	_, ok := r.queues[queue]
	return ok
}
