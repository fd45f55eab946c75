package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/persistence"
	"github.com/glimte/relay/serialization"
)

// DefaultLocalQueue is the queue local sends are addressed to
const DefaultLocalQueue = "default"

// Bus is the application facing entry point for sending messages
type Bus struct {
	router   *Router
	registry *serialization.Registry
	queue    *WorkerQueue
	agent    *SendingAgent
	watcher  *ReplyWatcher
	store    persistence.Store
	durable  *DurableCallback
	nodeID   string
	replyURI string
	logger   *zap.Logger
	now      func() time.Time
}

// BusOption configures the Bus
type BusOption func(*Bus)

// WithBusLogger sets the logger
func WithBusLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithBusStore makes local sends durable, owned by nodeID
func WithBusStore(store persistence.Store, nodeID string) BusOption {
	return func(b *Bus) {
		b.store = store
		b.durable = NewDurableCallback(store)
		b.nodeID = nodeID
	}
}

// WithReplyURI sets where remote nodes send replies and acknowledgements,
// normally the uri of this node's listener
func WithReplyURI(uri string) BusOption {
	return func(b *Bus) {
		b.replyURI = uri
	}
}

// WithBusClock replaces time.Now, for tests
func WithBusClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		b.now = now
	}
}

// NewBus creates a bus. agent may be nil on nodes that never send remotely.
func NewBus(router *Router, registry *serialization.Registry, queue *WorkerQueue, agent *SendingAgent, watcher *ReplyWatcher, options ...BusOption) *Bus {
	b := &Bus{
		router:   router,
		registry: registry,
		queue:    queue,
		agent:    agent,
		watcher:  watcher,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Send publishes message to every destination its publishing rules name.
// A message no rule matches fails with ErrNoRoutes.
func (b *Bus) Send(ctx context.Context, message any) error {
	envelopes, err := b.route(message)
	if err != nil {
		return err
	}
	return b.dispatch(ctx, envelopes...)
}

// SendTo sends message to destination regardless of publishing rules
func (b *Bus) SendTo(ctx context.Context, message any, destination string) error {
	env, err := b.router.EnvelopeFor(message, destination)
	if err != nil {
		return err
	}
	return b.dispatch(ctx, env)
}

// DelaySend publishes message for execution at the given time. Durable nodes
// store it as Scheduled until the scheduled job sweep claims it.
func (b *Bus) DelaySend(ctx context.Context, message any, at time.Time) error {
	envelopes, err := b.route(message)
	if err != nil {
		return err
	}
	executeAt := at.UTC()
	for _, env := range envelopes {
		t := executeAt
		env.ExecutionTime = &t
	}
	return b.dispatch(ctx, envelopes...)
}

// Enqueue hands message to the local worker queue in memory only
func (b *Bus) Enqueue(ctx context.Context, message any) error {
	env, err := b.router.EnvelopeFor(message, LocalDestination(DefaultLocalQueue))
	if err != nil {
		return err
	}
	env.Status = contracts.StatusIncoming
	env.Callback = LightweightCallback{}
	return b.queue.Enqueue(ctx, env)
}

// EnqueueDurably persists message as Incoming for this node before handing
// it to the local worker queue
func (b *Bus) EnqueueDurably(ctx context.Context, message any) error {
	if b.store == nil {
		return errors.New("bus has no durable store")
	}
	env, err := b.router.EnvelopeFor(message, LocalDestination(DefaultLocalQueue))
	if err != nil {
		return err
	}
	if err := b.marshal(env); err != nil {
		return err
	}
	return b.local(ctx, env)
}

// Consume runs the handler for message on the calling goroutine. Nothing is
// persisted and failures are returned, not retried.
func (b *Bus) Consume(ctx context.Context, message any) error {
	env, err := b.router.EnvelopeFor(message, LocalDestination(DefaultLocalQueue))
	if err != nil {
		return err
	}
	env.Status = contracts.StatusIncoming
	env.OwnerID = b.nodeID
	return b.queue.pipeline.Invoke(ctx, env)
}

// SendAndWait publishes message with an acknowledgement requested and blocks
// until every receiver acknowledged it or the timeout passed
func (b *Bus) SendAndWait(ctx context.Context, message any, timeout time.Duration) error {
	envelopes, err := b.route(message)
	if err != nil {
		return err
	}

	waits := make([]*PendingReply, 0, len(envelopes))
	for _, env := range envelopes {
		if err := b.expectReply(env); err != nil {
			b.cancel(waits)
			return err
		}
		env.AckRequested = true
		wait, err := b.watcher.StartWatch(env.ID, timeout)
		if err != nil {
			b.cancel(waits)
			return err
		}
		waits = append(waits, wait)
	}

	if err := b.dispatch(ctx, envelopes...); err != nil {
		b.cancel(waits)
		return err
	}

	for _, wait := range waits {
		if _, err := wait.Wait(ctx); err != nil {
			b.cancel(waits)
			return err
		}
	}
	return nil
}

// Request sends message to the first destination its publishing rules name
// and returns the decoded reply
func (b *Bus) Request(ctx context.Context, message any, timeout time.Duration) (any, error) {
	envelopes, err := b.route(message)
	if err != nil {
		return nil, err
	}
	env := envelopes[0]
	if err := b.expectReply(env); err != nil {
		return nil, err
	}
	env.ReplyRequested = env.MessageType

	wait, err := b.watcher.StartWatch(env.ID, timeout)
	if err != nil {
		return nil, err
	}
	if err := b.dispatch(ctx, env); err != nil {
		b.cancel([]*PendingReply{wait})
		return nil, err
	}

	reply, err := wait.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.registry.Decode(reply); err != nil {
		return nil, err
	}
	return reply.Message, nil
}

// Respond sends message back to whoever sent request
func (b *Bus) Respond(ctx context.Context, request *contracts.Envelope, message any) error {
	reply := request.ForResponse(message)
	alias, err := b.registry.Alias(message)
	if err != nil {
		return err
	}
	reply.MessageType = alias
	if reply.ContentType == "" {
		reply.ContentType = serialization.DefaultContentType
	}

	if reply.Destination == "" || IsLocal(reply.Destination) {
		if !b.watcher.Handle(reply) {
			b.logger.Debug("dropping reply nobody waits for", zap.String("envelopeId", request.ID))
		}
		return nil
	}
	if err := b.marshal(reply); err != nil {
		return err
	}
	return b.remote(ctx, reply)
}

func (b *Bus) route(message any) ([]*contracts.Envelope, error) {
	envelopes, err := b.router.Route(message)
	if err != nil {
		return nil, err
	}
	if len(envelopes) == 0 {
		alias, _ := b.registry.Alias(message)
		return nil, fmt.Errorf("%w: %s", contracts.ErrNoRoutes, alias)
	}
	return envelopes, nil
}

// expectReply points the reply uri of env back at this node
func (b *Bus) expectReply(env *contracts.Envelope) error {
	if IsLocal(env.Destination) {
		env.ReplyURI = LocalDestination(DefaultLocalQueue)
		return nil
	}
	if b.replyURI == "" {
		return fmt.Errorf("cannot wait for a reply from %s: node has no listener", env.Destination)
	}
	env.ReplyURI = b.replyURI
	return nil
}

func (b *Bus) cancel(waits []*PendingReply) {
	for _, wait := range waits {
		b.watcher.cancel(wait.CorrelationID)
	}
}

func (b *Bus) dispatch(ctx context.Context, envelopes ...*contracts.Envelope) error {
	var remote []*contracts.Envelope
	for _, env := range envelopes {
		if err := b.marshal(env); err != nil {
			return err
		}
		if env.Source == "" {
			env.Source = b.replyURI
		}
		if !IsLocal(env.Destination) {
			remote = append(remote, env)
			continue
		}
		if err := b.local(ctx, env); err != nil {
			return err
		}
	}
	if len(remote) == 0 {
		return nil
	}
	return b.remote(ctx, remote...)
}

func (b *Bus) remote(ctx context.Context, envelopes ...*contracts.Envelope) error {
	if b.agent == nil {
		return fmt.Errorf("bus has no sending agent for %s", envelopes[0].Destination)
	}
	return b.agent.Send(ctx, envelopes...)
}

// local delivers an envelope addressed to this node
func (b *Bus) local(ctx context.Context, env *contracts.Envelope) error {
	now := b.now().UTC()

	if b.store == nil {
		env.Status = contracts.StatusIncoming
		env.Callback = LightweightCallback{}
		if env.IsDelayed(now) {
			wait := env.ExecutionTime.Sub(now)
			env.ExecutionTime = nil
			return b.queue.Schedule(env, wait)
		}
		return b.enqueue(ctx, env)
	}

	env.MarkReceived(b.nodeID, now)
	if err := b.store.PersistIncoming(ctx, env); err != nil {
		return err
	}
	if env.Status == contracts.StatusScheduled {
		return nil
	}
	env.Callback = b.durable
	return b.enqueue(ctx, env)
}

func (b *Bus) enqueue(ctx context.Context, env *contracts.Envelope) error {
	err := b.queue.Enqueue(ctx, env)
	if errors.Is(err, contracts.ErrQueueFull) {
		return b.queue.Schedule(env, requeueDelay)
	}
	return err
}

// marshal writes the body of env unless it already has one
func (b *Bus) marshal(env *contracts.Envelope) error {
	if env.Data != nil || env.Message == nil {
		return nil
	}
	data, err := b.registry.Marshal(env.Message, env.ContentType)
	if err != nil {
		return err
	}
	env.Data = data
	return nil
}
