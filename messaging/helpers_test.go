package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/glimte/relay/contracts"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

func (orderPlaced) MessageType() string { return "order-placed" }

type priceQuery struct {
	SKU string `json:"sku"`
}

func (priceQuery) MessageType() string { return "price-query" }

type priceReply struct {
	SKU   string  `json:"sku"`
	Price float64 `json:"price"`
}

func (priceReply) MessageType() string { return "price-reply" }

type pipelineFunc func(ctx context.Context, env *contracts.Envelope) error

func (f pipelineFunc) Invoke(ctx context.Context, env *contracts.Envelope) error { return f(ctx, env) }

// fixedRetries retries every retryable failure with no delay up to max attempts
type fixedRetries struct {
	max   int
	delay time.Duration
}

func (r fixedRetries) Next(env *contracts.Envelope, cause error) (time.Duration, bool) {
	return r.delay, env.Attempts < r.max
}

type recordingCallback struct {
	mu          sync.Mutex
	completed   []string
	failed      []string
	dead        []string
	completeErr error
	failCommits int
}

func (c *recordingCallback) Complete(ctx context.Context, env *contracts.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCommits > 0 {
		c.failCommits--
		return c.completeErr
	}
	c.completed = append(c.completed, env.ID)
	return nil
}

func (c *recordingCallback) Failed(ctx context.Context, env *contracts.Envelope, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, env.ID)
	return nil
}

func (c *recordingCallback) DeadLetter(ctx context.Context, env *contracts.Envelope, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = append(c.dead, env.ID)
	return nil
}

func (c *recordingCallback) counts() (completed, failed, dead int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completed), len(c.failed), len(c.dead)
}

type mockDeadLetterHook struct {
	mock.Mock
}

func (m *mockDeadLetterHook) DeadLetter(ctx context.Context, env *contracts.Envelope, cause error) error {
	args := m.Called(ctx, env, cause)
	return args.Error(0)
}

// scriptedSender reports outcomes from a function and records every batch
type scriptedSender struct {
	mu      sync.Mutex
	batches []*contracts.OutgoingBatch
	outcome func(call int, callback contracts.SenderCallback, batch *contracts.OutgoingBatch)
}

func (s *scriptedSender) SendBatch(ctx context.Context, callback contracts.SenderCallback, batch *contracts.OutgoingBatch) {
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	call := len(s.batches)
	s.mu.Unlock()

	if s.outcome == nil {
		callback.Successful(batch)
		return
	}
	s.outcome(call, callback, batch)
}

func (s *scriptedSender) sent() []*contracts.OutgoingBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*contracts.OutgoingBatch(nil), s.batches...)
}

func testEnvelope(messageType string) *contracts.Envelope {
	env := contracts.NewEnvelope(nil)
	env.MessageType = messageType
	return env
}
