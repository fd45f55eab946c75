package messaging

import (
	"context"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/persistence"
)

// LightweightCallback is attached to envelopes that live only in memory.
// Nothing is committed anywhere, so a crash loses them.
type LightweightCallback struct{}

var _ contracts.EnvelopeCallback = LightweightCallback{}

// Complete implements contracts.EnvelopeCallback
func (LightweightCallback) Complete(context.Context, *contracts.Envelope) error { return nil }

// Failed implements contracts.EnvelopeCallback
func (LightweightCallback) Failed(context.Context, *contracts.Envelope, error) error { return nil }

// DeadLetter implements contracts.EnvelopeCallback
func (LightweightCallback) DeadLetter(context.Context, *contracts.Envelope, error) error { return nil }

// DurableCallback commits outcomes of envelopes persisted in the incoming store
type DurableCallback struct {
	store persistence.Store
}

var _ contracts.EnvelopeCallback = (*DurableCallback)(nil)

// NewDurableCallback creates a callback backed by store. One callback serves any number of envelopes.
func NewDurableCallback(store persistence.Store) *DurableCallback {
	return &DurableCallback{store: store}
}

// Complete deletes the incoming record. Until that succeeds the envelope is not handled.
func (c *DurableCallback) Complete(ctx context.Context, env *contracts.Envelope) error {
	return c.store.DeleteIncoming(ctx, env.ID)
}

// Failed persists the attempt. The stored count wins if it is ahead of the
// in-memory one, which happens after another node already tried the envelope.
func (c *DurableCallback) Failed(ctx context.Context, env *contracts.Envelope, cause error) error {
	attempts, err := c.store.IncrementIncomingAttempts(ctx, env.ID)
	if err != nil {
		return err
	}
	if attempts > env.Attempts {
		env.Attempts = attempts
	}
	return nil
}

// DeadLetter moves the envelope out of the incoming store
func (c *DurableCallback) DeadLetter(ctx context.Context, env *contracts.Envelope, cause error) error {
	return c.store.MoveToDeadLetter(ctx, env, cause)
}
