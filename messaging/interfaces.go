package messaging

import (
	"context"
	"time"

	"github.com/glimte/relay/contracts"
)

// Retries decides what happens to an envelope after a failed attempt.
// env.Attempts already counts the failed attempt.
type Retries interface {
	Next(env *contracts.Envelope, cause error) (delay time.Duration, retry bool)
}

// DeadLetterHook is told about every envelope that will never be retried again
type DeadLetterHook interface {
	DeadLetter(ctx context.Context, env *contracts.Envelope, cause error) error
}

// BatchSender puts a batch on the wire and reports the outcome through callback
type BatchSender interface {
	SendBatch(ctx context.Context, callback contracts.SenderCallback, batch *contracts.OutgoingBatch)
}

// Outbound accepts envelopes addressed to other nodes
type Outbound interface {
	Send(ctx context.Context, envelopes ...*contracts.Envelope) error
}

// NeverRetry dead-letters every failure
type NeverRetry struct{}

// Next implements Retries
func (NeverRetry) Next(*contracts.Envelope, error) (time.Duration, bool) {
	return 0, false
}

type deadLetterHooks []DeadLetterHook

func (h deadLetterHooks) DeadLetter(ctx context.Context, env *contracts.Envelope, cause error) error {
	var first error
	for _, hook := range h {
		if hook == nil {
			continue
		}
		if err := hook.DeadLetter(ctx, env, cause); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ChainDeadLetterHooks calls every hook in order and returns the first error
func ChainDeadLetterHooks(hooks ...DeadLetterHook) DeadLetterHook {
	return deadLetterHooks(hooks)
}
