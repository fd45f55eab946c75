package messaging

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/glimte/relay/contracts"
)

// ReplyPipeline sits in front of the dispatch table. Replies and
// acknowledgements go to the reply watcher instead of a handler, and handled
// envelopes that asked for an acknowledgement get one.
type ReplyPipeline struct {
	inner    HandlerPipeline
	watcher  *ReplyWatcher
	outbound Outbound
	logger   *zap.Logger
}

var (
	_ HandlerPipeline = (*ReplyPipeline)(nil)
	_ DeadLetterHook  = (*ReplyPipeline)(nil)
)

// NewReplyPipeline wraps inner. outbound carries acknowledgements to remote
// senders; with a nil outbound only local senders are acknowledged.
func NewReplyPipeline(inner HandlerPipeline, watcher *ReplyWatcher, outbound Outbound, logger *zap.Logger) *ReplyPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplyPipeline{
		inner:    inner,
		watcher:  watcher,
		outbound: outbound,
		logger:   logger,
	}
}

// Invoke implements HandlerPipeline
func (p *ReplyPipeline) Invoke(ctx context.Context, env *contracts.Envelope) error {
	if env.IsAcknowledgement() {
		if !p.watcher.Handle(env) {
			p.logger.Debug("dropping acknowledgement nobody waits for",
				zap.String("envelopeId", env.ID),
				zap.String("correlationId", env.CorrelationID))
		}
		return nil
	}
	if env.CorrelationID != "" && p.watcher.Handle(env) {
		return nil
	}

	if err := p.inner.Invoke(ctx, env); err != nil {
		return err
	}

	if env.AckRequested {
		p.reply(ctx, env.Acknowledgement())
	}
	return nil
}

// DeadLetter implements DeadLetterHook by telling a waiting sender that its
// envelope failed for good
func (p *ReplyPipeline) DeadLetter(ctx context.Context, env *contracts.Envelope, cause error) error {
	if !env.AckRequested {
		return nil
	}
	reason := "dead-lettered"
	if cause != nil {
		reason = cause.Error()
	}
	return p.reply(ctx, env.FailureAcknowledgement(reason))
}

func (p *ReplyPipeline) reply(ctx context.Context, ack *contracts.Envelope) error {
	if ack.Destination == "" || IsLocal(ack.Destination) {
		p.watcher.Handle(ack)
		return nil
	}
	if p.outbound == nil {
		return errors.New("no outbound route for acknowledgement")
	}
	if err := p.outbound.Send(ctx, ack); err != nil {
		p.logger.Warn("failed to send acknowledgement",
			zap.String("envelopeId", ack.CorrelationID),
			zap.String("destination", ack.Destination),
			zap.Error(err))
		return err
	}
	return nil
}
