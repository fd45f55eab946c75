package contracts

import (
	"context"
)

// EnvelopeCallback commits the outcome of executing an envelope back to wherever it came from
type EnvelopeCallback interface {
	// Complete marks the envelope handled. An error means it is not handled and will be retried.
	Complete(ctx context.Context, env *Envelope) error

	// Failed records a failed attempt. The envelope's Attempts is already incremented.
	Failed(ctx context.Context, env *Envelope, cause error) error

	// DeadLetter removes the envelope from normal processing for good
	DeadLetter(ctx context.Context, env *Envelope, cause error) error
}

// SenderCallback receives the outcome of sending one batch over a transport
type SenderCallback interface {
	// Successful is called when the receiver confirmed and was acknowledged
	Successful(batch *OutgoingBatch)

	// TimedOut is called when connecting or the protocol round trip exceeded its deadline
	TimedOut(batch *OutgoingBatch)

	// SerializationFailure is called when the receiver could not decode the batch
	SerializationFailure(batch *OutgoingBatch)

	// ProcessingFailure is called when the receiver decoded the batch but could not accept it
	ProcessingFailure(batch *OutgoingBatch, err error)

	// QueueDoesNotExist is called when the receiver has no such queue
	QueueDoesNotExist(batch *OutgoingBatch)

	// Failed is called for any other local failure, such as a refused connection
	Failed(batch *OutgoingBatch, err error)
}

// ReceivedStatus is what a receiver callback decides about an inbound batch
type ReceivedStatus int

const (
	ReceivedSuccess ReceivedStatus = iota
	ReceivedProcessFailure
	ReceivedQueueDoesNotExist
)

// String returns the status name
func (s ReceivedStatus) String() string {
	switch s {
	case ReceivedSuccess:
		return "Success"
	case ReceivedProcessFailure:
		return "ProcessFailure"
	case ReceivedQueueDoesNotExist:
		return "QueueDoesNotExist"
	default:
		return "Unknown"
	}
}

// ReceiverCallback is driven by a transport listener for each inbound batch
type ReceiverCallback interface {
	// Received decides whether the decoded batch is accepted
	Received(ctx context.Context, uri string, envelopes []*Envelope) ReceivedStatus

	// Acknowledged is called once the sender confirmed an accepted batch
	Acknowledged(ctx context.Context, envelopes []*Envelope)

	// NotAcknowledged is called when the sender never confirmed an accepted batch
	NotAcknowledged(ctx context.Context, envelopes []*Envelope)

	// Failed reports a receive failure. envelopes is nil when decoding failed.
	Failed(ctx context.Context, err error, envelopes []*Envelope)
}
