package contracts

import (
	"errors"
	"fmt"
)

var (
	// Wire and codec failures
	ErrSerializationFailure = errors.New("relay: envelope serialization failure")
	ErrProcessingFailure    = errors.New("relay: receiver failed to process batch")
	ErrQueueDoesNotExist    = errors.New("relay: queue does not exist")
	ErrConnectionTimeout    = errors.New("relay: connection timed out")
	ErrProtocolTimeout      = errors.New("relay: protocol timed out")
	ErrUnknownConfirmation  = errors.New("relay: unknown confirmation code")

	// Ownership of a claimed envelope could not be determined. Never retried.
	ErrIndeterminateOwnership = errors.New("relay: indeterminate envelope ownership")

	// Dispatch failures
	ErrNoHandler           = errors.New("relay: no handler registered for message type")
	ErrNoRoutes            = errors.New("relay: no publishing rule matched message")
	ErrQueueFull           = errors.New("relay: worker queue is full")
	ErrQueueClosed         = errors.New("relay: worker queue is closed")
	ErrEnvelopeInFlight    = errors.New("relay: envelope is already executing")
	ErrEnvelopeDelayed     = errors.New("relay: envelope execution time is in the future")
	ErrEnvelopeNotFound    = errors.New("relay: envelope not found")
	ErrReplyTimeout        = errors.New("relay: timed out waiting for reply")
	ErrFailureAcknowledged = errors.New("relay: receiver reported failure")
)

// SerializationError describes a codec failure
type SerializationError struct {
	Op     string
	Offset int
	Err    error
}

func (e *SerializationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("serialization: %s failed at offset %d", e.Op, e.Offset)
	}
	return fmt.Sprintf("serialization: %s failed at offset %d: %v", e.Op, e.Offset, e.Err)
}

// Unwrap exposes the cause
func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Is makes every SerializationError match ErrSerializationFailure
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailure
}

// ProtocolError describes a failure while talking to a remote endpoint
type ProtocolError struct {
	Destination string
	Op          string
	Err         error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s %s: %v", e.Op, e.Destination, e.Err)
}

// Unwrap exposes the cause
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// StoreError describes a durable store failure
type StoreError struct {
	Op         string
	EnvelopeID string
	Err        error
}

func (e *StoreError) Error() string {
	if e.EnvelopeID != "" {
		return fmt.Sprintf("store: %s failed for envelope %s: %v", e.Op, e.EnvelopeID, e.Err)
	}
	return fmt.Sprintf("store: %s failed: %v", e.Op, e.Err)
}

// Unwrap exposes the cause
func (e *StoreError) Unwrap() error {
	return e.Err
}
