package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reserved message type aliases used by the engine itself.
const (
	// AcknowledgementType marks the reply sent back for envelopes with AckRequested set.
	AcknowledgementType = "relay-acknowledgement"
	// FailureAcknowledgementType marks a reply reporting that the requested work failed.
	FailureAcknowledgementType = "relay-failure-acknowledgement"
)

// Envelope wraps a message together with its routing and delivery metadata
type Envelope struct {
	ID            string
	CorrelationID string
	MessageType   string

	// Message is the decoded payload. It never travels on the wire; Data does.
	Message any
	Data    []byte

	Source               string
	Destination          string
	ReplyURI             string
	ContentType          string
	AcceptedContentTypes []string

	Status        EnvelopeStatus
	OwnerID       string
	ExecutionTime *time.Time
	DeliverBy     *time.Time
	SentAt        time.Time
	Attempts      int

	AckRequested   bool
	ReplyRequested string

	Headers map[string]string

	// Callback is attached by whoever claimed the envelope and is not serialized.
	Callback EnvelopeCallback
}

// NewEnvelope creates an envelope with a fresh identity around message
func NewEnvelope(message any) *Envelope {
	env := &Envelope{
		ID:      uuid.NewString(),
		Message: message,
		SentAt:  time.Now().UTC(),
		Headers: make(map[string]string),
	}
	if m, ok := message.(Message); ok {
		env.MessageType = m.MessageType()
	}
	return env
}

// IsDelayed reports whether the envelope must not execute before a later point in time
func (e *Envelope) IsDelayed(now time.Time) bool {
	return e.ExecutionTime != nil && e.ExecutionTime.After(now)
}

// IsExpired reports whether the deliver-by deadline has passed
func (e *Envelope) IsExpired(now time.Time) bool {
	return e.DeliverBy != nil && now.After(*e.DeliverBy)
}

// IsAcknowledgement reports whether the envelope is an engine-level ack reply
func (e *Envelope) IsAcknowledgement() bool {
	return e.MessageType == AcknowledgementType || e.MessageType == FailureAcknowledgementType
}

// MarkReceived decides the local state of an envelope that just arrived at nodeID.
// Delayed envelopes become Scheduled and stay unowned until a sweep claims them.
func (e *Envelope) MarkReceived(nodeID string, now time.Time) {
	if e.IsDelayed(now) {
		e.Status = StatusScheduled
		e.OwnerID = ""
		return
	}
	e.Status = StatusIncoming
	e.OwnerID = nodeID
	e.ExecutionTime = nil
}

// ForResponse builds the reply envelope for message addressed back to the sender
func (e *Envelope) ForResponse(message any) *Envelope {
	reply := NewEnvelope(message)
	reply.CorrelationID = e.ID
	reply.Destination = e.ReplyURI
	reply.ContentType = e.ContentType
	return reply
}

// Acknowledgement builds the ack envelope for an envelope sent with AckRequested
func (e *Envelope) Acknowledgement() *Envelope {
	ack := NewEnvelope(nil)
	ack.MessageType = AcknowledgementType
	ack.CorrelationID = e.ID
	ack.Destination = e.ReplyURI
	return ack
}

// FailureAcknowledgement builds the reply sent when the work behind an ack request failed
func (e *Envelope) FailureAcknowledgement(reason string) *Envelope {
	ack := e.Acknowledgement()
	ack.MessageType = FailureAcknowledgementType
	ack.Data = []byte(reason)
	return ack
}

// Header returns a custom header value
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// SetHeader sets a custom header value
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// Clone returns a deep copy that shares no mutable state with e.
// The callback is carried over; it belongs to the claim, not to the copy.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Data != nil {
		c.Data = append([]byte{}, e.Data...)
	}
	if e.AcceptedContentTypes != nil {
		c.AcceptedContentTypes = append([]string{}, e.AcceptedContentTypes...)
	}
	if e.ExecutionTime != nil {
		t := *e.ExecutionTime
		c.ExecutionTime = &t
	}
	if e.DeliverBy != nil {
		t := *e.DeliverBy
		c.DeliverBy = &t
	}
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// EnvelopeStatus is the durable lifecycle state of an envelope
type EnvelopeStatus string

const (
	StatusOutgoing  EnvelopeStatus = "Outgoing"
	StatusIncoming  EnvelopeStatus = "Incoming"
	StatusScheduled EnvelopeStatus = "Scheduled"
	StatusHandled   EnvelopeStatus = "Handled"
)

// Valid reports whether s is one of the known states. The zero value is valid and means "not persisted".
func (s EnvelopeStatus) Valid() bool {
	switch s {
	case "", StatusOutgoing, StatusIncoming, StatusScheduled, StatusHandled:
		return true
	}
	return false
}

// ParseEnvelopeStatus converts a stored value back into a status
func ParseEnvelopeStatus(value string) (EnvelopeStatus, error) {
	s := EnvelopeStatus(value)
	if !s.Valid() {
		return "", fmt.Errorf("unknown envelope status %q", value)
	}
	return s, nil
}
