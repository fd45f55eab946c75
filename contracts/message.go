package contracts

// Message is implemented by payloads that carry their own type alias.
// Payloads that don't implement it get their alias from the serialization registry.
type Message interface {
	MessageType() string
}

// OutgoingBatch groups envelopes headed to the same destination
type OutgoingBatch struct {
	Destination string
	Envelopes   []*Envelope
}

// NewOutgoingBatch creates a batch for destination
func NewOutgoingBatch(destination string, envelopes ...*Envelope) *OutgoingBatch {
	return &OutgoingBatch{Destination: destination, Envelopes: envelopes}
}

// IsPing reports whether the batch carries no envelopes
func (b *OutgoingBatch) IsPing() bool {
	return len(b.Envelopes) == 0
}

// IDs returns the ids of the envelopes in the batch
func (b *OutgoingBatch) IDs() []string {
	ids := make([]string, len(b.Envelopes))
	for i, env := range b.Envelopes {
		ids[i] = env.ID
	}
	return ids
}
