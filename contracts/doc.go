// Package contracts defines the data the engine moves around and the callbacks it drives.
//
// An Envelope carries one message plus everything needed to deliver it:
//   - identity (ID, CorrelationID) that survives persistence and the wire
//   - routing (Destination, ReplyURI, MessageType, content types)
//   - durable state (Status, OwnerID, ExecutionTime, Attempts)
//
// Transports report through SenderCallback and ReceiverCallback; whoever claims an
// envelope attaches an EnvelopeCallback that commits the outcome of running it.
package contracts
