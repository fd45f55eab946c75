package tcp

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/glimte/relay/contracts"
)

type mockSenderCallback struct {
	mock.Mock
}

func (m *mockSenderCallback) Successful(batch *contracts.OutgoingBatch) {
	m.Called(batch)
}

func (m *mockSenderCallback) TimedOut(batch *contracts.OutgoingBatch) {
	m.Called(batch)
}

func (m *mockSenderCallback) SerializationFailure(batch *contracts.OutgoingBatch) {
	m.Called(batch)
}

func (m *mockSenderCallback) ProcessingFailure(batch *contracts.OutgoingBatch, err error) {
	m.Called(batch, err)
}

func (m *mockSenderCallback) QueueDoesNotExist(batch *contracts.OutgoingBatch) {
	m.Called(batch)
}

func (m *mockSenderCallback) Failed(batch *contracts.OutgoingBatch, err error) {
	m.Called(batch, err)
}

type mockReceiverCallback struct {
	mock.Mock
}

func (m *mockReceiverCallback) Received(ctx context.Context, uri string, envelopes []*contracts.Envelope) contracts.ReceivedStatus {
	args := m.Called(ctx, uri, envelopes)
	return args.Get(0).(contracts.ReceivedStatus)
}

func (m *mockReceiverCallback) Acknowledged(ctx context.Context, envelopes []*contracts.Envelope) {
	m.Called(ctx, envelopes)
}

func (m *mockReceiverCallback) NotAcknowledged(ctx context.Context, envelopes []*contracts.Envelope) {
	m.Called(ctx, envelopes)
}

func (m *mockReceiverCallback) Failed(ctx context.Context, err error, envelopes []*contracts.Envelope) {
	m.Called(ctx, err, envelopes)
}

func envelopes(ids ...string) []*contracts.Envelope {
	result := make([]*contracts.Envelope, len(ids))
	for i, id := range ids {
		result[i] = &contracts.Envelope{ID: id, MessageType: "order-placed", Data: []byte(`{}`)}
	}
	return result
}

func hasIDs(ids ...string) interface{} {
	return mock.MatchedBy(func(envs []*contracts.Envelope) bool {
		if len(envs) != len(ids) {
			return false
		}
		for i, env := range envs {
			if env.ID != ids[i] {
				return false
			}
		}
		return true
	})
}
