package serialization

import (
	"testing"
	"time"

	"github.com/glimte/relay/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullEnvelope() *contracts.Envelope {
	exec := time.Date(2024, 5, 1, 10, 30, 0, 123456789, time.UTC)
	deliverBy := exec.Add(time.Hour)

	return &contracts.Envelope{
		ID:                   "3f0c5c43-93b3-4a57-8a0c-7f1b6a3c2d10",
		CorrelationID:        "corr-1",
		MessageType:          "order-placed",
		Data:                 []byte(`{"orderId":"42"}`),
		Source:               "billing",
		Destination:          "tcp://localhost:2201/orders",
		ReplyURI:             "tcp://localhost:2202/replies",
		ContentType:          "application/json",
		AcceptedContentTypes: []string{"application/json", "text/plain"},
		Status:               contracts.StatusScheduled,
		OwnerID:              "node-1",
		ExecutionTime:        &exec,
		DeliverBy:            &deliverBy,
		SentAt:               exec.Add(-time.Minute),
		Attempts:             3,
		AckRequested:         true,
		ReplyRequested:       "order-confirmed",
		Headers:              map[string]string{"tenant": "t1", "a": "", "z": "last"},
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Run("every field survives", func(t *testing.T) {
		env := fullEnvelope()

		data, err := Serialize([]*contracts.Envelope{env})
		require.NoError(t, err)

		decoded, err := DeserializeMany(data)
		require.NoError(t, err)
		require.Len(t, decoded, 1)
		assert.Equal(t, env, decoded[0])
	})

	t.Run("minimal envelope keeps nil fields nil", func(t *testing.T) {
		env := &contracts.Envelope{ID: "only-id"}

		data, err := Serialize([]*contracts.Envelope{env})
		require.NoError(t, err)

		decoded, err := DeserializeMany(data)
		require.NoError(t, err)
		require.Len(t, decoded, 1)
		assert.Equal(t, env, decoded[0])
		assert.Nil(t, decoded[0].Headers)
		assert.Nil(t, decoded[0].Data)
		assert.Nil(t, decoded[0].ExecutionTime)
	})

	t.Run("empty collections stay distinct from nil", func(t *testing.T) {
		env := &contracts.Envelope{
			ID:                   "empties",
			Data:                 []byte{},
			AcceptedContentTypes: []string{},
			Headers:              map[string]string{},
		}

		data, err := Serialize([]*contracts.Envelope{env})
		require.NoError(t, err)

		decoded, err := DeserializeMany(data)
		require.NoError(t, err)
		assert.Equal(t, env, decoded[0])
	})

	t.Run("accepted content types keep every item", func(t *testing.T) {
		tests := [][]string{
			{"a,b"},
			{""},
			{"", ""},
			{"application/json", "text/plain; charset=utf-8, q=0.5"},
		}
		for _, accepted := range tests {
			env := &contracts.Envelope{ID: "accepts", AcceptedContentTypes: accepted}

			data, err := Serialize([]*contracts.Envelope{env})
			require.NoError(t, err)

			decoded, err := DeserializeMany(data)
			require.NoError(t, err)
			assert.Equal(t, accepted, decoded[0].AcceptedContentTypes, "accepted %q", accepted)
		}
	})

	t.Run("batch order is preserved", func(t *testing.T) {
		a, b, c := fullEnvelope(), fullEnvelope(), &contracts.Envelope{ID: "c"}
		a.ID, b.ID = "a", "b"

		data, err := Serialize([]*contracts.Envelope{a, b, c})
		require.NoError(t, err)

		decoded, err := DeserializeMany(data)
		require.NoError(t, err)
		require.Len(t, decoded, 3)
		assert.Equal(t, "a", decoded[0].ID)
		assert.Equal(t, "b", decoded[1].ID)
		assert.Equal(t, "c", decoded[2].ID)
	})

	t.Run("empty batch is zero bytes", func(t *testing.T) {
		data, err := Serialize(nil)
		require.NoError(t, err)
		assert.Empty(t, data)

		decoded, err := DeserializeMany(data)
		require.NoError(t, err)
		assert.NotNil(t, decoded)
		assert.Empty(t, decoded)
	})

	t.Run("encoding is deterministic", func(t *testing.T) {
		first, err := Serialize([]*contracts.Envelope{fullEnvelope()})
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			again, err := Serialize([]*contracts.Envelope{fullEnvelope()})
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	})

	t.Run("message payload is not encoded", func(t *testing.T) {
		env := &contracts.Envelope{ID: "m", Message: struct{ Name string }{"x"}}

		data, err := Serialize([]*contracts.Envelope{env})
		require.NoError(t, err)

		decoded, err := DeserializeMany(data)
		require.NoError(t, err)
		assert.Nil(t, decoded[0].Message)
	})
}

func TestDeserializeFailures(t *testing.T) {
	valid, err := Serialize([]*contracts.Envelope{fullEnvelope()})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated count", []byte{1, 0}},
		{"negative count", []byte{0xff, 0xff, 0xff, 0xff}},
		{"count larger than data", []byte{9, 0, 0, 0, 0, 0, 0, 0}},
		{"truncated block", valid[:len(valid)-3]},
		{"trailing bytes", append(append([]byte{}, valid...), 0)},
		{"garbage", []byte("this is not a batch")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelopes, err := DeserializeMany(tt.data)

			assert.Nil(t, envelopes)
			assert.ErrorIs(t, err, contracts.ErrSerializationFailure)
		})
	}

	t.Run("bad status value", func(t *testing.T) {
		env := &contracts.Envelope{ID: "x", Status: "Lost"}
		data, err := Serialize([]*contracts.Envelope{env})
		require.NoError(t, err)

		_, err = DeserializeMany(data)
		assert.ErrorIs(t, err, contracts.ErrSerializationFailure)
	})
}

func TestSerializeRejectsInvalidEnvelopes(t *testing.T) {
	_, err := Serialize([]*contracts.Envelope{{}})
	assert.ErrorIs(t, err, contracts.ErrSerializationFailure)

	_, err = Serialize([]*contracts.Envelope{nil})
	assert.ErrorIs(t, err, contracts.ErrSerializationFailure)
}
