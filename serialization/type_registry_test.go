package serialization

import (
	"testing"

	"github.com/glimte/relay/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type PlaceOrder struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

type OrderShipped struct {
	OrderID string `json:"orderId"`
}

func (OrderShipped) MessageType() string { return "order-shipped" }

type textSerializer struct{}

func (textSerializer) ContentType() string { return "text/plain" }

func (textSerializer) Marshal(v any) ([]byte, error) { return []byte("text"), nil }

func (textSerializer) Unmarshal(data []byte, v any) error { return nil }

func TestRegistry(t *testing.T) {
	t.Run("registers type with alias", func(t *testing.T) {
		registry := NewRegistry()

		require.NoError(t, registry.Register("place-order", &PlaceOrder{}))

		assert.True(t, registry.IsRegistered("place-order"))
		alias, err := registry.Alias(&PlaceOrder{})
		require.NoError(t, err)
		assert.Equal(t, "place-order", alias)
	})

	t.Run("messages name themselves", func(t *testing.T) {
		registry := NewRegistry()

		require.NoError(t, registry.RegisterMessage(OrderShipped{}))

		alias, err := registry.Alias(&OrderShipped{})
		require.NoError(t, err)
		assert.Equal(t, "order-shipped", alias)
		assert.Equal(t, []string{"order-shipped"}, registry.Aliases())
	})

	t.Run("rejects invalid registrations", func(t *testing.T) {
		registry := NewRegistry()

		assert.Error(t, registry.Register("", &PlaceOrder{}))
		assert.Error(t, registry.Register("x", nil))
		assert.Error(t, registry.Register("x", "not a struct"))
	})

	t.Run("handles duplicate registration of same type", func(t *testing.T) {
		registry := NewRegistry()

		require.NoError(t, registry.Register("place-order", PlaceOrder{}))
		assert.NoError(t, registry.Register("place-order", &PlaceOrder{}))
	})

	t.Run("rejects duplicate alias for a different type", func(t *testing.T) {
		registry := NewRegistry()

		require.NoError(t, registry.Register("place-order", PlaceOrder{}))
		err := registry.Register("place-order", OrderShipped{})

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("unknown types have no alias", func(t *testing.T) {
		registry := NewRegistry()

		_, err := registry.Alias(&PlaceOrder{})
		assert.Error(t, err)

		_, err = registry.Alias(nil)
		assert.Error(t, err)
	})
}

func TestRegistryContentTypes(t *testing.T) {
	t.Run("ReaderFor lists default first", func(t *testing.T) {
		registry := NewRegistry()
		registry.RegisterSerializer(textSerializer{})
		require.NoError(t, registry.Register("place-order", PlaceOrder{}))

		contentTypes, err := registry.ReaderFor("place-order")

		require.NoError(t, err)
		assert.Equal(t, []string{"application/json", "text/plain"}, contentTypes)
	})

	t.Run("ReaderFor fails for unknown alias", func(t *testing.T) {
		_, err := NewRegistry().ReaderFor("nope")
		assert.Error(t, err)
	})

	t.Run("Marshal and Decode round trip a body", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register("place-order", PlaceOrder{}))

		data, err := registry.Marshal(&PlaceOrder{OrderID: "42", Amount: 9.5}, "")
		require.NoError(t, err)

		env := &contracts.Envelope{ID: "1", MessageType: "place-order", Data: data}
		require.NoError(t, registry.Decode(env))

		assert.Equal(t, &PlaceOrder{OrderID: "42", Amount: 9.5}, env.Message)
	})

	t.Run("Decode reports bad bodies as serialization failures", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register("place-order", PlaceOrder{}))

		env := &contracts.Envelope{ID: "1", MessageType: "place-order", Data: []byte("{not json")}

		assert.ErrorIs(t, registry.Decode(env), contracts.ErrSerializationFailure)
		assert.Nil(t, env.Message)
	})

	t.Run("unknown content type is an error", func(t *testing.T) {
		_, err := NewRegistry().Marshal(PlaceOrder{}, "application/xml")
		assert.Error(t, err)
	})
}
