package messaging

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relay/serialization"
)

type xmlSerializer struct{ serialization.JSONSerializer }

func (xmlSerializer) ContentType() string { return "application/xml" }

func newTestRouter(t *testing.T) (*Router, *serialization.Registry) {
	t.Helper()
	registry := serialization.NewRegistry()
	require.NoError(t, registry.RegisterMessage(orderPlaced{}))
	require.NoError(t, registry.RegisterMessage(priceQuery{}))
	require.NoError(t, registry.RegisterMessage(priceReply{}))
	return NewRouter(registry), registry
}

func TestRouterRoute(t *testing.T) {
	t.Run("one envelope per matching rule", func(t *testing.T) {
		router, _ := newTestRouter(t)
		require.NoError(t, router.SetRules(
			PublishingRule{MessageType: "order-placed", Destination: "tcp://billing:2201/orders"},
			PublishingRule{MessageType: "order-placed", Destination: "tcp://shipping:2201/orders"},
			PublishingRule{MessageType: "price-query", Destination: "tcp://pricing:2201/default"},
		))

		envelopes, err := router.Route(orderPlaced{OrderID: "o-1"})
		require.NoError(t, err)
		require.Len(t, envelopes, 2)

		assert.Equal(t, "tcp://billing:2201/orders", envelopes[0].Destination)
		assert.Equal(t, "tcp://shipping:2201/orders", envelopes[1].Destination)
		for _, env := range envelopes {
			assert.Equal(t, "order-placed", env.MessageType)
			assert.Equal(t, serialization.DefaultContentType, env.ContentType)
			assert.Equal(t, []string{serialization.DefaultContentType}, env.AcceptedContentTypes)
			assert.Equal(t, orderPlaced{OrderID: "o-1"}, env.Message)
			assert.NotEmpty(t, env.ID)
		}
		assert.NotEqual(t, envelopes[0].ID, envelopes[1].ID)
	})

	t.Run("no match is an empty result", func(t *testing.T) {
		router, _ := newTestRouter(t)

		envelopes, err := router.Route(orderPlaced{})
		assert.NoError(t, err)
		assert.Empty(t, envelopes)
	})

	t.Run("unregistered message is an error", func(t *testing.T) {
		router, _ := newTestRouter(t)

		_, err := router.Route(struct{ Name string }{"x"})
		assert.Error(t, err)
	})

	t.Run("accepted content types come from the registry", func(t *testing.T) {
		router, registry := newTestRouter(t)
		registry.RegisterSerializer(xmlSerializer{})
		require.NoError(t, router.AddRule(PublishingRule{MessageType: "order-placed", Destination: "tcp://billing:2201/orders"}))

		envelopes, err := router.Route(orderPlaced{})
		require.NoError(t, err)
		require.Len(t, envelopes, 1)
		assert.Equal(t, []string{"application/json", "application/xml"}, envelopes[0].AcceptedContentTypes)
	})
}

func TestRouterRules(t *testing.T) {
	router, _ := newTestRouter(t)

	assert.Error(t, router.AddRule(PublishingRule{Destination: "tcp://billing:2201/orders"}))
	assert.Error(t, router.AddRule(PublishingRule{MessageType: "order-placed"}))

	require.NoError(t, router.AddRule(PublishingRule{MessageType: "order-placed", Destination: "tcp://billing:2201/orders"}))
	require.NoError(t, router.AddRule(PublishingRule{MessageType: "order-placed", Destination: "tcp://billing:2201/orders"}))
	assert.Equal(t, []string{"tcp://billing:2201/orders"}, router.Destinations("order-placed"))

	require.NoError(t, router.SetRules(PublishingRule{MessageType: "price-query", Destination: LocalDestination("default")}))
	assert.Empty(t, router.Destinations("order-placed"))
	assert.Equal(t, []string{"local://default"}, router.Destinations("price-query"))
}

func TestRouterSnapshotsAreImmutable(t *testing.T) {
	router, _ := newTestRouter(t)
	require.NoError(t, router.AddRule(PublishingRule{MessageType: "order-placed", Destination: "tcp://billing:2201/orders"}))

	destinations := router.Destinations("order-placed")
	destinations[0] = "tcp://elsewhere:1/x"
	assert.Equal(t, []string{"tcp://billing:2201/orders"}, router.Destinations("order-placed"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = router.AddRule(PublishingRule{MessageType: "order-placed", Destination: LocalDestination(string(rune('a' + i)))})
			_, _ = router.Route(orderPlaced{})
		}(i)
	}
	wg.Wait()

	assert.Len(t, router.Destinations("order-placed"), 21)
}

func TestRouterEnvelopeRules(t *testing.T) {
	router, _ := newTestRouter(t)
	require.NoError(t, router.SetRules(
		PublishingRule{MessageType: "order-placed", Destination: "tcp://billing:2201/orders"},
		PublishingRule{MessageType: "price-query", Destination: "tcp://pricing:2201/default"},
	))

	router.AddEnvelopeRule(EnvelopeRule{Name: "tenant", When: Always(), Apply: SetHeader("tenant", "t1")})
	router.AddEnvelopeRule(EnvelopeRule{Name: "orders-acked", When: MessageTypeIs("order-placed"), Apply: RequireAck()})
	router.AddEnvelopeRule(EnvelopeRule{Name: "queries-expire", When: MessageTypeIs("price-query"), Apply: DeliverWithin(time.Minute)})

	orders, err := router.Route(orderPlaced{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "t1", orders[0].Header("tenant"))
	assert.True(t, orders[0].AckRequested)
	assert.Nil(t, orders[0].DeliverBy)

	queries, err := router.Route(priceQuery{})
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.False(t, queries[0].AckRequested)
	require.NotNil(t, queries[0].DeliverBy)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *queries[0].DeliverBy, 5*time.Second)

	direct, err := router.EnvelopeFor(orderPlaced{}, "tcp://audit:2201/default")
	require.NoError(t, err)
	assert.Equal(t, "tcp://audit:2201/default", direct.Destination)
	assert.True(t, direct.AckRequested)
}

func TestCELPredicate(t *testing.T) {
	env := testEnvelope("order-placed")
	env.Destination = "tcp://billing:2201/orders"
	env.ContentType = "application/json"
	env.SetHeader("tenant", "t1")
	env.Attempts = 2

	cases := []struct {
		expression string
		want       bool
	}{
		{`messageType == "order-placed"`, true},
		{`destination.startsWith("tcp://billing")`, true},
		{`headers["tenant"] == "t1" && attempts >= 2`, true},
		{`contentType == "application/xml"`, false},
		{`"region" in headers && headers["region"] == "eu"`, false},
		// a missing key fails evaluation, which never matches
		{`headers["region"] == "eu"`, false},
	}
	for _, tc := range cases {
		t.Run(tc.expression, func(t *testing.T) {
			predicate, err := NewCELPredicate(tc.expression)
			require.NoError(t, err)
			assert.Equal(t, tc.want, predicate.Matches(env))
			assert.Equal(t, tc.expression, predicate.String())
		})
	}

	t.Run("rejects non bool expressions", func(t *testing.T) {
		_, err := NewCELPredicate(`messageType + "x"`)
		assert.Error(t, err)
	})

	t.Run("rejects invalid expressions", func(t *testing.T) {
		_, err := NewCELPredicate(`messageType ==`)
		assert.Error(t, err)
	})

	t.Run("drives envelope rules", func(t *testing.T) {
		predicate, err := NewCELPredicate(`destination.startsWith("tcp://billing")`)
		require.NoError(t, err)

		rule := EnvelopeRule{When: predicate, Apply: WithContentType("application/xml")}
		rule.apply(env)
		assert.Equal(t, "application/xml", env.ContentType)

		other := testEnvelope("order-placed")
		other.Destination = "tcp://shipping:2201/orders"
		rule.apply(other)
		assert.Empty(t, other.ContentType)
	})
}

func TestLocalDestination(t *testing.T) {
	assert.True(t, IsLocal(LocalDestination("default")))
	assert.False(t, IsLocal("tcp://billing:2201/orders"))
	assert.False(t, IsLocal(""))
}
