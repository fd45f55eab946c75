package tcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relay/contracts"
)

func TestListener(t *testing.T) {
	ctx := context.Background()

	t.Run("URI points at the bound port", func(t *testing.T) {
		l := startListener(t, &mockReceiverCallback{})

		d, err := ParseDestination(l.URI())
		require.NoError(t, err)
		assert.Equal(t, "localhost", d.Host)
		assert.NotZero(t, d.Port)
	})

	t.Run("cannot start twice", func(t *testing.T) {
		l := startListener(t, &mockReceiverCallback{})
		assert.Error(t, l.Start(ctx))
	})

	t.Run("TooBusy refuses batches but answers pings", func(t *testing.T) {
		rcb := &mockReceiverCallback{}
		l := startListener(t, rcb)
		l.SetStatus(TooBusy)
		assert.Equal(t, TooBusy, l.Status())

		sender := NewSocketSender()
		require.NoError(t, sender.Ping(ctx, l.URI()))

		scb := &mockSenderCallback{}
		scb.On("ProcessingFailure", mock.Anything, contracts.ErrProcessingFailure).Once()
		sender.SendBatch(ctx, scb, contracts.NewOutgoingBatch(l.URI(), envelopes("a")...))

		scb.AssertExpectations(t)
		assert.Empty(t, rcb.Calls)

		l.SetStatus(Accepting)
		assert.Equal(t, "Accepting", l.Status().String())
	})

	t.Run("Stop waits and is idempotent before start", func(t *testing.T) {
		l := NewListener("127.0.0.1:0", &mockReceiverCallback{}, WithAcceptRate(10, 1), WithReceiveTimeout(time.Second))
		assert.NoError(t, l.Stop())
		assert.Nil(t, l.Addr())
		assert.Empty(t, l.URI())

		require.NoError(t, l.Start(ctx))
		assert.NoError(t, l.Stop())

		err := NewSocketSender(WithConnectTimeout(200 * time.Millisecond)).Ping(ctx, "tcp://"+l.listener.Addr().String())
		assert.Error(t, err)
	})
}
