package interceptors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/metrics"
	"github.com/glimte/relay/internal/reliability"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, env *contracts.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func testEnvelope() *contracts.Envelope {
	env := contracts.NewEnvelope(nil)
	env.MessageType = "order-placed"
	return env
}

func recording(name string, calls *[]string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, env *contracts.Envelope, next Handler) error {
		*calls = append(*calls, name+":before")
		err := next.Handle(ctx, env)
		*calls = append(*calls, name+":after")
		return err
	})
}

func TestChain(t *testing.T) {
	t.Run("empty chain calls the final handler", func(t *testing.T) {
		env := testEnvelope()
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, env).Return(nil).Once()

		err := NewChain().Execute(context.Background(), env, handler)

		assert.NoError(t, err)
		handler.AssertExpectations(t)
	})

	t.Run("interceptors nest in the order added", func(t *testing.T) {
		var calls []string
		chain := NewChain(recording("outer", &calls)).Add(recording("inner", &calls))

		err := chain.Execute(context.Background(), testEnvelope(), HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			calls = append(calls, "handler")
			return nil
		}))

		require.NoError(t, err)
		assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, calls)
		assert.Equal(t, []string{"outer", "inner"}, chain.Names())
	})

	t.Run("handler errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		env := testEnvelope()
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, env).Return(boom)

		err := NewChain(NewLoggingInterceptor(nil)).Execute(context.Background(), env, handler)

		assert.ErrorIs(t, err, boom)
	})
}

func TestLoggingInterceptor(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	interceptor := NewLoggingInterceptor(zap.New(core))
	env := testEnvelope()

	_ = interceptor.Intercept(context.Background(), env, HandlerFunc(func(context.Context, *contracts.Envelope) error { return nil }))
	_ = interceptor.Intercept(context.Background(), env, HandlerFunc(func(context.Context, *contracts.Envelope) error { return errors.New("nope") }))

	require.Equal(t, 2, logs.Len())
	entries := logs.All()
	assert.Equal(t, "envelope executed", entries[0].Message)
	assert.Equal(t, env.ID, entries[0].ContextMap()["envelopeId"])
	assert.Equal(t, "envelope execution failed", entries[1].Message)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
}

func TestMetricsInterceptor(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	require.NoError(t, err)
	interceptor := NewMetricsInterceptor(collector)

	_ = interceptor.Intercept(context.Background(), testEnvelope(), HandlerFunc(func(context.Context, *contracts.Envelope) error { return nil }))
	_ = interceptor.Intercept(context.Background(), testEnvelope(), HandlerFunc(func(context.Context, *contracts.Envelope) error { return errors.New("x") }))

	count, err := testutil.GatherAndCount(reg, "relay_envelopes_handled_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	t.Run("nil collector is a no-op", func(t *testing.T) {
		err := NewMetricsInterceptor(nil).Intercept(context.Background(), testEnvelope(),
			HandlerFunc(func(context.Context, *contracts.Envelope) error { return nil }))
		assert.NoError(t, err)
	})
}

func TestRecoveryInterceptor(t *testing.T) {
	err := NewRecoveryInterceptor(nil).Intercept(context.Background(), testEnvelope(),
		HandlerFunc(func(context.Context, *contracts.Envelope) error { panic("kaboom") }))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestTimeoutInterceptor(t *testing.T) {
	t.Run("slow handler times out", func(t *testing.T) {
		err := NewTimeoutInterceptor(20*time.Millisecond).Intercept(context.Background(), testEnvelope(),
			HandlerFunc(func(ctx context.Context, _ *contracts.Envelope) error {
				<-ctx.Done()
				return nil
			}))

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("fast handler result is returned", func(t *testing.T) {
		boom := errors.New("boom")
		err := NewTimeoutInterceptor(time.Second).Intercept(context.Background(), testEnvelope(),
			HandlerFunc(func(context.Context, *contracts.Envelope) error { return boom }))

		assert.ErrorIs(t, err, boom)
	})
}

func TestValidationInterceptor(t *testing.T) {
	validator := ValidatorFunc(func(_ context.Context, env *contracts.Envelope) error {
		if env.Header("tenant") == "" {
			return errors.New("tenant header required")
		}
		return nil
	})
	interceptor := NewValidationInterceptor(validator)
	handler := &mockHandler{}

	err := interceptor.Intercept(context.Background(), testEnvelope(), handler)

	require.Error(t, err)
	assert.False(t, reliability.IsRetryable(err))
	handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)

	valid := testEnvelope()
	valid.SetHeader("tenant", "t1")
	handler.On("Handle", mock.Anything, valid).Return(nil).Once()
	assert.NoError(t, interceptor.Intercept(context.Background(), valid, handler))
	handler.AssertExpectations(t)
}

func TestRateLimitingInterceptor(t *testing.T) {
	interceptor := NewRateLimitingInterceptor(1, 1)
	next := HandlerFunc(func(context.Context, *contracts.Envelope) error { return nil })

	require.NoError(t, interceptor.Intercept(context.Background(), testEnvelope(), next))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := interceptor.Intercept(ctx, testEnvelope(), next)
	assert.Error(t, err)

	other := testEnvelope()
	other.MessageType = "order-shipped"
	assert.NoError(t, interceptor.Intercept(context.Background(), other, next))
}
