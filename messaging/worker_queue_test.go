package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/metrics"
	"github.com/glimte/relay/internal/reliability"
	"github.com/glimte/relay/persistence"
)

const eventually = 2 * time.Second

func TestWorkerQueueCompletesHandledEnvelope(t *testing.T) {
	var handled atomic.Int32
	q := NewWorkerQueue(pipelineFunc(func(ctx context.Context, env *contracts.Envelope) error {
		handled.Add(1)
		return nil
	}), NeverRetry{})

	cb := &recordingCallback{}
	env := testEnvelope("order-placed")
	env.Callback = cb

	require.NoError(t, q.Enqueue(context.Background(), env))
	require.NoError(t, q.Drain(context.Background()))

	completed, failed, dead := cb.counts()
	assert.Equal(t, 1, completed)
	assert.Zero(t, failed)
	assert.Zero(t, dead)
	assert.EqualValues(t, 1, handled.Load())
	assert.Zero(t, q.InFlight())
}

func TestWorkerQueueDefaultsToLightweightCallback(t *testing.T) {
	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error { return nil }), nil)
	env := testEnvelope("order-placed")

	require.NoError(t, q.Enqueue(context.Background(), env))
	require.NoError(t, q.Drain(context.Background()))
	assert.IsType(t, LightweightCallback{}, env.Callback)
}

func TestWorkerQueueRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	q := NewWorkerQueue(pipelineFunc(func(ctx context.Context, env *contracts.Envelope) error {
		if calls.Add(1) < 3 {
			return errors.New("database unavailable")
		}
		return nil
	}), fixedRetries{max: 5})

	cb := &recordingCallback{}
	env := testEnvelope("order-placed")
	env.Callback = cb
	require.NoError(t, q.Enqueue(context.Background(), env))

	require.Eventually(t, func() bool {
		completed, _, _ := cb.counts()
		return completed == 1
	}, eventually, 5*time.Millisecond)

	_, failed, dead := cb.counts()
	assert.Equal(t, 2, failed)
	assert.Zero(t, dead)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWorkerQueueDeadLettersWhenRetriesRunOut(t *testing.T) {
	cause := errors.New("always broken")
	hook := &mockDeadLetterHook{}
	hook.On("DeadLetter", mock.Anything, mock.Anything, cause).Return(nil).Once()

	collector, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error {
		return cause
	}), fixedRetries{max: 3}, WithDeadLetterHook(hook), WithWorkerMetrics(collector))

	cb := &recordingCallback{}
	env := testEnvelope("order-placed")
	env.Callback = cb
	require.NoError(t, q.Enqueue(context.Background(), env))

	require.Eventually(t, func() bool {
		_, _, dead := cb.counts()
		return dead == 1
	}, eventually, 5*time.Millisecond)
	require.NoError(t, q.Drain(context.Background()))

	completed, failed, _ := cb.counts()
	assert.Zero(t, completed)
	assert.Equal(t, 3, failed)
	assert.Equal(t, 3, env.Attempts)
	hook.AssertExpectations(t)
}

func TestWorkerQueueNeverRetriesPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error {
		calls.Add(1)
		return reliability.Permanent(errors.New("invalid order"))
	}), reliability.NewBackoffRetries(5, time.Millisecond, time.Millisecond, 1))

	cb := &recordingCallback{}
	env := testEnvelope("order-placed")
	env.Callback = cb
	require.NoError(t, q.Enqueue(context.Background(), env))

	require.Eventually(t, func() bool {
		_, _, dead := cb.counts()
		return dead == 1
	}, eventually, 5*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestWorkerQueueRetriesFailedCommit(t *testing.T) {
	var calls atomic.Int32
	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error {
		calls.Add(1)
		return nil
	}), NeverRetry{})

	cb := &recordingCallback{failCommits: 2, completeErr: errors.New("store unavailable")}
	env := testEnvelope("order-placed")
	env.Callback = cb
	require.NoError(t, q.Enqueue(context.Background(), env))

	require.Eventually(t, func() bool {
		completed, _, _ := cb.counts()
		return completed == 1
	}, eventually, 5*time.Millisecond)

	// only the commit is retried and no attempt is spent on it
	assert.EqualValues(t, 1, calls.Load())
	_, failed, dead := cb.counts()
	assert.Zero(t, failed)
	assert.Zero(t, dead)
	assert.Zero(t, env.Attempts)
	assert.Eventually(t, func() bool { return !q.isUncommitted(env) }, eventually, 5*time.Millisecond)
}

func TestWorkerQueueRejectsEnvelopeAlreadyExecuting(t *testing.T) {
	release := make(chan struct{})
	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error {
		<-release
		return nil
	}), NeverRetry{})

	env := testEnvelope("order-placed")
	require.NoError(t, q.Enqueue(context.Background(), env))

	err := q.Enqueue(context.Background(), env.Clone())
	assert.ErrorIs(t, err, contracts.ErrEnvelopeInFlight)
	assert.Equal(t, 1, q.InFlight())

	close(release)
	require.NoError(t, q.Drain(context.Background()))
}

func TestWorkerQueueRejectsDelayedEnvelope(t *testing.T) {
	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error { return nil }), NeverRetry{})

	env := testEnvelope("order-placed")
	later := time.Now().Add(time.Hour)
	env.ExecutionTime = &later

	assert.ErrorIs(t, q.Enqueue(context.Background(), env), contracts.ErrEnvelopeDelayed)
}

func TestWorkerQueueDiscardsExpiredEnvelope(t *testing.T) {
	var calls atomic.Int32
	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error {
		calls.Add(1)
		return nil
	}), NeverRetry{})

	cb := &recordingCallback{}
	env := testEnvelope("order-placed")
	past := time.Now().Add(-time.Minute)
	env.DeliverBy = &past
	env.Callback = cb

	require.NoError(t, q.Enqueue(context.Background(), env))
	require.NoError(t, q.Drain(context.Background()))

	completed, _, _ := cb.counts()
	assert.Equal(t, 1, completed)
	assert.Zero(t, calls.Load())
}

func TestWorkerQueueAdmission(t *testing.T) {
	release := make(chan struct{})
	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error {
		<-release
		return nil
	}), NeverRetry{}, WithMaxConcurrency(1), WithAdmissionTimeout(20*time.Millisecond))

	require.NoError(t, q.Enqueue(context.Background(), testEnvelope("order-placed")))

	err := q.Enqueue(context.Background(), testEnvelope("order-placed"))
	assert.ErrorIs(t, err, contracts.ErrQueueFull)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = q.Enqueue(ctx, testEnvelope("order-placed"))
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, q.Drain(context.Background()))
}

func TestWorkerQueueSchedule(t *testing.T) {
	var calls atomic.Int32
	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error {
		calls.Add(1)
		return nil
	}), NeverRetry{})

	require.NoError(t, q.Schedule(testEnvelope("order-placed"), 10*time.Millisecond))
	assert.Equal(t, 1, q.Pending())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, eventually, 5*time.Millisecond)
	assert.Zero(t, q.Pending())
}

func TestWorkerQueueClose(t *testing.T) {
	var calls atomic.Int32
	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error {
		calls.Add(1)
		return nil
	}), NeverRetry{})

	require.NoError(t, q.Schedule(testEnvelope("order-placed"), time.Hour))
	require.NoError(t, q.Close(context.Background()))

	assert.Zero(t, q.Pending())
	assert.ErrorIs(t, q.Enqueue(context.Background(), testEnvelope("order-placed")), contracts.ErrQueueClosed)
	assert.ErrorIs(t, q.Schedule(testEnvelope("order-placed"), 0), contracts.ErrQueueClosed)
	assert.Zero(t, calls.Load())
}

func TestWorkerQueueWithDurableCallback(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore("orders")

	env := testEnvelope("order-placed")
	env.Status = contracts.StatusIncoming
	env.OwnerID = "node-a"
	require.NoError(t, store.PersistIncoming(ctx, env))

	var calls atomic.Int32
	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}), fixedRetries{max: 3})

	env.Callback = NewDurableCallback(store)
	require.NoError(t, q.Enqueue(ctx, env))

	require.Eventually(t, func() bool {
		counts, err := store.Counts(ctx)
		return err == nil && counts.Incoming == 0
	}, eventually, 5*time.Millisecond)
	assert.Equal(t, 1, env.Attempts)
}

func TestWorkerQueueDurableDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore("orders")

	env := testEnvelope("order-placed")
	env.Status = contracts.StatusIncoming
	env.OwnerID = "node-a"
	require.NoError(t, store.PersistIncoming(ctx, env))

	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error {
		return errors.New("broken")
	}), fixedRetries{max: 2})
	env.Callback = NewDurableCallback(store)
	require.NoError(t, q.Enqueue(ctx, env))

	require.Eventually(t, func() bool {
		counts, err := store.Counts(ctx)
		return err == nil && counts.DeadLetters == 1 && counts.Incoming == 0
	}, eventually, 5*time.Millisecond)

	letters, err := store.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, env.ID, letters[0].Envelope.ID)
	assert.Equal(t, "broken", letters[0].Error)
}

func TestDeadLetterReason(t *testing.T) {
	assert.Equal(t, "no_handler", deadLetterReason(contracts.ErrNoHandler))
	assert.Equal(t, "serialization", deadLetterReason(&contracts.SerializationError{Op: "read", Err: errors.New("short")}))
	assert.Equal(t, "exhausted", deadLetterReason(errors.New("other")))
}

func TestWorkerQueueRecordsRetryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	require.NoError(t, err)

	var calls atomic.Int32
	q := NewWorkerQueue(pipelineFunc(func(context.Context, *contracts.Envelope) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}), fixedRetries{max: 3}, WithWorkerMetrics(collector))

	cb := &recordingCallback{}
	env := testEnvelope("order-placed")
	env.Callback = cb
	require.NoError(t, q.Enqueue(context.Background(), env))

	require.Eventually(t, func() bool {
		completed, _, _ := cb.counts()
		return completed == 1
	}, eventually, 5*time.Millisecond)

	count, err := testutil.GatherAndCount(reg, "relay_envelope_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
