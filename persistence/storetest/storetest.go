// Package storetest holds the behaviour every persistence.Store must show.
// Store implementations run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Locker is implemented by stores that can hold the scheduled-jobs lock on demand
type Locker interface {
	TryAdvisoryLock(ctx context.Context) (release func(), ok bool, err error)
}

// Factory returns an empty store. The store is closed by the suite.
type Factory func(t *testing.T) persistence.Store

// Corrupter overwrites the stored body of envelope id with bytes that cannot
// be decoded. Only stores that serialize envelopes can provide one.
type Corrupter func(t *testing.T, store persistence.Store, id string)

// Run exercises store against the shared Store behaviour
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		run  func(t *testing.T, store persistence.Store)
	}{
		{"persisted incoming envelopes are claimed once", testClaimIncoming},
		{"persisted outgoing envelopes are claimed once", testClaimOutgoing},
		{"persist ignores duplicates", testPersistDuplicates},
		{"scheduled envelopes cannot be owned", testScheduledWithOwner},
		{"deletes are idempotent", testIdempotentDeletes},
		{"attempts only grow", testAttemptsMonotonic},
		{"missing envelopes cannot be incremented", testIncrementMissing},
		{"scheduled envelopes are claimed when due", testClaimScheduled},
		{"scheduled claims are exclusive across nodes", testClaimScheduledExclusive},
		{"scheduled claims back off while the lock is held", testClaimScheduledLocked},
		{"orphans of dead nodes are released", testReassignOrphans},
		{"dead letters leave the inbox and outbox", testDeadLetters},
		{"concurrent claims never overlap", testConcurrentClaimIncoming},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			t.Cleanup(func() { _ = store.Close() })
			tt.run(t, store)
		})
	}
}

func incoming(id string) *contracts.Envelope {
	env := contracts.NewEnvelope(nil)
	env.ID = id
	env.MessageType = "order-placed"
	env.Data = []byte(`{"orderId":"` + id + `"}`)
	env.Status = contracts.StatusIncoming
	return env
}

func outgoing(id string) *contracts.Envelope {
	env := incoming(id)
	env.Status = contracts.StatusOutgoing
	env.Destination = "tcp://localhost:2201/orders"
	return env
}

func scheduled(id string, at time.Time) *contracts.Envelope {
	env := incoming(id)
	env.Status = contracts.StatusScheduled
	env.ExecutionTime = &at
	return env
}

func ids(envelopes []*contracts.Envelope) []string {
	out := make([]string, 0, len(envelopes))
	for _, env := range envelopes {
		out = append(out, env.ID)
	}
	return out
}

func testClaimIncoming(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	owned := incoming("d")
	owned.OwnerID = "node-z"
	require.NoError(t, store.PersistIncoming(ctx, incoming("a"), incoming("b"), incoming("c"), owned))

	first, err := store.ClaimIncoming(ctx, "node-a", 2)
	require.NoError(t, err)
	second, err := store.ClaimIncoming(ctx, "node-b", 10)
	require.NoError(t, err)
	third, err := store.ClaimIncoming(ctx, "node-b", 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, ids(first))
	assert.Equal(t, []string{"c"}, ids(second))
	assert.Empty(t, third)
	for _, env := range first {
		assert.Equal(t, "node-a", env.OwnerID)
		assert.Equal(t, contracts.StatusIncoming, env.Status)
		assert.Equal(t, "order-placed", env.MessageType)
		assert.Equal(t, []byte(`{"orderId":"`+env.ID+`"}`), env.Data)
	}
}

func testClaimOutgoing(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	require.NoError(t, store.PersistOutgoing(ctx, outgoing("a"), outgoing("b")))

	claimed, err := store.ClaimOutgoing(ctx, "node-a", 0)
	require.NoError(t, err)
	again, err := store.ClaimOutgoing(ctx, "node-b", 0)
	require.NoError(t, err)

	require.Len(t, claimed, 2)
	assert.Empty(t, again)
	assert.Equal(t, contracts.StatusOutgoing, claimed[0].Status)
	assert.Equal(t, "tcp://localhost:2201/orders", claimed[0].Destination)
	assert.Equal(t, "node-a", claimed[1].OwnerID)
}

func testPersistDuplicates(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	require.NoError(t, store.PersistIncoming(ctx, incoming("a")))
	require.NoError(t, store.PersistIncoming(ctx, incoming("a")))

	inserted, err := store.InsertIncoming(ctx, incoming("a"), incoming("b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, inserted)
	require.NoError(t, store.DeleteIncoming(ctx, "b"))

	require.NoError(t, store.PersistOutgoing(ctx, outgoing("a")))
	require.NoError(t, store.PersistOutgoing(ctx, outgoing("a")))

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, persistence.Counts{Incoming: 1, Outgoing: 1}, counts)
}

func testScheduledWithOwner(t *testing.T, store persistence.Store) {
	env := scheduled("a", time.Now().Add(time.Hour))
	env.OwnerID = "node-a"

	err := store.PersistIncoming(context.Background(), env)

	assert.Error(t, err)
}

func testIdempotentDeletes(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	require.NoError(t, store.PersistIncoming(ctx, incoming("a"), incoming("b")))
	require.NoError(t, store.PersistOutgoing(ctx, outgoing("c")))

	require.NoError(t, store.DeleteIncoming(ctx, "a", "b"))
	require.NoError(t, store.DeleteIncoming(ctx, "a", "b"))
	require.NoError(t, store.DeleteIncoming(ctx, "never-stored"))
	require.NoError(t, store.DeleteIncoming(ctx))
	require.NoError(t, store.DeleteOutgoing(ctx, "c"))
	require.NoError(t, store.DeleteOutgoing(ctx, "c"))

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, persistence.Counts{}, counts)
}

func testAttemptsMonotonic(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	require.NoError(t, store.PersistIncoming(ctx, incoming("a")))
	require.NoError(t, store.PersistOutgoing(ctx, outgoing("b")))

	last := 0
	for i := 0; i < 5; i++ {
		n, err := store.IncrementIncomingAttempts(ctx, "a")
		require.NoError(t, err)
		assert.Greater(t, n, last)
		last = n
	}
	assert.Equal(t, 5, last)

	n, err := store.IncrementOutgoingAttempts(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := store.ClaimIncoming(ctx, "node-a", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 5, claimed[0].Attempts)
}

func testIncrementMissing(t *testing.T, store persistence.Store) {
	_, err := store.IncrementIncomingAttempts(context.Background(), "missing")

	assert.ErrorIs(t, err, contracts.ErrEnvelopeNotFound)
}

func testClaimScheduled(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.PersistIncoming(ctx, scheduled("later", now.Add(time.Hour))))

	early, err := store.ClaimScheduled(ctx, "node-a", now)
	require.NoError(t, err)
	assert.Empty(t, early)

	due, err := store.ClaimScheduled(ctx, "node-a", now.Add(time.Hour+time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "later", due[0].ID)
	assert.Equal(t, "node-a", due[0].OwnerID)
	assert.Equal(t, contracts.StatusIncoming, due[0].Status)

	again, err := store.ClaimScheduled(ctx, "node-b", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Incoming)
	assert.Equal(t, 0, counts.Scheduled)
}

func testClaimScheduledExclusive(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)
	total := 20
	for i := 0; i < total; i++ {
		require.NoError(t, store.PersistIncoming(ctx, scheduled(fmt.Sprintf("job-%02d", i), past)))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)
	for _, node := range []string{"node-a", "node-b"} {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				envs, err := store.ClaimScheduled(ctx, node, time.Now().UTC())
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				for _, env := range envs {
					if previous, dup := claimed[env.ID]; dup {
						t.Errorf("envelope %s claimed by %s and %s", env.ID, previous, node)
					}
					claimed[env.ID] = node
				}
				done := len(claimed) == total
				mu.Unlock()
				if done {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(node)
	}
	wg.Wait()

	assert.Len(t, claimed, total)
}

func testClaimScheduledLocked(t *testing.T, store persistence.Store) {
	locker, ok := store.(Locker)
	if !ok {
		t.Skip("store cannot hold the scheduled jobs lock")
	}

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.PersistIncoming(ctx, scheduled("a", past)))

	release, ok, err := locker.TryAdvisoryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, second, err := locker.TryAdvisoryLock(ctx)
	require.NoError(t, err)
	assert.False(t, second, "lock must be exclusive")

	blocked, err := store.ClaimScheduled(ctx, "node-a", time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, blocked)

	release()

	claimed, err := store.ClaimScheduled(ctx, "node-a", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(claimed))
}

func testReassignOrphans(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	require.NoError(t, store.PersistIncoming(ctx, incoming("in-1"), incoming("in-2")))
	require.NoError(t, store.PersistOutgoing(ctx, outgoing("out-1")))

	_, err := store.ClaimIncoming(ctx, "node-a", 1)
	require.NoError(t, err)
	_, err = store.ClaimIncoming(ctx, "node-b", 1)
	require.NoError(t, err)
	_, err = store.ClaimOutgoing(ctx, "node-a", 1)
	require.NoError(t, err)
	_, err = store.IncrementIncomingAttempts(ctx, "in-1")
	require.NoError(t, err)

	orphans, err := store.ReassignOrphans(ctx, []string{"node-a"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"in-1", "out-1"}, ids(orphans))
	for _, env := range orphans {
		assert.Empty(t, env.OwnerID)
	}

	reclaimed, err := store.ClaimIncoming(ctx, "node-c", 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "in-1", reclaimed[0].ID)
	assert.Equal(t, "node-c", reclaimed[0].OwnerID)
	assert.Equal(t, 1, reclaimed[0].Attempts)

	outbox, err := store.ClaimOutgoing(ctx, "node-c", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"out-1"}, ids(outbox))

	none, err := store.ReassignOrphans(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDeadLetters(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	env := incoming("a")
	require.NoError(t, store.PersistIncoming(ctx, env))
	require.NoError(t, store.PersistOutgoing(ctx, outgoing("b")))

	require.NoError(t, store.MoveToDeadLetter(ctx, env, errors.New("handler exploded")))
	require.NoError(t, store.MoveToDeadLetter(ctx, outgoing("b"), contracts.ErrQueueDoesNotExist))

	letters, err := store.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "a", letters[0].Envelope.ID)
	assert.Equal(t, "handler exploded", letters[0].Error)
	assert.False(t, letters[0].FailedAt.IsZero())

	limited, err := store.DeadLetters(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, persistence.Counts{DeadLetters: 2}, counts)
}

func testConcurrentClaimIncoming(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	total := 30
	for i := 0; i < total; i++ {
		require.NoError(t, store.PersistIncoming(ctx, incoming(fmt.Sprintf("env-%02d", i))))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for n := 0; n < 3; n++ {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			for {
				envs, err := store.ClaimIncoming(ctx, node, 4)
				if !assert.NoError(t, err) || len(envs) == 0 {
					return
				}
				mu.Lock()
				for _, env := range envs {
					claimed[env.ID]++
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("node-%d", n))
	}
	wg.Wait()

	assert.Len(t, claimed, total)
	for id, times := range claimed {
		assert.Equal(t, 1, times, "envelope %s claimed more than once", id)
	}
}

// RunUndecodable checks that rows whose body cannot be decoded are moved to
// the dead letters instead of failing every claim that returns them.
func RunUndecodable(t *testing.T, factory Factory, corrupt Corrupter) {
	ctx := context.Background()
	store := factory(t)
	t.Cleanup(func() { _ = store.Close() })

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.PersistIncoming(ctx, scheduled("s-good", past), scheduled("s-bad", past)))
	corrupt(t, store, "s-bad")

	for tick := 0; tick < 2; tick++ {
		claimed, err := store.ClaimScheduled(ctx, "node-a", time.Now().UTC())
		require.NoError(t, err)
		if tick == 0 {
			assert.Equal(t, []string{"s-good"}, ids(claimed))
		} else {
			assert.Empty(t, claimed)
		}
	}
	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, persistence.Counts{Incoming: 1, DeadLetters: 1}, counts)

	require.NoError(t, store.PersistIncoming(ctx, incoming("i-bad"), incoming("i-good")))
	corrupt(t, store, "i-bad")
	claimed, err := store.ClaimIncoming(ctx, "node-b", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-good"}, ids(claimed))

	require.NoError(t, store.PersistOutgoing(ctx, outgoing("o-bad"), outgoing("o-good")))
	corrupt(t, store, "o-bad")
	claimed, err = store.ClaimOutgoing(ctx, "node-b", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"o-good"}, ids(claimed))

	orphan := incoming("r-bad")
	orphan.OwnerID = "node-dead"
	require.NoError(t, store.PersistIncoming(ctx, orphan))
	corrupt(t, store, "r-bad")
	orphans, err := store.ReassignOrphans(ctx, []string{"node-dead"})
	require.NoError(t, err)
	assert.Empty(t, orphans)

	letters, err := store.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s-bad", "i-bad", "o-bad", "r-bad"}, deadLetterIDs(letters))
	for _, letter := range letters {
		assert.NotEmpty(t, letter.Error)
	}

	counts, err = store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, persistence.Counts{Incoming: 2, Outgoing: 1, DeadLetters: 4}, counts)
}

func deadLetterIDs(letters []persistence.DeadLetter) []string {
	out := make([]string, 0, len(letters))
	for _, letter := range letters {
		out = append(out, letter.Envelope.ID)
	}
	return out
}
