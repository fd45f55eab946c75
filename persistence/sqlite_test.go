package persistence_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/persistence"
	"github.com/glimte/relay/persistence/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T, opts ...persistence.Option) *persistence.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	store, err := persistence.OpenSQLite(context.Background(), path, "orders", opts...)
	require.NoError(t, err)
	return store
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) persistence.Store {
		return openSQLite(t)
	})
}

func TestSQLiteStoreDeadLettersUndecodableRows(t *testing.T) {
	storetest.RunUndecodable(t, func(t *testing.T) persistence.Store {
		return openSQLite(t)
	}, func(t *testing.T, store persistence.Store, id string) {
		db := store.(*persistence.SQLiteStore).DB()
		for _, table := range []string{"relay_incoming_envelopes", "relay_outgoing_envelopes"} {
			_, err := db.Exec("UPDATE "+table+" SET body = ? WHERE id = ?", []byte{0xde, 0xad, 0xbe, 0xef}, id)
			require.NoError(t, err)
		}
	})
}

func TestSQLiteStoreKeepsEnvelopeFields(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	defer store.Close()

	deliverBy := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	env := contracts.NewEnvelope(nil)
	env.MessageType = "order-placed"
	env.Status = contracts.StatusIncoming
	env.DeliverBy = &deliverBy
	env.ReplyURI = "tcp://localhost:2202/replies"
	env.AckRequested = true
	env.SetHeader("tenant", "t1")
	require.NoError(t, store.PersistIncoming(ctx, env))

	claimed, err := store.ClaimIncoming(ctx, "node-a", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	got := claimed[0]
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, "tcp://localhost:2202/replies", got.ReplyURI)
	assert.True(t, got.AckRequested)
	assert.Equal(t, "t1", got.Header("tenant"))
	require.NotNil(t, got.DeliverBy)
	assert.True(t, deliverBy.Equal(*got.DeliverBy))
}

func TestSQLiteStoreLeaseExpires(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t, persistence.WithLeaseDuration(50*time.Millisecond))
	defer store.Close()

	_, ok, err := store.TryAdvisoryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryAdvisoryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(100 * time.Millisecond)

	release, ok, err := store.TryAdvisoryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

func TestSQLiteStoreReopens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	first, err := persistence.OpenSQLite(ctx, path, "orders")
	require.NoError(t, err)
	env := contracts.NewEnvelope(nil)
	env.Status = contracts.StatusIncoming
	require.NoError(t, first.PersistIncoming(ctx, env))
	require.NoError(t, first.Close())

	second, err := persistence.OpenSQLite(ctx, path, "orders")
	require.NoError(t, err)
	defer second.Close()

	counts, err := second.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Incoming)
}

func TestSQLiteStoreRejectsBadSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	_, err := persistence.OpenSQLite(context.Background(), path, "orders", persistence.WithSchema("bad name;"))

	assert.Error(t, err)
}
