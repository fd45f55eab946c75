package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/glimte/relay/contracts"
)

// Store is the durable envelope storage shared by every node of a service.
//
// Envelopes live in one of three places: the outgoing set (accepted for sending,
// not yet confirmed by the receiver), the incoming set (received and persisted,
// not yet handled) and the dead letter set. Ownership is tracked per envelope by
// OwnerID; an empty owner means any live node may claim it.
type Store interface {
	// PersistOutgoing records envelopes before they are put on the wire.
	// Persisting an id that already exists is a no-op.
	PersistOutgoing(ctx context.Context, envelopes ...*contracts.Envelope) error

	// PersistIncoming records received envelopes. Envelopes with status Scheduled
	// must not carry an owner. Persisting an id that already exists is a no-op.
	PersistIncoming(ctx context.Context, envelopes ...*contracts.Envelope) error

	// InsertIncoming is PersistIncoming that reports the ids it actually
	// inserted, leaving out ids the store already held.
	InsertIncoming(ctx context.Context, envelopes ...*contracts.Envelope) ([]string, error)

	// DeleteOutgoing and DeleteIncoming are idempotent.
	DeleteOutgoing(ctx context.Context, ids ...string) error
	DeleteIncoming(ctx context.Context, ids ...string) error

	// IncrementIncomingAttempts and IncrementOutgoingAttempts add one to the
	// stored attempt count and return the new value.
	IncrementIncomingAttempts(ctx context.Context, id string) (int, error)
	IncrementOutgoingAttempts(ctx context.Context, id string) (int, error)

	// MoveToDeadLetter removes the envelope from the incoming and outgoing sets
	// and records it with its failure, in one transaction.
	MoveToDeadLetter(ctx context.Context, env *contracts.Envelope, cause error) error

	// ClaimScheduled takes the service-wide advisory lock without waiting. If
	// the lock is held elsewhere it returns no envelopes. Otherwise every
	// Scheduled envelope due at or before now is moved to Incoming and owned
	// by nodeID, and the lock is released when the claim commits.
	ClaimScheduled(ctx context.Context, nodeID string, now time.Time) ([]*contracts.Envelope, error)

	// ReassignOrphans clears the owner of every incoming and outgoing envelope
	// owned by one of the dead nodes. Attempts are left untouched.
	ReassignOrphans(ctx context.Context, deadNodes []string) ([]*contracts.Envelope, error)

	// ClaimIncoming and ClaimOutgoing give up to limit unowned envelopes to
	// nodeID. Concurrent claims never hand out the same envelope twice.
	ClaimIncoming(ctx context.Context, nodeID string, limit int) ([]*contracts.Envelope, error)
	ClaimOutgoing(ctx context.Context, nodeID string, limit int) ([]*contracts.Envelope, error)

	// DeadLetters lists dead-lettered envelopes, oldest first.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	Counts(ctx context.Context) (Counts, error)

	Close() error
}

// DeadLetter is an envelope that exhausted its retries or could never succeed
type DeadLetter struct {
	Envelope *contracts.Envelope
	Error    string
	FailedAt time.Time
}

// Counts summarises what a store currently holds
type Counts struct {
	Incoming    int
	Scheduled   int
	Outgoing    int
	DeadLetters int
}

// DefaultClaimLimit bounds ClaimIncoming and ClaimOutgoing when callers pass zero
const DefaultClaimLimit = 100

// AdvisoryLockID is the cluster-wide lock key guarding ClaimScheduled for a
// service. Every node of the service computes the same value.
func AdvisoryLockID(serviceName string) int64 {
	return int64(xxhash.Sum64String(serviceName + "-scheduled-jobs"))
}

// Open returns the store for driver, one of "memory", "sqlite" or "postgres"
func Open(ctx context.Context, driver, dsn, serviceName string, opts ...Option) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(serviceName), nil
	case "sqlite":
		store, err := OpenSQLite(ctx, dsn, serviceName, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := OpenPostgres(ctx, dsn, serviceName, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func claimLimit(limit int) int {
	if limit <= 0 {
		return DefaultClaimLimit
	}
	return limit
}

func validateIncoming(envelopes []*contracts.Envelope) error {
	for _, env := range envelopes {
		if env == nil || env.ID == "" {
			return errors.New("envelope must have an id")
		}
		if env.Status == contracts.StatusScheduled && env.OwnerID != "" {
			return &contracts.StoreError{Op: "persist incoming", EnvelopeID: env.ID, Err: errors.New("scheduled envelopes cannot have an owner")}
		}
	}
	return nil
}

func validateOutgoing(envelopes []*contracts.Envelope) error {
	for _, env := range envelopes {
		if env == nil || env.ID == "" {
			return errors.New("envelope must have an id")
		}
	}
	return nil
}

func incomingStatus(env *contracts.Envelope) contracts.EnvelopeStatus {
	if env.Status == contracts.StatusScheduled {
		return contracts.StatusScheduled
	}
	return contracts.StatusIncoming
}

func errorText(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
