package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/relay/contracts"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresStore keeps envelopes in PostgreSQL. ClaimScheduled is guarded by
// pg_try_advisory_xact_lock, so the lock ends with the claiming transaction.
type PostgresStore struct {
	*sqlStore
}

var _ Store = (*PostgresStore)(nil)

type postgresDialect struct {
	schema string
}

func (d postgresDialect) table(name string) string {
	return pq.QuoteIdentifier(d.schema) + "." + pq.QuoteIdentifier(name)
}

func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) anyOf(column string, values []string) (string, []any) {
	return column + " = ANY(?)", []any{pq.Array(values)}
}

func (postgresDialect) skipLocked() string {
	return " FOR UPDATE SKIP LOCKED"
}

func (postgresDialect) blobType() string {
	return "BYTEA"
}

// OpenPostgres connects to dsn and creates the envelope schema when missing
func OpenPostgres(ctx context.Context, dsn, serviceName string, opts ...Option) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := NewPostgresStore(db, serviceName, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing pool. Call EnsureSchema before use on a fresh database.
func NewPostgresStore(db *sql.DB, serviceName string, opts ...Option) (*PostgresStore, error) {
	o := buildOptions(opts)
	base, err := newSQLStore(db, postgresDialect{schema: o.schema}, serviceName, o)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: base}, nil
}

// EnsureSchema creates the schema, tables and indexes if they do not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := append([]string{"CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(s.schema)}, s.tableStatements()...)
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock takes the scheduled-jobs lock in its own transaction. The
// lock is held until release rolls that transaction back.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context) (release func(), ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, &contracts.StoreError{Op: "begin transaction", Err: err}
	}
	locked, err := tryXactLock(ctx, tx, s.lockID)
	if err != nil || !locked {
		_ = tx.Rollback()
		return nil, false, err
	}
	return func() { _ = tx.Rollback() }, true, nil
}

func (s *PostgresStore) ClaimScheduled(ctx context.Context, nodeID string, now time.Time) ([]*contracts.Envelope, error) {
	var claimed []*contracts.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		locked, err := tryXactLock(ctx, tx, s.lockID)
		if err != nil {
			return err
		}
		if !locked {
			s.logger.Debug("scheduled jobs lock held elsewhere", zap.String("nodeId", nodeID))
			return nil
		}
		claimed, err = s.claimScheduled(ctx, tx, nodeID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func tryXactLock(ctx context.Context, tx *sql.Tx, lockID int64) (bool, error) {
	var locked bool
	if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", lockID).Scan(&locked); err != nil {
		return false, &contracts.StoreError{Op: "try advisory lock", Err: err}
	}
	return locked, nil
}
