package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/relay/contracts"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore keeps envelopes in a single SQLite file. SQLite has no advisory
// locks, so ClaimScheduled takes a lease row instead; a lease left behind by
// a crashed node expires after the lease duration.
type SQLiteStore struct {
	*sqlStore
	locks string
	lease time.Duration
}

var _ Store = (*SQLiteStore)(nil)

type sqliteDialect struct {
	prefix string
}

func (d sqliteDialect) table(name string) string {
	return d.prefix + "_" + name
}

func (sqliteDialect) rebind(query string) string {
	return query
}

func (sqliteDialect) anyOf(column string, values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return column + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ") + ")", args
}

func (sqliteDialect) skipLocked() string {
	return ""
}

func (sqliteDialect) blobType() string {
	return "BLOB"
}

// OpenSQLite opens or creates the database at path
func OpenSQLite(ctx context.Context, path, serviceName string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// one writer at a time avoids SQLITE_BUSY inside the process
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	o := buildOptions(opts)
	base, err := newSQLStore(db, sqliteDialect{prefix: o.schema}, serviceName, o)
	if err != nil {
		db.Close()
		return nil, err
	}
	store := &SQLiteStore{sqlStore: base, locks: o.schema + "_locks", lease: o.lease}

	if err := store.applySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) applySchema(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	statements := append(s.tableStatements(), fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	lock_id INTEGER PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at INTEGER NOT NULL
)`, s.locks))
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock takes the scheduled-jobs lease without waiting
func (s *SQLiteStore) TryAdvisoryLock(ctx context.Context) (release func(), ok bool, err error) {
	token := uuid.NewString()
	now := time.Now().UTC()

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE lock_id = ? AND expires_at < ?", s.locks),
		s.lockID, now.UnixNano()); err != nil {
		return nil, false, &contracts.StoreError{Op: "expire lease", Err: err}
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("INSERT OR IGNORE INTO %s (lock_id, owner, expires_at) VALUES (?, ?, ?)", s.locks),
		s.lockID, token, now.Add(s.lease).UnixNano())
	if err != nil {
		return nil, false, &contracts.StoreError{Op: "take lease", Err: err}
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, false, nil
	}

	return func() {
		_, err := s.db.ExecContext(context.Background(), fmt.Sprintf("DELETE FROM %s WHERE lock_id = ? AND owner = ?", s.locks), s.lockID, token)
		if err != nil {
			s.logger.Warn("failed to release scheduled jobs lease", zap.Error(err))
		}
	}, true, nil
}

func (s *SQLiteStore) ClaimScheduled(ctx context.Context, nodeID string, now time.Time) ([]*contracts.Envelope, error) {
	release, ok, err := s.TryAdvisoryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Debug("scheduled jobs lease held elsewhere", zap.String("nodeId", nodeID))
		return nil, nil
	}
	defer release()

	var claimed []*contracts.Envelope
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		claimed, err = s.claimScheduled(ctx, tx, nodeID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
