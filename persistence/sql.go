package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/serialization"
	"go.uber.org/zap"
)

var schemaName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// dialect covers the SQL differences between the postgres and sqlite stores.
// Queries are written with ? placeholders and rebound per dialect.
type dialect interface {
	table(name string) string
	rebind(query string) string
	anyOf(column string, values []string) (string, []any)
	skipLocked() string
	blobType() string
}

// sqlStore implements every Store operation except ClaimScheduled, whose
// locking is dialect specific.
type sqlStore struct {
	db          *sql.DB
	dialect     dialect
	logger      *zap.Logger
	lockID      int64
	schema      string
	incoming    string
	outgoing    string
	deadLetters string
}

func newSQLStore(db *sql.DB, d dialect, serviceName string, o storeOptions) (*sqlStore, error) {
	if !schemaName.MatchString(o.schema) {
		return nil, fmt.Errorf("invalid schema name %q", o.schema)
	}
	return &sqlStore{
		db:          db,
		dialect:     d,
		logger:      o.logger,
		lockID:      AdvisoryLockID(serviceName),
		schema:      o.schema,
		incoming:    d.table("incoming_envelopes"),
		outgoing:    d.table("outgoing_envelopes"),
		deadLetters: d.table("dead_letters"),
	}, nil
}

// LockID reports the advisory lock key this store guards ClaimScheduled with
func (s *sqlStore) LockID() int64 {
	return s.lockID
}

// DB exposes the underlying connection pool
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) tableStatements() []string {
	blob := s.dialect.blobType()
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(100) PRIMARY KEY,
	status VARCHAR(25) NOT NULL,
	owner_id VARCHAR(255) NOT NULL DEFAULT '',
	execution_time BIGINT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	message_type VARCHAR(255) NOT NULL DEFAULT '',
	body %s NOT NULL
)`, s.incoming, blob),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(100) PRIMARY KEY,
	owner_id VARCHAR(255) NOT NULL DEFAULT '',
	destination VARCHAR(500) NOT NULL DEFAULT '',
	deliver_by BIGINT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	body %s NOT NULL
)`, s.outgoing, blob),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(100) PRIMARY KEY,
	message_type VARCHAR(255) NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	failed_at BIGINT NOT NULL,
	body %s NOT NULL
)`, s.deadLetters, blob),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_incoming_status_idx ON %s (status, execution_time)`, s.schema, s.incoming),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_incoming_owner_idx ON %s (owner_id)`, s.schema, s.incoming),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_outgoing_owner_idx ON %s (owner_id)`, s.schema, s.outgoing),
	}
}

func (s *sqlStore) PersistOutgoing(ctx context.Context, envelopes ...*contracts.Envelope) error {
	if err := validateOutgoing(envelopes); err != nil {
		return err
	}
	if len(envelopes) == 0 {
		return nil
	}

	query := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (id, owner_id, destination, deliver_by, attempts, body)
VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`, s.outgoing))

	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return &contracts.StoreError{Op: "persist outgoing", Err: err}
		}
		defer stmt.Close()

		for _, env := range envelopes {
			stored := env.Clone()
			stored.Status = contracts.StatusOutgoing
			body, err := serialization.SerializeOne(stored)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, env.ID, env.OwnerID, env.Destination, toNanos(env.DeliverBy), env.Attempts, body); err != nil {
				return &contracts.StoreError{Op: "persist outgoing", EnvelopeID: env.ID, Err: err}
			}
		}
		return nil
	})
}

func (s *sqlStore) PersistIncoming(ctx context.Context, envelopes ...*contracts.Envelope) error {
	_, err := s.InsertIncoming(ctx, envelopes...)
	return err
}

func (s *sqlStore) InsertIncoming(ctx context.Context, envelopes ...*contracts.Envelope) ([]string, error) {
	if err := validateIncoming(envelopes); err != nil {
		return nil, err
	}
	if len(envelopes) == 0 {
		return nil, nil
	}

	query := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (id, status, owner_id, execution_time, attempts, message_type, body)
VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`, s.incoming))

	var inserted []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return &contracts.StoreError{Op: "persist incoming", Err: err}
		}
		defer stmt.Close()

		for _, env := range envelopes {
			stored := env.Clone()
			stored.Status = incomingStatus(env)
			body, err := serialization.SerializeOne(stored)
			if err != nil {
				return err
			}
			res, err := stmt.ExecContext(ctx, env.ID, string(stored.Status), env.OwnerID,
				toNanos(env.ExecutionTime), env.Attempts, env.MessageType, body)
			if err != nil {
				return &contracts.StoreError{Op: "persist incoming", EnvelopeID: env.ID, Err: err}
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				inserted = append(inserted, env.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *sqlStore) DeleteOutgoing(ctx context.Context, ids ...string) error {
	return s.deleteIDs(ctx, "delete outgoing", s.outgoing, ids)
}

func (s *sqlStore) DeleteIncoming(ctx context.Context, ids ...string) error {
	return s.deleteIDs(ctx, "delete incoming", s.incoming, ids)
}

func (s *sqlStore) deleteIDs(ctx context.Context, op, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	clause, args := s.dialect.anyOf("id", ids)
	query := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE %s", table, clause))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &contracts.StoreError{Op: op, Err: err}
	}
	return nil
}

func (s *sqlStore) IncrementIncomingAttempts(ctx context.Context, id string) (int, error) {
	return s.increment(ctx, "increment incoming attempts", s.incoming, id)
}

func (s *sqlStore) IncrementOutgoingAttempts(ctx context.Context, id string) (int, error) {
	return s.increment(ctx, "increment outgoing attempts", s.outgoing, id)
}

func (s *sqlStore) increment(ctx context.Context, op, table, id string) (int, error) {
	query := s.dialect.rebind(fmt.Sprintf("UPDATE %s SET attempts = attempts + 1 WHERE id = ? RETURNING attempts", table))

	var attempts int
	err := s.db.QueryRowContext(ctx, query, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &contracts.StoreError{Op: op, EnvelopeID: id, Err: contracts.ErrEnvelopeNotFound}
	}
	if err != nil {
		return 0, &contracts.StoreError{Op: op, EnvelopeID: id, Err: err}
	}
	return attempts, nil
}

func (s *sqlStore) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope, cause error) error {
	body, err := serialization.SerializeOne(env)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{s.incoming, s.outgoing} {
			query := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table))
			if _, err := tx.ExecContext(ctx, query, env.ID); err != nil {
				return &contracts.StoreError{Op: "move to dead letters", EnvelopeID: env.ID, Err: err}
			}
		}

		return s.insertDeadLetter(ctx, tx, env.ID, env.MessageType, cause, body)
	})
}

func (s *sqlStore) insertDeadLetter(ctx context.Context, tx *sql.Tx, id, messageType string, cause error, body []byte) error {
	query := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (id, message_type, error, failed_at, body) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET error = excluded.error, failed_at = excluded.failed_at, body = excluded.body`, s.deadLetters))
	if _, err := tx.ExecContext(ctx, query, id, messageType, errorText(cause), time.Now().UTC().UnixNano(), body); err != nil {
		return &contracts.StoreError{Op: "move to dead letters", EnvelopeID: id, Err: err}
	}
	return nil
}

// undecodable is a claimed row whose body no longer deserializes
type undecodable struct {
	id          string
	messageType string
	body        []byte
	err         error
}

// quarantine moves undecodable rows out of table into the dead letters, inside
// the claim's transaction, keeping the raw body.
func (s *sqlStore) quarantine(ctx context.Context, tx *sql.Tx, table string, rows []undecodable) error {
	for _, row := range rows {
		s.logger.Error("moving undecodable envelope to dead letters",
			zap.String("envelopeId", row.id),
			zap.String("table", table),
			zap.Error(row.err))

		query := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table))
		if _, err := tx.ExecContext(ctx, query, row.id); err != nil {
			return &contracts.StoreError{Op: "quarantine", EnvelopeID: row.id, Err: err}
		}
		if err := s.insertDeadLetter(ctx, tx, row.id, row.messageType, row.err, row.body); err != nil {
			return err
		}
	}
	return nil
}

// claimIncomingRows runs an incoming UPDATE ... RETURNING query and quarantines
// what it cannot decode
func (s *sqlStore) claimIncomingRows(ctx context.Context, tx *sql.Tx, op, query string, args ...any) ([]*contracts.Envelope, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &contracts.StoreError{Op: op, Err: err}
	}
	envelopes, bad, err := scanIncoming(rows)
	if err != nil {
		return nil, err
	}
	if err := s.quarantine(ctx, tx, s.incoming, bad); err != nil {
		return nil, err
	}
	return envelopes, nil
}

func (s *sqlStore) claimOutgoingRows(ctx context.Context, tx *sql.Tx, op, query string, args ...any) ([]*contracts.Envelope, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &contracts.StoreError{Op: op, Err: err}
	}
	envelopes, bad, err := scanOutgoing(rows)
	if err != nil {
		return nil, err
	}
	if err := s.quarantine(ctx, tx, s.outgoing, bad); err != nil {
		return nil, err
	}
	return envelopes, nil
}

// claimScheduled runs inside the caller's transaction once the advisory lock is held
func (s *sqlStore) claimScheduled(ctx context.Context, tx *sql.Tx, nodeID string, now time.Time) ([]*contracts.Envelope, error) {
	query := s.dialect.rebind(fmt.Sprintf(`UPDATE %s SET status = ?, owner_id = ?, execution_time = NULL
WHERE status = ? AND execution_time <= ?
RETURNING %s`, s.incoming, incomingColumns))

	return s.claimIncomingRows(ctx, tx, "claim scheduled", query, string(contracts.StatusIncoming), nodeID,
		string(contracts.StatusScheduled), now.UTC().UnixNano())
}

func (s *sqlStore) ReassignOrphans(ctx context.Context, deadNodes []string) ([]*contracts.Envelope, error) {
	if len(deadNodes) == 0 {
		return nil, nil
	}
	clause, args := s.dialect.anyOf("owner_id", deadNodes)

	var orphans []*contracts.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query := s.dialect.rebind(fmt.Sprintf(`UPDATE %s SET owner_id = '' WHERE %s
RETURNING %s`, s.incoming, clause, incomingColumns))
		incoming, err := s.claimIncomingRows(ctx, tx, "reassign incoming", query, args...)
		if err != nil {
			return err
		}

		query = s.dialect.rebind(fmt.Sprintf(`UPDATE %s SET owner_id = '' WHERE %s
RETURNING %s`, s.outgoing, clause, outgoingColumns))
		outgoing, err := s.claimOutgoingRows(ctx, tx, "reassign outgoing", query, args...)
		if err != nil {
			return err
		}

		orphans = append(incoming, outgoing...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(orphans) > 0 {
		s.logger.Info("reassigned orphaned envelopes",
			zap.Strings("deadNodes", deadNodes),
			zap.Int("count", len(orphans)))
	}
	return orphans, nil
}

func (s *sqlStore) ClaimIncoming(ctx context.Context, nodeID string, limit int) ([]*contracts.Envelope, error) {
	query := s.dialect.rebind(fmt.Sprintf(`UPDATE %[1]s SET owner_id = ?
WHERE id IN (SELECT id FROM %[1]s WHERE owner_id = '' AND status = ? ORDER BY id LIMIT ?%[2]s)
RETURNING %[3]s`, s.incoming, s.dialect.skipLocked(), incomingColumns))

	var claimed []*contracts.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		claimed, err = s.claimIncomingRows(ctx, tx, "claim incoming", query, nodeID, string(contracts.StatusIncoming), claimLimit(limit))
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *sqlStore) ClaimOutgoing(ctx context.Context, nodeID string, limit int) ([]*contracts.Envelope, error) {
	query := s.dialect.rebind(fmt.Sprintf(`UPDATE %[1]s SET owner_id = ?
WHERE id IN (SELECT id FROM %[1]s WHERE owner_id = '' ORDER BY id LIMIT ?%[2]s)
RETURNING %[3]s`, s.outgoing, s.dialect.skipLocked(), outgoingColumns))

	var claimed []*contracts.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		claimed, err = s.claimOutgoingRows(ctx, tx, "claim outgoing", query, nodeID, claimLimit(limit))
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *sqlStore) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	query := fmt.Sprintf("SELECT id, message_type, body, error, failed_at FROM %s ORDER BY failed_at, id", s.deadLetters)
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, &contracts.StoreError{Op: "list dead letters", Err: err}
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var (
			id          string
			messageType string
			body        []byte
			reason      string
			failedAt    int64
		)
		if err := rows.Scan(&id, &messageType, &body, &reason, &failedAt); err != nil {
			return nil, &contracts.StoreError{Op: "list dead letters", Err: err}
		}
		env, err := serialization.DeserializeOne(body)
		if err != nil {
			// quarantined rows keep the body they could not be decoded from
			env = &contracts.Envelope{ID: id, MessageType: messageType, Data: body}
		}
		letters = append(letters, DeadLetter{Envelope: env, Error: reason, FailedAt: time.Unix(0, failedAt).UTC()})
	}
	return letters, rows.Err()
}

func (s *sqlStore) Counts(ctx context.Context) (Counts, error) {
	var counts Counts

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", s.incoming))
	if err != nil {
		return counts, &contracts.StoreError{Op: "count incoming", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, &contracts.StoreError{Op: "count incoming", Err: err}
		}
		if contracts.EnvelopeStatus(status) == contracts.StatusScheduled {
			counts.Scheduled += n
		} else {
			counts.Incoming += n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.outgoing)).Scan(&counts.Outgoing); err != nil {
		return counts, &contracts.StoreError{Op: "count outgoing", Err: err}
	}
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.deadLetters)).Scan(&counts.DeadLetters); err != nil {
		return counts, &contracts.StoreError{Op: "count dead letters", Err: err}
	}
	return counts, nil
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.StoreError{Op: "begin transaction", Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &contracts.StoreError{Op: "commit transaction", Err: err}
	}
	return nil
}

const (
	incomingColumns = "id, message_type, body, status, owner_id, attempts, execution_time"
	outgoingColumns = "id, body, owner_id, attempts"
)

// scanIncoming reads incomingColumns rows. Column values win over the copy
// held in the body. Rows whose body cannot be decoded are returned apart.
func scanIncoming(rows *sql.Rows) ([]*contracts.Envelope, []undecodable, error) {
	defer rows.Close()

	var (
		envelopes []*contracts.Envelope
		bad       []undecodable
	)
	for rows.Next() {
		var (
			id          string
			messageType string
			body        []byte
			status      string
			owner       string
			attempts    int
			exec        sql.NullInt64
		)
		if err := rows.Scan(&id, &messageType, &body, &status, &owner, &attempts, &exec); err != nil {
			return nil, nil, &contracts.StoreError{Op: "scan incoming", Err: err}
		}
		env, err := serialization.DeserializeOne(body)
		if err != nil {
			bad = append(bad, undecodable{id: id, messageType: messageType, body: body, err: err})
			continue
		}
		env.Status = contracts.EnvelopeStatus(status)
		env.OwnerID = owner
		env.Attempts = attempts
		env.ExecutionTime = fromNanos(exec)
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	sortEnvelopes(envelopes)
	return envelopes, bad, nil
}

func scanOutgoing(rows *sql.Rows) ([]*contracts.Envelope, []undecodable, error) {
	defer rows.Close()

	var (
		envelopes []*contracts.Envelope
		bad       []undecodable
	)
	for rows.Next() {
		var (
			id       string
			body     []byte
			owner    string
			attempts int
		)
		if err := rows.Scan(&id, &body, &owner, &attempts); err != nil {
			return nil, nil, &contracts.StoreError{Op: "scan outgoing", Err: err}
		}
		env, err := serialization.DeserializeOne(body)
		if err != nil {
			bad = append(bad, undecodable{id: id, body: body, err: err})
			continue
		}
		env.Status = contracts.StatusOutgoing
		env.OwnerID = owner
		env.Attempts = attempts
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	sortEnvelopes(envelopes)
	return envelopes, bad, nil
}

func sortEnvelopes(envelopes []*contracts.Envelope) {
	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].ID < envelopes[j].ID })
}

func toNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
