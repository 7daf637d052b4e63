// Package pgstore is a PostgreSQL backend for the idempotency guard.
//
// It implements idempotency.Backend[pgx.Tx] with the same contract as the
// SQLite store: the primary key on (scope, key) makes creation race-free,
// claims are compare-and-set on (state, locked_at), and the success marker
// commits in the operation's own transaction.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/decisioning/internal/idempotency"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

var _ idempotency.Backend[pgx.Tx] = (*Store)(nil)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists idempotency records in PostgreSQL.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection.
func New(db DB) *Store {
	return &Store{db: db}
}

// Close releases the pool when the store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the table and indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.db, fn)
}

// Insert creates a PENDING record.
func (s *Store) Insert(ctx context.Context, rec idempotency.Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_records
		(scope, key, state, request_hash, attempts, created_at, updated_at, locked_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.Scope,
		rec.Key,
		string(rec.State),
		rec.RequestHash,
		rec.Attempts,
		toNanos(rec.CreatedAt),
		toNanos(rec.UpdatedAt),
		toNanos(rec.LockedAt),
		nullableNanos(rec.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", idempotency.ErrDuplicateKey, rec.Scope, rec.Key)
		}
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

// Load returns the record for (scope, key).
func (s *Store) Load(ctx context.Context, scope, key string) (idempotency.Record, error) {
	var (
		rec                      idempotency.Record
		state                    string
		result                   *string
		created, updated, locked int64
		expires                  *int64
	)
	err := s.db.QueryRow(ctx, `
		SELECT scope, key, state, request_hash, result, error_code, error_message,
		       attempts, created_at, updated_at, locked_at, expires_at
		FROM idempotency_records
		WHERE scope = $1 AND key = $2
	`, scope, key).Scan(
		&rec.Scope,
		&rec.Key,
		&state,
		&rec.RequestHash,
		&result,
		&rec.ErrorCode,
		&rec.ErrorMessage,
		&rec.Attempts,
		&created,
		&updated,
		&locked,
		&expires,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return idempotency.Record{}, fmt.Errorf("%w: %s/%s", idempotency.ErrRecordNotFound, scope, key)
	}
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("load idempotency record: %w", err)
	}

	rec.State = idempotency.State(state)
	if !rec.State.Valid() {
		return idempotency.Record{}, fmt.Errorf("record %s/%s: unknown state %q", scope, key, state)
	}
	if result != nil {
		rec.Result = []byte(*result)
	}
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	rec.LockedAt = fromNanos(locked)
	if expires != nil {
		t := fromNanos(*expires)
		rec.ExpiresAt = &t
	}
	return rec, nil
}

// Reclaim moves a FAILED or stale PENDING record back to PENDING if it is
// still in the observed state.
func (s *Store) Reclaim(ctx context.Context, observed idempotency.Record, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE idempotency_records
		SET state = 'PENDING',
		    locked_at = $1,
		    updated_at = $1,
		    attempts = attempts + 1,
		    error_code = '',
		    error_message = '',
		    result = NULL
		WHERE scope = $2 AND key = $3 AND state = $4 AND locked_at = $5
	`,
		toNanos(now),
		observed.Scope,
		observed.Key,
		string(observed.State),
		toNanos(observed.LockedAt),
	)
	if err != nil {
		return false, fmt.Errorf("reclaim idempotency record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSucceeded stores the result inside tx.
func (s *Store) MarkSucceeded(ctx context.Context, tx pgx.Tx, c idempotency.Claim, result []byte, now time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE idempotency_records
		SET state = 'SUCCEEDED', result = $1, updated_at = $2
		WHERE scope = $3 AND key = $4 AND state = 'PENDING' AND locked_at = $5
	`,
		string(result),
		toNanos(now),
		c.Scope,
		c.Key,
		toNanos(c.LockedAt),
	)
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	return claimHeld(tag, c)
}

// MarkFailed records the failure in its own commit.
func (s *Store) MarkFailed(ctx context.Context, c idempotency.Claim, code, message string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE idempotency_records
		SET state = 'FAILED', error_code = $1, error_message = $2, updated_at = $3
		WHERE scope = $4 AND key = $5 AND state = 'PENDING' AND locked_at = $6
	`,
		code,
		message,
		toNanos(now),
		c.Scope,
		c.Key,
		toNanos(c.LockedAt),
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return claimHeld(tag, c)
}

// Cleanup deletes records created before now-OlderThan or already expired.
// PENDING records are kept unless IncludePending is set.
func (s *Store) Cleanup(ctx context.Context, opts idempotency.CleanupOptions, now time.Time) (int64, error) {
	where := `
		WHERE (($1 AND created_at < $2) OR (expires_at IS NOT NULL AND expires_at < $3))
		  AND ($4 OR state <> 'PENDING')
	`
	args := []any{
		opts.OlderThan > 0,
		toNanos(now.Add(-opts.OlderThan)),
		toNanos(now),
		opts.IncludePending,
	}

	if opts.DryRun {
		var n int64
		if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM idempotency_records`+where, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("count idempotency records: %w", err)
		}
		return n, nil
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_records`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func claimHeld(tag pgconn.CommandTag, c idempotency.Claim) error {
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s/%s attempt %d", idempotency.ErrClaimLost, c.Scope, c.Key, c.Attempt)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := toNanos(*t)
	return &n
}
