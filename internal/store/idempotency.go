package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/decisioning/internal/idempotency"
)

const recordColumns = `scope, key, state, request_hash, result, error_code, error_message,
	attempts, created_at, updated_at, locked_at, expires_at`

// Insert creates a PENDING record. A concurrent or earlier insert of the
// same (scope, key) yields idempotency.ErrDuplicateKey.
func (s *Store) Insert(ctx context.Context, rec idempotency.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records
		(scope, key, state, request_hash, attempts, created_at, updated_at, locked_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
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
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM idempotency_records
		WHERE scope = ? AND key = ?
	`, scope, key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, fmt.Errorf("%w: %s/%s", idempotency.ErrRecordNotFound, scope, key)
	}
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("load idempotency record: %w", err)
	}
	return rec, nil
}

// Reclaim moves a FAILED or stale PENDING record back to PENDING if it is
// still in the observed state.
func (s *Store) Reclaim(ctx context.Context, observed idempotency.Record, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET state = 'PENDING',
		    locked_at = ?,
		    updated_at = ?,
		    attempts = attempts + 1,
		    error_code = '',
		    error_message = '',
		    result = NULL
		WHERE scope = ? AND key = ? AND state = ? AND locked_at = ?
	`,
		toNanos(now),
		toNanos(now),
		observed.Scope,
		observed.Key,
		string(observed.State),
		toNanos(observed.LockedAt),
	)
	if err != nil {
		return false, fmt.Errorf("reclaim idempotency record: %w", err)
	}
	return singleRow(res)
}

// MarkSucceeded stores the result inside tx.
func (s *Store) MarkSucceeded(ctx context.Context, tx *sql.Tx, c idempotency.Claim, result []byte, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE idempotency_records
		SET state = 'SUCCEEDED', result = ?, updated_at = ?
		WHERE scope = ? AND key = ? AND state = 'PENDING' AND locked_at = ?
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
	return claimHeld(res, c)
}

// MarkFailed records the failure in its own commit.
func (s *Store) MarkFailed(ctx context.Context, c idempotency.Claim, code, message string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET state = 'FAILED', error_code = ?, error_message = ?, updated_at = ?
		WHERE scope = ? AND key = ? AND state = 'PENDING' AND locked_at = ?
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
	return claimHeld(res, c)
}

// Cleanup deletes records created before now-OlderThan or already expired.
// PENDING records are kept unless IncludePending is set.
func (s *Store) Cleanup(ctx context.Context, opts idempotency.CleanupOptions, now time.Time) (int64, error) {
	where := `
		WHERE ((? AND created_at < ?) OR (expires_at IS NOT NULL AND expires_at < ?))
		  AND (? OR state != 'PENDING')
	`
	args := []any{
		opts.OlderThan > 0,
		toNanos(now.Add(-opts.OlderThan)),
		toNanos(now),
		opts.IncludePending,
	}

	if opts.DryRun {
		var n int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_records`+where, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("count idempotency records: %w", err)
		}
		return n, nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records: %w", err)
	}
	return n, nil
}

// ListRecords returns records in a scope ordered by created_at, key.
// An empty scope lists every record.
func (s *Store) ListRecords(ctx context.Context, scope string, limit int) ([]idempotency.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM idempotency_records`
	var args []any
	if scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY created_at ASC, scope COLLATE BINARY ASC, key COLLATE BINARY ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query idempotency records: %w", err)
	}
	defer rows.Close()

	records := []idempotency.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idempotency record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idempotency records: %w", err)
	}
	return records, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (idempotency.Record, error) {
	var (
		rec                      idempotency.Record
		state                    string
		result                   sql.NullString
		created, updated, locked int64
		expires                  sql.NullInt64
	)
	err := row.Scan(
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
	if err != nil {
		return idempotency.Record{}, err
	}

	rec.State = idempotency.State(state)
	if !rec.State.Valid() {
		return idempotency.Record{}, fmt.Errorf("record %s/%s: unknown state %q", rec.Scope, rec.Key, state)
	}
	if result.Valid {
		rec.Result = []byte(result.String)
	}
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	rec.LockedAt = fromNanos(locked)
	rec.ExpiresAt = timePtr(expires)
	return rec, nil
}

func singleRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func claimHeld(res sql.Result, c idempotency.Claim) error {
	ok, err := singleRow(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s attempt %d", idempotency.ErrClaimLost, c.Scope, c.Key, c.Attempt)
	}
	return nil
}
