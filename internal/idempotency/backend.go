package idempotency

import (
	"context"
	"time"
)

// Backend persists idempotency records. T is the backend's transaction
// type, handed to operations so their writes commit with the result.
//
// Implementations must provide a race-free create-if-absent on
// (scope, key); a read-then-write check is not sufficient.
type Backend[T any] interface {
	// Insert creates rec. It returns an error matching ErrDuplicateKey when
	// (scope, key) already exists.
	Insert(ctx context.Context, rec Record) error

	// Load returns the record for (scope, key), or an error matching
	// ErrRecordNotFound.
	Load(ctx context.Context, scope, key string) (Record, error)

	// Reclaim moves a FAILED or PENDING record back to PENDING with
	// locked_at = now, but only if its state and locked_at still equal
	// those of observed. It reports whether this caller won.
	Reclaim(ctx context.Context, observed Record, now time.Time) (bool, error)

	// WithinTx runs fn in a transaction, committing when fn returns nil.
	// The error from fn is returned unchanged.
	WithinTx(ctx context.Context, fn func(tx T) error) error

	// MarkSucceeded stores result and sets SUCCEEDED inside tx. It returns
	// ErrClaimLost when the record no longer belongs to c.
	MarkSucceeded(ctx context.Context, tx T, c Claim, result []byte, now time.Time) error

	// MarkFailed sets FAILED in its own commit. It returns ErrClaimLost when
	// the record no longer belongs to c.
	MarkFailed(ctx context.Context, c Claim, code, message string, now time.Time) error

	// Cleanup deletes records selected by opts and returns how many were
	// (or, for a dry run, would be) deleted.
	Cleanup(ctx context.Context, opts CleanupOptions, now time.Time) (int64, error)
}
