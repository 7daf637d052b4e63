package idempotency

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateKey is returned by Backend.Insert when the key exists.
	// The guard recovers from it by re-reading; callers never see it.
	ErrDuplicateKey = errors.New("idempotency key already exists")

	// ErrRecordNotFound is returned by Backend.Load for a missing key.
	ErrRecordNotFound = errors.New("idempotency record not found")

	// ErrClaimLost is returned when an attempt's record was reclaimed by
	// another caller before the attempt finished.
	ErrClaimLost = errors.New("idempotency claim lost")

	// ErrInFlight matches every InFlightError.
	ErrInFlight = errors.New("idempotent operation in flight")

	// ErrRequestMismatch is returned when a key is reused with a different
	// request payload.
	ErrRequestMismatch = errors.New("idempotency key reused with a different request")

	// ErrInvalidKey is returned for an empty or oversized scope or key.
	ErrInvalidKey = errors.New("invalid idempotency key")
)

// InFlightError reports a key held by another attempt that is neither
// finished nor stale.
type InFlightError struct {
	Scope    string
	Key      string
	LockedAt time.Time
}

// Error implements the error interface.
func (e *InFlightError) Error() string {
	return fmt.Sprintf("idempotent operation %s/%s in flight since %s",
		e.Scope, e.Key, e.LockedAt.Format(time.RFC3339Nano))
}

// Is matches ErrInFlight.
func (e *InFlightError) Is(target error) bool {
	return target == ErrInFlight
}

// IsRetryable reports whether err is a transient conflict the caller may
// retry later with the same key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInFlight) || errors.Is(err, ErrClaimLost)
}

// opFailure carries the operation's own error through WithinTx so the guard
// can tell it apart from storage errors.
type opFailure struct {
	err error
}

func (f *opFailure) Error() string { return f.err.Error() }
func (f *opFailure) Unwrap() error { return f.err }

// errorCode names the dynamic type of err for the error_code column.
func errorCode(err error) string {
	return fmt.Sprintf("%T", err)
}
