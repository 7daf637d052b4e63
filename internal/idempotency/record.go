package idempotency

import (
	"fmt"
	"time"

	"github.com/roach88/decisioning/internal/ir"
)

// Limits on identifier length, matching the column widths of the schema.
const (
	MaxScopeLen = 100
	MaxKeyLen   = 255
)

// State is the lifecycle state of a Record.
type State string

const (
	// StatePending means an attempt has claimed the key and not yet finished.
	StatePending State = "PENDING"

	// StateSucceeded is terminal. The record only replays from here.
	StateSucceeded State = "SUCCEEDED"

	// StateFailed means the last attempt failed. The key may be retried.
	StateFailed State = "FAILED"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateSucceeded, StateFailed:
		return true
	}
	return false
}

// Record is the persisted state of one (scope, key).
type Record struct {
	Scope       string
	Key         string
	State       State
	RequestHash string

	// Result is canonical JSON, set only when State is SUCCEEDED.
	Result []byte

	// ErrorCode and ErrorMessage are set only when State is FAILED.
	ErrorCode    string
	ErrorMessage string

	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time

	// LockedAt is when the current or most recent attempt claimed the key.
	LockedAt time.Time

	// ExpiresAt is when cleanup may delete the record. Nil means never by TTL.
	ExpiresAt *time.Time
}

// ResultObject decodes the stored result.
func (r Record) ResultObject() (ir.Object, error) {
	if r.State != StateSucceeded {
		return nil, fmt.Errorf("record %s/%s has no result in state %s", r.Scope, r.Key, r.State)
	}
	return ir.ParseObject(r.Result)
}

// Claim identifies one attempt that owns a PENDING record. Backends use
// LockedAt to refuse writes from an attempt whose record was reclaimed.
type Claim struct {
	Scope    string
	Key      string
	LockedAt time.Time
	Attempt  int
}

// CleanupOptions selects records for deletion.
type CleanupOptions struct {
	// OlderThan deletes records created before now minus this duration.
	// Zero disables the age rule; expired records are still deleted.
	OlderThan time.Duration

	// IncludePending also deletes PENDING records. They are kept by default
	// because an attempt may still be running.
	IncludePending bool

	// DryRun counts matching records without deleting them.
	DryRun bool
}

func validateKey(scope, key string) error {
	switch {
	case scope == "":
		return fmt.Errorf("%w: scope is empty", ErrInvalidKey)
	case key == "":
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	case len(scope) > MaxScopeLen:
		return fmt.Errorf("%w: scope longer than %d bytes", ErrInvalidKey, MaxScopeLen)
	case len(key) > MaxKeyLen:
		return fmt.Errorf("%w: key longer than %d bytes", ErrInvalidKey, MaxKeyLen)
	}
	return nil
}
