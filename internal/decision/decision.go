package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/decisioning/internal/ir"
	"github.com/roach88/decisioning/internal/target"
	"github.com/roach88/decisioning/internal/temporal"
)

// MaxActionLen is the longest accepted action name.
const MaxActionLen = 50

// Status is the lifecycle state of a decision.
type Status string

const (
	StatusOpen  Status = "OPEN"
	StatusFinal Status = "FINAL"
)

// Decision is one ledger entry.
type Decision struct {
	ID string `json:"id"`
	temporal.Fields

	// Actor identifies who decided. OnBehalfOf is empty unless the actor
	// exercised delegated authority.
	Actor      string `json:"actor"`
	OnBehalfOf string `json:"on_behalf_of,omitempty"`

	Target target.Ref `json:"target"`
	Action string     `json:"action"`

	Snapshot         ir.Object `json:"snapshot"`
	AuthorityContext ir.Object `json:"authority_context"`
	SnapshotHash     string    `json:"snapshot_hash"`

	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	Outcome     ir.Object  `json:"outcome,omitempty"`
}

// IsFinal reports whether the decision has been finalized.
func (d Decision) IsFinal() bool {
	return d.FinalizedAt != nil
}

// Status returns OPEN or FINAL.
func (d Decision) Status() Status {
	if d.IsFinal() {
		return StatusFinal
	}
	return StatusOpen
}

// Delegated reports whether the actor decided on someone else's behalf.
func (d Decision) Delegated() bool {
	return d.OnBehalfOf != ""
}

// Params describes a decision to record.
type Params struct {
	Actor            string
	OnBehalfOf       string
	Target           target.Ref
	Action           string
	Snapshot         ir.Object
	AuthorityContext ir.Object

	// EffectiveAt backdates the decision. Zero means now.
	EffectiveAt time.Time
}

func (p Params) validate() error {
	switch {
	case p.Actor == "":
		return fmt.Errorf("%w: actor is required", ErrInvalid)
	case p.Action == "":
		return fmt.Errorf("%w: action is required", ErrInvalid)
	case len(p.Action) > MaxActionLen:
		return fmt.Errorf("%w: action longer than %d bytes", ErrInvalid, MaxActionLen)
	case p.Snapshot == nil:
		return fmt.Errorf("%w: snapshot is required", ErrInvalid)
	}
	if err := p.Target.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Filter selects decisions for List. Zero fields match everything.
type Filter struct {
	// AsOf keeps decisions with EffectiveAt <= AsOf.
	AsOf       *time.Time
	Action     string
	Actor      string
	OnBehalfOf string
	Target     *target.Ref
	FinalOnly  bool

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Repository persists decisions. store.Store implements it.
type Repository interface {
	InsertDecision(ctx context.Context, d Decision) error

	// GetDecision returns an error matching ErrNotFound for an unknown id.
	GetDecision(ctx context.Context, id string) (Decision, error)

	// FinalizeDecision sets finalized_at and outcome only if the decision is
	// still open. It returns ErrAlreadyFinal or ErrNotFound otherwise.
	FinalizeDecision(ctx context.Context, id string, outcome ir.Object, at time.Time) error

	// ListDecisions returns matches ordered by effective_at, recorded_at, id.
	ListDecisions(ctx context.Context, f Filter) ([]Decision, error)
}

// IDGenerator supplies decision IDs.
// Implemented by UUIDv7Generator (production) and testutil generators.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 IDs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
