package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/decisioning/internal/ir"
	"github.com/roach88/decisioning/internal/target"
	"github.com/roach88/decisioning/internal/temporal"
)

// Event names reported to an Observer.
const (
	EventRecorded  = "recorded"
	EventFinalized = "finalized"
	EventTampered  = "tampered"
)

// Observer receives ledger events. telemetry.Metrics implements it.
type Observer interface {
	ObserveDecision(action, event string)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(string, string) {}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTargets sets the registry used by ResolveTarget.
func WithTargets(r *target.Registry) Option {
	return func(l *Ledger) { l.targets = r }
}

// WithClock sets the clock used for recorded_at and finalized_at.
func WithClock(c temporal.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithIDGenerator sets the decision ID source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(l *Ledger) { l.ids = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) { l.logger = lg }
}

// WithObserver sets the receiver of ledger events.
func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

// Ledger records and finalizes decisions. It is safe for concurrent use.
type Ledger struct {
	repo     Repository
	targets  *target.Registry
	clock    temporal.Clock
	ids      IDGenerator
	logger   *slog.Logger
	observer Observer
}

// NewLedger creates a Ledger over repo.
func NewLedger(repo Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:     repo,
		targets:  target.NewRegistry(),
		clock:    temporal.SystemClock{},
		ids:      UUIDv7Generator{},
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithRepository returns a copy of l that persists through repo, keeping
// every other setting. Use it with a transaction-bound repository to
// record a decision inside an idempotent operation.
func (l *Ledger) WithRepository(repo Repository) *Ledger {
	c := *l
	c.repo = repo
	return &c
}

// Record appends a decision. Snapshot and authority context are deep
// copied, so later changes to the caller's objects never reach the ledger.
func (l *Ledger) Record(ctx context.Context, p Params) (Decision, error) {
	if err := p.validate(); err != nil {
		return Decision{}, err
	}

	snapshot := p.Snapshot.Clone()
	hash, err := ir.SnapshotHash(snapshot)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	authority := p.AuthorityContext.Clone()
	if _, err := ir.CanonicalObject(authority); err != nil {
		return Decision{}, fmt.Errorf("%w: authority context: %v", ErrInvalid, err)
	}

	d := Decision{
		ID:               l.ids.Generate(),
		Fields:           temporal.Stamp(p.EffectiveAt, l.clock.Now()),
		Actor:            p.Actor,
		OnBehalfOf:       p.OnBehalfOf,
		Target:           p.Target,
		Action:           p.Action,
		Snapshot:         snapshot,
		AuthorityContext: authority,
		SnapshotHash:     hash,
	}
	if err := l.repo.InsertDecision(ctx, d); err != nil {
		return Decision{}, fmt.Errorf("record decision: %w", err)
	}

	l.logger.Info("decision recorded",
		"id", d.ID,
		"action", d.Action,
		"actor", d.Actor,
		"on_behalf_of", d.OnBehalfOf,
		"target", d.Target.String(),
		"backdated", d.Backdated(),
	)
	l.observer.ObserveDecision(d.Action, EventRecorded)

	// The caller gets its own copy; the stored snapshot stays frozen even
	// if the returned value is edited.
	d.Snapshot = d.Snapshot.Clone()
	d.AuthorityContext = d.AuthorityContext.Clone()
	return d, nil
}

// RecordFor is Record with the target taken from entity.
func (l *Ledger) RecordFor(ctx context.Context, entity target.Identifiable, p Params) (Decision, error) {
	p.Target = target.FromInstance(entity)
	return l.Record(ctx, p)
}

// Finalize moves an OPEN decision to FINAL with the given outcome. A second
// call returns ErrAlreadyFinal and leaves the first outcome in place.
func (l *Ledger) Finalize(ctx context.Context, id string, outcome ir.Object) (Decision, error) {
	outcome = outcome.Clone()
	if _, err := ir.CanonicalObject(outcome); err != nil {
		return Decision{}, fmt.Errorf("%w: outcome: %v", ErrInvalid, err)
	}

	at := l.clock.Now()
	if err := l.repo.FinalizeDecision(ctx, id, outcome, at); err != nil {
		return Decision{}, fmt.Errorf("finalize %s: %w", id, err)
	}

	d, err := l.repo.GetDecision(ctx, id)
	if err != nil {
		return Decision{}, fmt.Errorf("finalize %s: reload: %w", id, err)
	}
	l.logger.Info("decision finalized", "id", id, "action", d.Action)
	l.observer.ObserveDecision(d.Action, EventFinalized)
	return d, nil
}

// Get returns one decision.
func (l *Ledger) Get(ctx context.Context, id string) (Decision, error) {
	d, err := l.repo.GetDecision(ctx, id)
	if err != nil {
		return Decision{}, fmt.Errorf("get decision %s: %w", id, err)
	}
	return d, nil
}

// List returns decisions matching f, ordered by effective_at, recorded_at
// and id.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Decision, error) {
	if f.Limit < 0 {
		return nil, fmt.Errorf("list decisions: negative limit %d", f.Limit)
	}
	if f.Target != nil {
		if err := f.Target.Validate(); err != nil {
			return nil, fmt.Errorf("list decisions: %w", err)
		}
	}
	out, err := l.repo.ListDecisions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return out, nil
}

// Verify recomputes the snapshot hash of one decision. It returns a
// TamperedError when the stored snapshot no longer matches.
func (l *Ledger) Verify(ctx context.Context, id string) error {
	d, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	return l.verify(d)
}

// VerifyAll checks every decision matching f and returns the tampered ones.
func (l *Ledger) VerifyAll(ctx context.Context, f Filter) (checked int, tampered []*TamperedError, err error) {
	all, err := l.List(ctx, f)
	if err != nil {
		return 0, nil, err
	}
	for _, d := range all {
		var te *TamperedError
		if err := l.verify(d); errors.As(err, &te) {
			tampered = append(tampered, te)
		} else if err != nil {
			return checked, tampered, err
		}
		checked++
	}
	return checked, tampered, nil
}

func (l *Ledger) verify(d Decision) error {
	computed, err := ir.SnapshotHash(d.Snapshot)
	if err != nil {
		return fmt.Errorf("verify %s: %w", d.ID, err)
	}
	if computed != d.SnapshotHash {
		l.logger.Warn("decision snapshot tampered",
			"id", d.ID, "stored", d.SnapshotHash, "computed", computed)
		l.observer.ObserveDecision(d.Action, EventTampered)
		return &TamperedError{ID: d.ID, Stored: d.SnapshotHash, Computed: computed}
	}
	return nil
}

// ResolveTarget looks up the live entity a decision refers to. The entity
// may have changed or vanished since the decision; the snapshot is the
// record of what was decided.
func (l *Ledger) ResolveTarget(ctx context.Context, d Decision) (any, error) {
	return l.targets.Resolve(ctx, d.Target)
}
