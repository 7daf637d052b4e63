package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/decisioning/internal/ir"
	"github.com/roach88/decisioning/internal/temporal"
)

// Defaults for Guard options.
const (
	DefaultStaleAfter   = 5 * time.Minute
	DefaultPollInterval = 50 * time.Millisecond

	// maxLostRaces bounds how often one call may lose a reclaim race or see
	// its key vanish before giving up.
	maxLostRaces = 8
)

// Outcome classifies how a call to Execute was served.
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeReplayed  Outcome = "replayed"
	OutcomeFailed    Outcome = "failed"
	OutcomeInFlight  Outcome = "in_flight"
	OutcomeReclaimed Outcome = "reclaimed"
	OutcomeMismatch  Outcome = "mismatch"
)

// Observer receives guard events. telemetry.Metrics implements it.
type Observer interface {
	ObserveOutcome(scope string, outcome Outcome)
	ObserveDuration(scope string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveOutcome(string, Outcome)        {}
func (nopObserver) ObserveDuration(string, time.Duration) {}

// Operation is the guarded work. Writes must go through tx so they commit
// atomically with the SUCCEEDED transition.
type Operation[T any] func(ctx context.Context, tx T) (ir.Object, error)

// Option configures a Guard.
type Option func(*settings)

type settings struct {
	staleAfter   time.Duration
	pendingWait  time.Duration
	pollInterval time.Duration
	keyTTL       time.Duration
	logger       *slog.Logger
	clock        temporal.Clock
	observer     Observer
}

// WithStaleAfter sets the age after which a PENDING record is treated as
// abandoned and reclaimed. Default: 5m.
func WithStaleAfter(d time.Duration) Option {
	return func(s *settings) { s.staleAfter = d }
}

// WithPendingWait sets how long a call waits for an in-flight attempt to
// finish before returning an InFlightError. Default: 0, reject immediately.
func WithPendingWait(d time.Duration) Option {
	return func(s *settings) { s.pendingWait = d }
}

// WithPollInterval sets how often a waiting call re-reads the record.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) { s.pollInterval = d }
}

// WithKeyTTL sets expires_at on new records. Zero leaves it unset.
func WithKeyTTL(d time.Duration) Option {
	return func(s *settings) { s.keyTTL = d }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithClock sets the clock used for record timestamps.
func WithClock(c temporal.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithObserver sets the receiver of outcome and duration events.
func WithObserver(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

// Guard enforces at-most-one-effect execution over a Backend.
// It is safe for concurrent use.
type Guard[T any] struct {
	backend Backend[T]
	settings
}

// NewGuard creates a Guard over backend.
func NewGuard[T any](backend Backend[T], opts ...Option) *Guard[T] {
	g := &Guard[T]{
		backend: backend,
		settings: settings{
			staleAfter:   DefaultStaleAfter,
			pollInterval: DefaultPollInterval,
			logger:       slog.Default(),
			clock:        temporal.SystemClock{},
			observer:     nopObserver{},
		},
	}
	for _, opt := range opts {
		opt(&g.settings)
	}
	if g.pollInterval <= 0 {
		g.pollInterval = DefaultPollInterval
	}
	return g
}

// Execute runs op at most once for (scope, key) and returns its result.
// A retry after success replays the stored result; a retry after failure
// runs op again. An error from op is returned unchanged.
func (g *Guard[T]) Execute(ctx context.Context, scope, key string, op Operation[T]) (ir.Object, error) {
	return g.execute(ctx, scope, key, "", op)
}

// ExecuteRequest is Execute with the key bound to request. Reusing the key
// with a different request returns ErrRequestMismatch.
func (g *Guard[T]) ExecuteRequest(ctx context.Context, scope, key string, request ir.Object, op Operation[T]) (ir.Object, error) {
	hash, err := ir.RequestHash(request)
	if err != nil {
		return nil, fmt.Errorf("idempotency %s/%s: %w", scope, key, err)
	}
	return g.execute(ctx, scope, key, hash, op)
}

// Lookup returns the stored record for (scope, key).
func (g *Guard[T]) Lookup(ctx context.Context, scope, key string) (Record, error) {
	if err := validateKey(scope, key); err != nil {
		return Record{}, err
	}
	return g.backend.Load(ctx, scope, key)
}

// Cleanup deletes old and expired records.
func (g *Guard[T]) Cleanup(ctx context.Context, opts CleanupOptions) (int64, error) {
	if opts.OlderThan < 0 {
		return 0, fmt.Errorf("cleanup: negative age %s", opts.OlderThan)
	}
	n, err := g.backend.Cleanup(ctx, opts, g.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	g.logger.Info("idempotency cleanup",
		"deleted", n,
		"older_than", opts.OlderThan,
		"include_pending", opts.IncludePending,
		"dry_run", opts.DryRun,
	)
	return n, nil
}

func (g *Guard[T]) execute(ctx context.Context, scope, key, requestHash string, op Operation[T]) (ir.Object, error) {
	if err := validateKey(scope, key); err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("idempotency %s/%s: nil operation", scope, key)
	}

	claim, existing, err := g.acquire(ctx, scope, key, requestHash)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		g.logger.Debug("idempotent replay", "scope", scope, "key", key)
		g.observer.ObserveOutcome(scope, OutcomeReplayed)
		result, err := existing.ResultObject()
		if err != nil {
			return nil, fmt.Errorf("idempotency %s/%s: decode stored result: %w", scope, key, err)
		}
		return result, nil
	}
	return g.run(ctx, *claim, op)
}

// acquire returns a claim when this call must run the operation, or the
// SUCCEEDED record to replay.
func (g *Guard[T]) acquire(ctx context.Context, scope, key, requestHash string) (*Claim, Record, error) {
	claim, err := g.insert(ctx, scope, key, requestHash)
	if err == nil {
		return claim, Record{}, nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return nil, Record{}, fmt.Errorf("idempotency %s/%s: %w", scope, key, err)
	}

	waitUntil := time.Now().Add(g.pendingWait)
	lost := 0
	for {
		if lost >= maxLostRaces {
			return nil, Record{}, fmt.Errorf("idempotency %s/%s: %w after %d races", scope, key, ErrClaimLost, lost)
		}

		rec, err := g.backend.Load(ctx, scope, key)
		if errors.Is(err, ErrRecordNotFound) {
			// Deleted by cleanup between our insert and load.
			lost++
			claim, err := g.insert(ctx, scope, key, requestHash)
			if err == nil {
				return claim, Record{}, nil
			}
			if !errors.Is(err, ErrDuplicateKey) {
				return nil, Record{}, fmt.Errorf("idempotency %s/%s: %w", scope, key, err)
			}
			continue
		}
		if err != nil {
			return nil, Record{}, fmt.Errorf("idempotency %s/%s: %w", scope, key, err)
		}

		if requestHash != "" && rec.RequestHash != "" && rec.RequestHash != requestHash {
			g.observer.ObserveOutcome(scope, OutcomeMismatch)
			return nil, Record{}, fmt.Errorf("%w: %s/%s", ErrRequestMismatch, scope, key)
		}

		switch rec.State {
		case StateSucceeded:
			return nil, rec, nil

		case StateFailed:
			claim, err := g.reclaim(ctx, rec)
			if err != nil {
				return nil, Record{}, err
			}
			if claim != nil {
				g.logger.Info("retrying failed idempotent operation",
					"scope", scope, "key", key, "attempt", claim.Attempt,
					"previous_error", rec.ErrorMessage)
				return claim, Record{}, nil
			}
			lost++

		case StatePending:
			age := g.clock.Now().Sub(rec.LockedAt)
			if age >= g.staleAfter {
				claim, err := g.reclaim(ctx, rec)
				if err != nil {
					return nil, Record{}, err
				}
				if claim != nil {
					g.logger.Warn("reclaimed stale pending idempotency record",
						"scope", scope, "key", key, "age", age, "attempt", claim.Attempt)
					g.observer.ObserveOutcome(scope, OutcomeReclaimed)
					return claim, Record{}, nil
				}
				lost++
				continue
			}

			remaining := time.Until(waitUntil)
			if remaining <= 0 {
				g.observer.ObserveOutcome(scope, OutcomeInFlight)
				return nil, Record{}, &InFlightError{Scope: scope, Key: key, LockedAt: rec.LockedAt}
			}
			if err := sleep(ctx, min(g.pollInterval, remaining)); err != nil {
				return nil, Record{}, err
			}

		default:
			return nil, Record{}, fmt.Errorf("idempotency %s/%s: unknown state %q", scope, key, rec.State)
		}
	}
}

func (g *Guard[T]) insert(ctx context.Context, scope, key, requestHash string) (*Claim, error) {
	now := g.clock.Now()
	rec := Record{
		Scope:       scope,
		Key:         key,
		State:       StatePending,
		RequestHash: requestHash,
		Attempts:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
		LockedAt:    now,
	}
	if g.keyTTL > 0 {
		exp := now.Add(g.keyTTL)
		rec.ExpiresAt = &exp
	}
	if err := g.backend.Insert(ctx, rec); err != nil {
		return nil, err
	}
	return &Claim{Scope: scope, Key: key, LockedAt: now, Attempt: 1}, nil
}

// reclaim returns nil, nil when another caller won the race.
func (g *Guard[T]) reclaim(ctx context.Context, observed Record) (*Claim, error) {
	now := g.clock.Now()
	won, err := g.backend.Reclaim(ctx, observed, now)
	if err != nil {
		return nil, fmt.Errorf("idempotency %s/%s: reclaim: %w", observed.Scope, observed.Key, err)
	}
	if !won {
		return nil, nil
	}
	return &Claim{
		Scope:    observed.Scope,
		Key:      observed.Key,
		LockedAt: now,
		Attempt:  observed.Attempts + 1,
	}, nil
}

func (g *Guard[T]) run(ctx context.Context, c Claim, op Operation[T]) (ir.Object, error) {
	start := time.Now()
	defer func() { g.observer.ObserveDuration(c.Scope, time.Since(start)) }()

	var stored []byte
	err := g.backend.WithinTx(ctx, func(tx T) error {
		out, err := op(ctx, tx)
		if err != nil {
			return &opFailure{err: err}
		}
		canonical, err := ir.CanonicalObject(out)
		if err != nil {
			return &opFailure{err: fmt.Errorf("result is not serializable: %w", err)}
		}
		if err := g.backend.MarkSucceeded(ctx, tx, c, canonical, g.clock.Now()); err != nil {
			return err
		}
		stored = canonical
		return nil
	})

	if err == nil {
		g.logger.Debug("idempotent operation succeeded",
			"scope", c.Scope, "key", c.Key, "attempt", c.Attempt)
		g.observer.ObserveOutcome(c.Scope, OutcomeExecuted)
		result, err := ir.ParseObject(stored)
		if err != nil {
			return nil, fmt.Errorf("idempotency %s/%s: decode result: %w", c.Scope, c.Key, err)
		}
		return result, nil
	}

	if errors.Is(err, ErrClaimLost) {
		g.logger.Warn("idempotency claim lost before commit",
			"scope", c.Scope, "key", c.Key, "attempt", c.Attempt)
		return nil, fmt.Errorf("idempotency %s/%s: %w", c.Scope, c.Key, err)
	}

	// The operation's error goes back unchanged; storage errors are wrapped.
	cause := err
	var failure *opFailure
	if errors.As(err, &failure) {
		cause = failure.err
		err = failure.err
	} else {
		err = fmt.Errorf("idempotency %s/%s: %w", c.Scope, c.Key, err)
	}

	g.observer.ObserveOutcome(c.Scope, OutcomeFailed)
	g.logger.Info("idempotent operation failed",
		"scope", c.Scope, "key", c.Key, "attempt", c.Attempt, "error", cause)

	// The caller's context may already be cancelled; the failure must still
	// be recorded.
	markCtx := context.WithoutCancel(ctx)
	if markErr := g.backend.MarkFailed(markCtx, c, truncate(errorCode(cause), 100), cause.Error(), g.clock.Now()); markErr != nil {
		g.logger.Error("recording idempotency failure",
			"scope", c.Scope, "key", c.Key, "error", markErr)
	}
	return nil, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
