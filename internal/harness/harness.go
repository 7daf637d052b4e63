package harness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/decisioning/internal/decision"
	"github.com/roach88/decisioning/internal/idempotency"
	"github.com/roach88/decisioning/internal/ir"
	"github.com/roach88/decisioning/internal/store"
	"github.com/roach88/decisioning/internal/target"
	"github.com/roach88/decisioning/internal/testutil"
)

// Harness holds the components a scenario drives.
type Harness struct {
	store    *store.Store
	guard    *idempotency.Guard[*sql.Tx]
	ledger   *decision.Ledger
	clock    *testutil.Clock
	outcomes *outcomeRecorder
}

// outcomeRecorder keeps the last outcome the guard reported.
type outcomeRecorder struct {
	last idempotency.Outcome
}

func (r *outcomeRecorder) ObserveOutcome(_ string, o idempotency.Outcome) { r.last = o }
func (r *outcomeRecorder) ObserveDuration(string, time.Duration)          {}

// guardObservers fans guard events out to several observers.
type guardObservers []idempotency.Observer

func (g guardObservers) ObserveOutcome(scope string, o idempotency.Outcome) {
	for _, obs := range g {
		obs.ObserveOutcome(scope, o)
	}
}

func (g guardObservers) ObserveDuration(scope string, d time.Duration) {
	for _, obs := range g {
		obs.ObserveDuration(scope, d)
	}
}

// Observer receives the guard and ledger events of a run.
// telemetry.Metrics implements it.
type Observer interface {
	idempotency.Observer
	decision.Observer
}

// RunOption configures Run.
type RunOption func(*runConfig)

type runConfig struct {
	observer Observer
}

// WithObserver reports every guard outcome and ledger event of the run to o.
func WithObserver(o Observer) RunOption {
	return func(c *runConfig) { c.observer = o }
}

// Run executes a scenario in a fresh in-memory store.
//
// A returned error means the scenario could not be executed at all;
// failed assertions are reported in Result.Errors.
func Run(scenario *Scenario, opts ...RunOption) (*Result, error) {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	if _, err := st.DB().Exec(`CREATE TABLE effects (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		key   TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("failed to create effects table: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewClock(testutil.Epoch)
	outcomes := &outcomeRecorder{}

	observers := guardObservers{outcomes}
	ledgerOpts := []decision.Option{
		decision.WithClock(clock),
		decision.WithIDGenerator(testutil.NewSequentialIDs("dec")),
		decision.WithLogger(logger),
	}
	if cfg.observer != nil {
		observers = append(observers, cfg.observer)
		ledgerOpts = append(ledgerOpts, decision.WithObserver(cfg.observer))
	}

	h := &Harness{
		store: st,
		guard: idempotency.NewGuard[*sql.Tx](st,
			idempotency.WithClock(clock),
			idempotency.WithLogger(logger),
			idempotency.WithObserver(observers),
		),
		ledger: decision.NewLedger(st, ledgerOpts...),
		clock:    clock,
		outcomes: outcomes,
	}

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	for _, msg := range h.evaluate(ctx, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step, result *Result) error {
	event := TraceEvent{Step: n, At: h.clock.Peek().Format(time.RFC3339Nano)}

	switch {
	case step.Execute != nil:
		event.Type = EventExecute
		event.Scope = step.Execute.Scope
		event.Key = step.Execute.Key

		h.outcomes.last = ""
		out, err := h.guard.Execute(ctx, step.Execute.Scope, step.Execute.Key, effectOperation(*step.Execute))
		event.Outcome = string(h.outcomes.last)
		if err != nil {
			event.Error = err.Error()
			if event.Outcome == "" {
				event.Outcome = "error"
			}
		} else {
			event.Result = out
		}

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		event.Type = EventAdvance
		event.At = h.clock.Peek().Format(time.RFC3339Nano)

	case step.Record != nil:
		r := step.Record
		params, err := h.recordParams(*r)
		if err != nil {
			return err
		}
		d, err := h.ledger.Record(ctx, params)
		if err != nil {
			return fmt.Errorf("record: %w", err)
		}
		event.Type = EventRecord
		event.Decision = d.ID
		event.Action = d.Action
		event.Outcome = decision.EventRecorded

	case step.Finalize != nil:
		f := step.Finalize
		outcome, err := toObject(f.Outcome)
		if err != nil {
			return fmt.Errorf("finalize outcome: %w", err)
		}
		event.Type = EventFinalize
		event.Decision = f.Decision

		d, err := h.ledger.Finalize(ctx, f.Decision, outcome)
		switch {
		case err == nil:
			event.Action = d.Action
			event.Outcome = decision.EventFinalized
			if f.Reject {
				result.AddError(fmt.Sprintf("step %d: expected finalize of %s to be rejected", n, f.Decision))
			}
		case errors.Is(err, decision.ErrAlreadyFinal):
			event.Outcome = "rejected"
			event.Error = err.Error()
			if !f.Reject {
				result.AddError(fmt.Sprintf("step %d: %v", n, err))
			}
		default:
			return fmt.Errorf("finalize: %w", err)
		}
	}

	result.Trace = append(result.Trace, event)
	return nil
}

// effectOperation inserts one effect row, then succeeds or fails as the
// step says.
func effectOperation(step ExecuteStep) idempotency.Operation[*sql.Tx] {
	return func(ctx context.Context, tx *sql.Tx) (ir.Object, error) {
		res, err := tx.ExecContext(ctx, `INSERT INTO effects (scope, key) VALUES (?, ?)`, step.Scope, step.Key)
		if err != nil {
			return nil, err
		}
		if step.Fail != "" {
			return nil, errors.New(step.Fail)
		}
		if step.Result != nil {
			return toObject(step.Result)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		return ir.Object{"effect_id": ir.Int(id)}, nil
	}
}

func (h *Harness) recordParams(r RecordStep) (decision.Params, error) {
	ref, err := target.ParseRef(r.Target)
	if err != nil {
		return decision.Params{}, err
	}
	snapshot, err := toObject(r.Snapshot)
	if err != nil {
		return decision.Params{}, fmt.Errorf("snapshot: %w", err)
	}
	p := decision.Params{
		Actor:      r.Actor,
		OnBehalfOf: r.OnBehalfOf,
		Target:     ref,
		Action:     r.Action,
		Snapshot:   snapshot,
	}
	if r.EffectiveAt != "" {
		if p.EffectiveAt, err = resolveTime(r.EffectiveAt, h.clock.Peek()); err != nil {
			return decision.Params{}, fmt.Errorf("effective_at: %w", err)
		}
	}
	return p, nil
}

// toObject converts decoded YAML into an Object. A nil map becomes {}.
func toObject(m map[string]any) (ir.Object, error) {
	if m == nil {
		return ir.Object{}, nil
	}
	v, err := ir.FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.(ir.Object), nil
}
