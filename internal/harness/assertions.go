package harness

import (
	"context"
	"fmt"

	"github.com/roach88/decisioning/internal/decision"
)

// evaluate checks every assertion and returns one message per failure.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := h.check(ctx, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d] %s: %v", i, a.Type, err))
		}
	}
	return failures
}

func (h *Harness) check(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertEffects:
		var n int
		err := h.store.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM effects WHERE scope = ? AND key = ?`, a.Scope, a.Key).Scan(&n)
		if err != nil {
			return err
		}
		if n != *a.Count {
			return fmt.Errorf("expected %d committed effects for %s/%s, got %d", *a.Count, a.Scope, a.Key, n)
		}

	case AssertKeyState:
		rec, err := h.guard.Lookup(ctx, a.Scope, a.Key)
		if err != nil {
			return err
		}
		if string(rec.State) != a.State {
			return fmt.Errorf("expected %s/%s to be %s, got %s", a.Scope, a.Key, a.State, rec.State)
		}

	case AssertDecisionsAsOf:
		at, err := resolveTime(a.At, h.clock.Peek())
		if err != nil {
			return err
		}
		got, err := h.ledger.List(ctx, decision.Filter{AsOf: &at})
		if err != nil {
			return err
		}
		if len(got) != *a.Count {
			return fmt.Errorf("expected %d decisions as of %s, got %d", *a.Count, at.Format("2006-01-02T15:04:05Z07:00"), len(got))
		}

	case AssertDecisionStatus:
		d, err := h.ledger.Get(ctx, a.Decision)
		if err != nil {
			return err
		}
		if string(d.Status()) != a.State {
			return fmt.Errorf("expected %s to be %s, got %s", a.Decision, a.State, d.Status())
		}

	case AssertVerified:
		_, tampered, err := h.ledger.VerifyAll(ctx, decision.Filter{})
		if err != nil {
			return err
		}
		if len(tampered) > 0 {
			return tampered[0]
		}
	}
	return nil
}
