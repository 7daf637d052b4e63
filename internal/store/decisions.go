package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/decisioning/internal/decision"
	"github.com/roach88/decisioning/internal/ir"
	"github.com/roach88/decisioning/internal/target"
	"github.com/roach88/decisioning/internal/temporal"
)

const decisionColumns = `id, actor, on_behalf_of, target_type, target_id, action,
	snapshot, snapshot_hash, authority_context, effective_at, recorded_at, finalized_at, outcome`

// InsertDecision appends a decision. Snapshot and authority context are
// stored as canonical JSON.
func (s *Store) InsertDecision(ctx context.Context, d decision.Decision) error {
	snapshot, err := marshalObject("snapshot", d.Snapshot)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	authority, err := marshalObject("authority context", d.AuthorityContext)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO decisions
		(id, actor, on_behalf_of, target_type, target_id, action,
		 snapshot, snapshot_hash, authority_context, effective_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID,
		d.Actor,
		d.OnBehalfOf,
		d.Target.Type,
		d.Target.ID,
		d.Action,
		snapshot,
		d.SnapshotHash,
		authority,
		toNanos(d.EffectiveAt),
		toNanos(d.RecordedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert decision %s: duplicate id", d.ID)
		}
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// GetDecision returns one decision by id.
func (s *Store) GetDecision(ctx context.Context, id string) (decision.Decision, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return decision.Decision{}, fmt.Errorf("%w: %s", decision.ErrNotFound, id)
	}
	if err != nil {
		return decision.Decision{}, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// FinalizeDecision sets finalized_at and outcome on an OPEN decision.
func (s *Store) FinalizeDecision(ctx context.Context, id string, outcome ir.Object, at time.Time) error {
	data, err := marshalObject("outcome", outcome)
	if err != nil {
		return fmt.Errorf("finalize decision: %w", err)
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE decisions
		SET finalized_at = ?, outcome = ?
		WHERE id = ? AND finalized_at IS NULL
	`, toNanos(at), data, id)
	if err != nil {
		return fmt.Errorf("finalize decision: %w", err)
	}
	ok, err := singleRow(res)
	if err != nil {
		return fmt.Errorf("finalize decision: %w", err)
	}
	if ok {
		return nil
	}

	var exists int
	err = s.q.QueryRowContext(ctx, `SELECT 1 FROM decisions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", decision.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("finalize decision: %w", err)
	}
	return fmt.Errorf("%w: %s", decision.ErrAlreadyFinal, id)
}

// ListDecisions returns decisions matching f.
// Ordering: effective_at ASC, recorded_at ASC, id ASC COLLATE BINARY.
func (s *Store) ListDecisions(ctx context.Context, f decision.Filter) ([]decision.Decision, error) {
	query, args := buildDecisionQuery(f)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	decisions := []decision.Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return decisions, nil
}

// buildDecisionQuery translates a Filter into SQL. The as-of rule is the
// same as temporal.AsOf: effective_at <= ts, recorded_at never consulted.
func buildDecisionQuery(f decision.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.AsOf != nil {
		conds = append(conds, "effective_at <= ?")
		args = append(args, toNanos(*f.AsOf))
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.OnBehalfOf != "" {
		conds = append(conds, "on_behalf_of = ?")
		args = append(args, f.OnBehalfOf)
	}
	if f.Target != nil {
		conds = append(conds, "target_type = ? AND target_id = ?")
		args = append(args, f.Target.Type, f.Target.ID)
	}
	if f.FinalOnly {
		conds = append(conds, "finalized_at IS NOT NULL")
	}

	var b strings.Builder
	b.WriteString("SELECT " + decisionColumns + " FROM decisions")
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY effective_at ASC, recorded_at ASC, id COLLATE BINARY ASC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}
	return b.String(), args
}

func scanDecision(row rowScanner) (decision.Decision, error) {
	var (
		d                    decision.Decision
		snapshot, authority  string
		effective, recorded  int64
		finalized            sql.NullInt64
		outcome              sql.NullString
		targetType, targetID string
	)
	err := row.Scan(
		&d.ID,
		&d.Actor,
		&d.OnBehalfOf,
		&targetType,
		&targetID,
		&d.Action,
		&snapshot,
		&d.SnapshotHash,
		&authority,
		&effective,
		&recorded,
		&finalized,
		&outcome,
	)
	if err != nil {
		return decision.Decision{}, err
	}

	d.Target = target.Ref{Type: targetType, ID: targetID}
	d.Fields = temporal.Fields{EffectiveAt: fromNanos(effective), RecordedAt: fromNanos(recorded)}
	d.FinalizedAt = timePtr(finalized)

	if d.Snapshot, err = unmarshalObject("snapshot", snapshot); err != nil {
		return decision.Decision{}, err
	}
	if d.AuthorityContext, err = unmarshalObject("authority context", authority); err != nil {
		return decision.Decision{}, err
	}
	if outcome.Valid {
		if d.Outcome, err = unmarshalObject("outcome", outcome.String); err != nil {
			return decision.Decision{}, err
		}
	}
	return d, nil
}
