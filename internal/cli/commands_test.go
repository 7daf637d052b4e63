package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/roach88/decisioning/internal/decision"
	"github.com/roach88/decisioning/internal/idempotency"
	"github.com/roach88/decisioning/internal/ir"
	"github.com/roach88/decisioning/internal/store"
	"github.com/roach88/decisioning/internal/target"
	"github.com/roach88/decisioning/internal/temporal"
	"github.com/roach88/decisioning/internal/testutil"
)

// seedDatabase creates a database with two decisions and three
// idempotency records, all stamped relative to testutil.Epoch.
func seedDatabase(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "decisioning.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	refund := ir.Object{"amount_cents": ir.Int(1299), "currency": ir.String("EUR")}
	cancel := ir.Object{"reason": ir.String("duplicate")}

	require.NoError(t, st.InsertDecision(ctx, decision.Decision{
		ID:               "dec-0001",
		Fields:           temporal.Fields{EffectiveAt: testutil.Epoch.Add(-24 * time.Hour), RecordedAt: testutil.Epoch},
		Actor:            "agent:7",
		OnBehalfOf:       "user:42",
		Target:           target.Ref{Type: "basket", ID: "42"},
		Action:           "approve_refund",
		Snapshot:         refund,
		AuthorityContext: ir.Object{"role": ir.String("support")},
		SnapshotHash:     ir.MustSnapshotHash(refund),
	}))
	require.NoError(t, st.InsertDecision(ctx, decision.Decision{
		ID:           "dec-0002",
		Fields:       temporal.Fields{EffectiveAt: testutil.Epoch, RecordedAt: testutil.Epoch},
		Actor:        "user:42",
		Target:       target.Ref{Type: "basket", ID: "43"},
		Action:       "cancel_order",
		Snapshot:     cancel,
		SnapshotHash: ir.MustSnapshotHash(cancel),
	}))
	require.NoError(t, st.FinalizeDecision(ctx, "dec-0001",
		ir.Object{"approved": ir.Bool(true)}, testutil.Epoch.Add(time.Hour)))

	for i, rk := range [][2]string{{"order_creation", "req-1"}, {"order_creation", "req-2"}, {"refunds", "req-3"}} {
		at := testutil.Epoch.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.Insert(ctx, idempotency.Record{
			Scope: rk[0], Key: rk[1], State: idempotency.StatePending,
			Attempts: 1, CreatedAt: at, UpdatedAt: at, LockedAt: at,
		}))
	}
	_, err = st.DB().Exec(`UPDATE idempotency_records SET state = 'SUCCEEDED', result = '{"order_id":"o-1"}' WHERE key = 'req-1'`)
	require.NoError(t, err)
	_, err = st.DB().Exec(`UPDATE idempotency_records SET state = 'FAILED', error_code = '*errors.errorString', error_message = 'card declined' WHERE key = 'req-2'`)
	require.NoError(t, err)
	return path
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DECISIONING_POSTGRES_DSN", "")
	t.Setenv("DECISIONING_DB", "")

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func decodeData(t *testing.T, out string, into any) {
	t.Helper()
	var response struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	require.Equal(t, "ok", response.Status)
	require.NoError(t, json.Unmarshal(response.Data, into))
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"keys", "decisions", "test"} {
		assert.True(t, names[want], "missing command %q", want)
	}
	for _, flag := range []string{"verbose", "format", "db", "config", "metrics-file"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "missing flag --%s", flag)
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, err := runRoot(t, "--format", "yaml", "decisions", "list", "--db", seedDatabase(t))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestRootCommand_MissingDatabase(t *testing.T) {
	_, err := runRoot(t, "keys", "list", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to open database")
}

func TestRootCommand_ConfigFile(t *testing.T) {
	db := seedDatabase(t)
	cfg := filepath.Join(t.TempDir(), "decisioning.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("database:\n  driver: sqlite\n  path: "+db+"\n"), 0644))

	out, err := runRoot(t, "--config", cfg, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "order_creation/req-1")
}

func TestKeysShow(t *testing.T) {
	db := seedDatabase(t)

	out, err := runRoot(t, "--db", db, "keys", "show", "order_creation", "req-2")
	require.NoError(t, err)
	assert.Contains(t, out, "State:    FAILED")
	assert.Contains(t, out, "Error:    card declined (*errors.errorString)")

	out, err = runRoot(t, "--db", db, "--format", "json", "keys", "show", "order_creation", "req-1")
	require.NoError(t, err)
	var view recordView
	decodeData(t, out, &view)
	assert.Equal(t, "SUCCEEDED", view.State)
	assert.JSONEq(t, `{"order_id":"o-1"}`, string(view.Result))
	assert.Equal(t, "2025-01-15T09:00:00Z", view.CreatedAt)
}

func TestKeysShow_NotFound(t *testing.T) {
	out, err := runRoot(t, "--db", seedDatabase(t), "keys", "show", "order_creation", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]: idempotency key not found")
}

func TestKeysList(t *testing.T) {
	db := seedDatabase(t)

	out, err := runRoot(t, "--db", db, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "order_creation/req-1")
	assert.Contains(t, out, "refunds/req-3")

	out, err = runRoot(t, "--db", db, "--format", "json", "keys", "list", "--scope", "refunds")
	require.NoError(t, err)
	var views []recordView
	decodeData(t, out, &views)
	require.Len(t, views, 1)
	assert.Equal(t, "PENDING", views[0].State)

	out, err = runRoot(t, "--db", db, "keys", "list", "--scope", "nothing")
	require.NoError(t, err)
	assert.Contains(t, out, "No idempotency keys found.")
}

func TestKeysCleanup(t *testing.T) {
	db := seedDatabase(t)

	out, err := runRoot(t, "--db", db, "keys", "cleanup", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Would delete 2 idempotency keys")

	out, err = runRoot(t, "--db", db, "--format", "json", "keys", "cleanup")
	require.NoError(t, err)
	var result CleanupResult
	decodeData(t, out, &result)
	assert.Equal(t, CleanupResult{Count: 2, DryRun: false, Days: 30}, result)

	out, err = runRoot(t, "--db", db, "keys", "cleanup", "--include-pending")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 idempotency keys")
}

func TestKeysCleanup_NegativeDays(t *testing.T) {
	_, err := runRoot(t, "--db", seedDatabase(t), "keys", "cleanup", "--days", "-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDecisionsList_JSONGolden(t *testing.T) {
	out, err := runRoot(t, "--db", seedDatabase(t), "--format", "json", "decisions", "list")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "decisions-list-json", []byte(out))
}

func TestDecisionsList_Filters(t *testing.T) {
	db := seedDatabase(t)

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"as of before second", []string{"--as-of", "2025-01-14T12:00:00Z"}, []string{"dec-0001"}},
		{"as of before first", []string{"--as-of", "2025-01-01T00:00:00Z"}, []string{}},
		{"action", []string{"--action", "cancel_order"}, []string{"dec-0002"}},
		{"actor", []string{"--actor", "agent:7"}, []string{"dec-0001"}},
		{"on behalf of", []string{"--on-behalf-of", "user:42"}, []string{"dec-0001"}},
		{"target", []string{"--target", "basket:43"}, []string{"dec-0002"}},
		{"final only", []string{"--final"}, []string{"dec-0001"}},
		{"limit", []string{"--limit", "1"}, []string{"dec-0001"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--db", db, "--format", "json", "decisions", "list"}, tt.args...)
			out, err := runRoot(t, args...)
			require.NoError(t, err)

			var views []decisionView
			decodeData(t, out, &views)
			ids := []string{}
			for _, v := range views {
				ids = append(ids, v.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestDecisionsList_BadFilter(t *testing.T) {
	db := seedDatabase(t)

	_, err := runRoot(t, "--db", db, "decisions", "list", "--as-of", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--as-of")

	_, err = runRoot(t, "--db", db, "decisions", "list", "--target", "basket")
	require.Error(t, err)
	assert.ErrorIs(t, err, target.ErrInvalidRef)
}

func TestDecisionsList_Text(t *testing.T) {
	out, err := runRoot(t, "--db", seedDatabase(t), "decisions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "dec-0001")
	assert.Contains(t, out, "approve_refund")
	assert.Contains(t, out, "FINAL")
}

func TestDecisionsShow(t *testing.T) {
	db := seedDatabase(t)

	out, err := runRoot(t, "--db", db, "decisions", "show", "dec-0001")
	require.NoError(t, err)
	assert.Contains(t, out, "Actor:     agent:7 (on behalf of user:42)")
	assert.Contains(t, out, `Snapshot:  {"amount_cents":1299,"currency":"EUR"}`)
	assert.Contains(t, out, `Outcome:   {"approved":true}`)

	out, err = runRoot(t, "--db", db, "decisions", "show", "dec-9999")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]")
}

func TestDecisionsFinalize(t *testing.T) {
	db := seedDatabase(t)

	out, err := runRoot(t, "--db", db, "--format", "json", "decisions", "finalize", "dec-0002",
		"--outcome", `{"cancelled":true,"refund_cents":0}`)
	require.NoError(t, err)
	var view decisionView
	decodeData(t, out, &view)
	assert.Equal(t, "FINAL", view.Status)
	assert.NotEmpty(t, view.FinalizedAt)
	assert.Equal(t, ir.Object{"cancelled": ir.Bool(true), "refund_cents": ir.Int(0)}, view.Outcome)

	out, err = runRoot(t, "--db", db, "decisions", "finalize", "dec-0002", "--outcome", `{}`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, decision.ErrAlreadyFinal)
	assert.Contains(t, out, "Error [E003]")
}

func TestDecisionsFinalize_WritesMetricsFile(t *testing.T) {
	db := seedDatabase(t)
	metricsPath := filepath.Join(t.TempDir(), "decisioning.prom")

	_, err := runRoot(t, "--db", db, "--metrics-file", metricsPath,
		"decisions", "finalize", "dec-0002", "--outcome", `{"cancelled":true}`)
	require.NoError(t, err)

	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `decisioning_decisions_total{action="cancel_order",event="finalized"} 1`)
}

func TestDecisionsFinalize_Errors(t *testing.T) {
	db := seedDatabase(t)

	_, err := runRoot(t, "--db", db, "decisions", "finalize", "dec-0002", "--outcome", `{"amount":1.5}`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid --outcome")

	_, err = runRoot(t, "--db", db, "decisions", "finalize", "dec-9999")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, decision.ErrNotFound)
}

func TestDecisionsVerify(t *testing.T) {
	db := seedDatabase(t)

	out, err := runRoot(t, "--db", db, "decisions", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Verified 2 decisions, 0 tampered")

	out, err = runRoot(t, "--db", db, "decisions", "verify", "dec-0002")
	require.NoError(t, err)
	assert.Contains(t, out, "Verified 1 decisions, 0 tampered")
}

func TestDecisionsVerify_DetectsTampering(t *testing.T) {
	db := seedDatabase(t)

	st, err := store.Open(db)
	require.NoError(t, err)
	_, err = st.DB().Exec(`DROP TRIGGER decisions_freeze`)
	require.NoError(t, err)
	_, err = st.DB().Exec(`UPDATE decisions SET snapshot = '{"reason":"fraud"}' WHERE id = 'dec-0002'`)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := runRoot(t, "--db", db, "--format", "json", "decisions", "verify")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result VerifyResult
	decodeData(t, out, &result)
	assert.Equal(t, 2, result.Checked)
	require.Len(t, result.Tampered, 1)
	assert.Equal(t, "dec-0002", result.Tampered[0].ID)
	assert.Equal(t, ir.MustSnapshotHash(ir.Object{"reason": ir.String("duplicate")}), result.Tampered[0].Stored)

	out, err = runRoot(t, "--db", db, "decisions", "verify", "dec-0002")
	require.Error(t, err)
	assert.Contains(t, out, "TAMPERED dec-0002")
}

func TestDecisionsExport(t *testing.T) {
	db := seedDatabase(t)
	path := filepath.Join(t.TempDir(), "ledger.xlsx")

	out, err := runRoot(t, "--db", db, "decisions", "export", "--out", path, "--final")
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 1 decisions to "+path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Decisions")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "dec-0001", rows[1][0])
}

func TestDecisionsExport_RequiresOut(t *testing.T) {
	_, err := runRoot(t, "--db", seedDatabase(t), "decisions", "export")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "out" not set`)
}
