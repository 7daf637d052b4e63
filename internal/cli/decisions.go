package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/decisioning/internal/decision"
	"github.com/roach88/decisioning/internal/export"
	"github.com/roach88/decisioning/internal/ir"
	"github.com/roach88/decisioning/internal/target"
)

// NewDecisionsCommand groups the decision ledger commands.
func NewDecisionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Read, finalize and verify the decision ledger",
	}
	cmd.AddCommand(newDecisionsListCommand(rootOpts))
	cmd.AddCommand(newDecisionsShowCommand(rootOpts))
	cmd.AddCommand(newDecisionsFinalizeCommand(rootOpts))
	cmd.AddCommand(newDecisionsVerifyCommand(rootOpts))
	cmd.AddCommand(newDecisionsExportCommand(rootOpts))
	return cmd
}

// decisionView is the JSON shape of a decision.
type decisionView struct {
	ID               string    `json:"id"`
	Action           string    `json:"action"`
	Actor            string    `json:"actor"`
	OnBehalfOf       string    `json:"on_behalf_of,omitempty"`
	Target           string    `json:"target"`
	Status           string    `json:"status"`
	EffectiveAt      string    `json:"effective_at"`
	RecordedAt       string    `json:"recorded_at"`
	FinalizedAt      string    `json:"finalized_at,omitempty"`
	SnapshotHash     string    `json:"snapshot_hash"`
	Snapshot         ir.Object `json:"snapshot"`
	AuthorityContext ir.Object `json:"authority_context,omitempty"`
	Outcome          ir.Object `json:"outcome,omitempty"`
}

func newDecisionView(d decision.Decision) decisionView {
	return decisionView{
		ID:               d.ID,
		Action:           d.Action,
		Actor:            d.Actor,
		OnBehalfOf:       d.OnBehalfOf,
		Target:           d.Target.String(),
		Status:           string(d.Status()),
		EffectiveAt:      formatTime(d.EffectiveAt),
		RecordedAt:       formatTime(d.RecordedAt),
		FinalizedAt:      formatTimePtr(d.FinalizedAt),
		SnapshotHash:     d.SnapshotHash,
		Snapshot:         d.Snapshot,
		AuthorityContext: d.AuthorityContext,
		Outcome:          d.Outcome,
	}
}

func writeDecisionText(w io.Writer, v decisionView) {
	fmt.Fprintf(w, "Decision:  %s\n", v.ID)
	fmt.Fprintf(w, "Action:    %s\n", v.Action)
	fmt.Fprintf(w, "Target:    %s\n", v.Target)
	if v.OnBehalfOf != "" {
		fmt.Fprintf(w, "Actor:     %s (on behalf of %s)\n", v.Actor, v.OnBehalfOf)
	} else {
		fmt.Fprintf(w, "Actor:     %s\n", v.Actor)
	}
	fmt.Fprintf(w, "Status:    %s\n", v.Status)
	fmt.Fprintf(w, "Effective: %s\n", v.EffectiveAt)
	fmt.Fprintf(w, "Recorded:  %s\n", v.RecordedAt)
	if v.FinalizedAt != "" {
		fmt.Fprintf(w, "Finalized: %s\n", v.FinalizedAt)
	}
	fmt.Fprintf(w, "Snapshot:  %s\n", canonicalText(v.Snapshot))
	fmt.Fprintf(w, "Hash:      %s\n", v.SnapshotHash)
	if len(v.AuthorityContext) > 0 {
		fmt.Fprintf(w, "Authority: %s\n", canonicalText(v.AuthorityContext))
	}
	if v.Outcome != nil {
		fmt.Fprintf(w, "Outcome:   %s\n", canonicalText(v.Outcome))
	}
}

func canonicalText(obj ir.Object) string {
	data, err := ir.CanonicalObject(obj)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

// filterFlags are shared by list and export.
type filterFlags struct {
	AsOf       string
	Action     string
	Actor      string
	OnBehalfOf string
	Target     string
	Final      bool
	Limit      int
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.AsOf, "as-of", "", "only decisions effective at or before this RFC 3339 time")
	cmd.Flags().StringVar(&f.Action, "action", "", "filter by action")
	cmd.Flags().StringVar(&f.Actor, "actor", "", "filter by actor")
	cmd.Flags().StringVar(&f.OnBehalfOf, "on-behalf-of", "", "filter by principal")
	cmd.Flags().StringVar(&f.Target, "target", "", "filter by target (type:id)")
	cmd.Flags().BoolVar(&f.Final, "final", false, "only FINAL decisions")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of decisions (0 = all)")
}

func (f *filterFlags) filter() (decision.Filter, error) {
	out := decision.Filter{
		Action:     f.Action,
		Actor:      f.Actor,
		OnBehalfOf: f.OnBehalfOf,
		FinalOnly:  f.Final,
		Limit:      f.Limit,
	}
	if f.AsOf != "" {
		ts, err := time.Parse(time.RFC3339Nano, f.AsOf)
		if err != nil {
			return decision.Filter{}, fmt.Errorf("--as-of: %w", err)
		}
		out.AsOf = &ts
	}
	if f.Target != "" {
		ref, err := target.ParseRef(f.Target)
		if err != nil {
			return decision.Filter{}, fmt.Errorf("--target: %w", err)
		}
		out.Target = &ref
	}
	return out, nil
}

// openLedger opens the app and its ledger. The caller closes the app.
func openLedger(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app, *decision.Ledger, error) {
	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return nil, nil, err
	}
	l, err := a.ledger()
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, l, nil
}

func newDecisionsListCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &filterFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions, optionally as of a point in time",
		Example: `  decisioning decisions list --as-of 2025-01-10T00:00:00Z
  decisioning decisions list --target basket:42 --final --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := flags.filter()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid filter", err)
			}
			ctx := context.Background()
			a, l, err := openLedger(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			decisions, err := l.List(ctx, f)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list decisions", err)
			}
			views := make([]decisionView, len(decisions))
			for i, d := range decisions {
				views[i] = newDecisionView(d)
			}
			return a.out.Emit(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No decisions found.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tEFFECTIVE\tSTATUS\tACTION\tTARGET\tACTOR")
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						v.ID, v.EffectiveAt, v.Status, v.Action, v.Target, v.Actor)
				}
				_ = tw.Flush()
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newDecisionsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <id>",
		Short:         "Show one decision with its frozen snapshot",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, l, err := openLedger(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := l.Get(ctx, args[0])
			if errors.Is(err, decision.ErrNotFound) {
				return a.fail(ExitCommandError, ErrCodeNotFound, "decision not found", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load decision", err)
			}
			view := newDecisionView(d)
			return a.out.Emit(view, func(w io.Writer) { writeDecisionText(w, view) })
		},
	}
}

func newDecisionsFinalizeCommand(rootOpts *RootOptions) *cobra.Command {
	var outcome string

	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Finalize an OPEN decision with an outcome",
		Long: `Finalize an OPEN decision. The outcome is a JSON object; floats are
rejected. A FINAL decision cannot be finalized again (exit code 1).`,
		Example:       `  decisioning decisions finalize 0193f0c2-... --outcome '{"approved":true}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := ir.ParseObject([]byte(outcome))
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --outcome", err)
			}
			ctx := context.Background()
			a, l, err := openLedger(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := l.Finalize(ctx, args[0], obj)
			switch {
			case errors.Is(err, decision.ErrAlreadyFinal):
				return a.fail(ExitFailure, ErrCodeAlreadyFinal, "decision already final", err)
			case errors.Is(err, decision.ErrNotFound):
				return a.fail(ExitCommandError, ErrCodeNotFound, "decision not found", err)
			case err != nil:
				return WrapExitError(ExitCommandError, "failed to finalize decision", err)
			}
			view := newDecisionView(d)
			return a.out.Emit(view, func(w io.Writer) { writeDecisionText(w, view) })
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "{}", "outcome as a JSON object")
	return cmd
}

// VerifyResult is the JSON payload of decisions verify.
type VerifyResult struct {
	Checked  int              `json:"checked"`
	Tampered []TamperedRecord `json:"tampered"`
}

// TamperedRecord describes one decision whose snapshot hash changed.
type TamperedRecord struct {
	ID       string `json:"id"`
	Stored   string `json:"stored_hash"`
	Computed string `json:"computed_hash"`
}

func newDecisionsVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [id]",
		Short: "Recompute snapshot hashes and report tampering",
		Long: `Recompute the hash of each stored snapshot and compare it with the
hash taken when the decision was recorded. Verifies every decision
when no id is given. Exits 1 if any snapshot was modified.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, l, err := openLedger(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			result := VerifyResult{Tampered: []TamperedRecord{}}
			if len(args) == 1 {
				err := l.Verify(ctx, args[0])
				var te *decision.TamperedError
				switch {
				case errors.As(err, &te):
					result.Tampered = append(result.Tampered, TamperedRecord{ID: te.ID, Stored: te.Stored, Computed: te.Computed})
				case errors.Is(err, decision.ErrNotFound):
					return a.fail(ExitCommandError, ErrCodeNotFound, "decision not found", err)
				case err != nil:
					return WrapExitError(ExitCommandError, "verification failed", err)
				}
				result.Checked = 1
			} else {
				checked, tampered, err := l.VerifyAll(ctx, decision.Filter{})
				if err != nil {
					return WrapExitError(ExitCommandError, "verification failed", err)
				}
				result.Checked = checked
				for _, te := range tampered {
					result.Tampered = append(result.Tampered, TamperedRecord{ID: te.ID, Stored: te.Stored, Computed: te.Computed})
				}
			}

			if err := a.out.Emit(result, func(w io.Writer) {
				for _, t := range result.Tampered {
					fmt.Fprintf(w, "TAMPERED %s (stored %s, computed %s)\n", t.ID, t.Stored, t.Computed)
				}
				fmt.Fprintf(w, "Verified %d decisions, %d tampered\n", result.Checked, len(result.Tampered))
			}); err != nil {
				return err
			}
			if len(result.Tampered) > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d tampered decisions", len(result.Tampered)))
			}
			return nil
		},
	}
}

// ExportResult is the JSON payload of decisions export.
type ExportResult struct {
	Path      string `json:"path"`
	Decisions int    `json:"decisions"`
}

func newDecisionsExportCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &filterFlags{}
	var outPath string

	cmd := &cobra.Command{
		Use:           "export",
		Short:         "Export decisions to an XLSX workbook",
		Example:       `  decisioning decisions export --out ledger.xlsx --as-of 2025-01-31T23:59:59Z`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := flags.filter()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid filter", err)
			}
			ctx := context.Background()
			a, l, err := openLedger(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			decisions, err := l.List(ctx, f)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list decisions", err)
			}

			file, err := os.Create(outPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to create output file", err)
			}
			if err := export.WriteXLSX(file, decisions); err != nil {
				file.Close()
				return WrapExitError(ExitCommandError, "export failed", err)
			}
			if err := file.Close(); err != nil {
				return WrapExitError(ExitCommandError, "export failed", err)
			}

			result := ExportResult{Path: outPath, Decisions: len(decisions)}
			return a.out.Emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "Exported %d decisions to %s\n", result.Decisions, result.Path)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output .xlsx path (required)")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
