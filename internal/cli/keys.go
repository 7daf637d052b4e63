package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/decisioning/internal/idempotency"
)

// NewKeysCommand groups the idempotency key commands.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and clean up idempotency keys",
	}
	cmd.AddCommand(newKeysShowCommand(rootOpts))
	cmd.AddCommand(newKeysListCommand(rootOpts))
	cmd.AddCommand(newKeysCleanupCommand(rootOpts))
	return cmd
}

// recordView is the JSON shape of an idempotency record.
type recordView struct {
	Scope        string          `json:"scope"`
	Key          string          `json:"key"`
	State        string          `json:"state"`
	RequestHash  string          `json:"request_hash,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	LockedAt     string          `json:"locked_at"`
	ExpiresAt    string          `json:"expires_at,omitempty"`
}

func newRecordView(rec idempotency.Record) recordView {
	return recordView{
		Scope:        rec.Scope,
		Key:          rec.Key,
		State:        string(rec.State),
		RequestHash:  rec.RequestHash,
		Result:       json.RawMessage(rec.Result),
		ErrorCode:    rec.ErrorCode,
		ErrorMessage: rec.ErrorMessage,
		Attempts:     rec.Attempts,
		CreatedAt:    formatTime(rec.CreatedAt),
		UpdatedAt:    formatTime(rec.UpdatedAt),
		LockedAt:     formatTime(rec.LockedAt),
		ExpiresAt:    formatTimePtr(rec.ExpiresAt),
	}
}

func newKeysShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <scope> <key>",
		Short: "Show one idempotency record",
		Example: `  decisioning keys show order_creation req-123 --db ./decisioning.db
  decisioning keys show order_creation req-123 --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.keys().Lookup(ctx, args[0], args[1])
			if errors.Is(err, idempotency.ErrRecordNotFound) {
				return a.fail(ExitCommandError, ErrCodeNotFound, "idempotency key not found", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load idempotency key", err)
			}

			view := newRecordView(rec)
			return a.out.Emit(view, func(w io.Writer) { writeRecordText(w, view) })
		},
	}
}

func writeRecordText(w io.Writer, v recordView) {
	fmt.Fprintf(w, "Scope:    %s\n", v.Scope)
	fmt.Fprintf(w, "Key:      %s\n", v.Key)
	fmt.Fprintf(w, "State:    %s\n", v.State)
	fmt.Fprintf(w, "Attempts: %d\n", v.Attempts)
	fmt.Fprintf(w, "Created:  %s\n", v.CreatedAt)
	fmt.Fprintf(w, "Updated:  %s\n", v.UpdatedAt)
	if v.ExpiresAt != "" {
		fmt.Fprintf(w, "Expires:  %s\n", v.ExpiresAt)
	}
	if len(v.Result) > 0 {
		fmt.Fprintf(w, "Result:   %s\n", v.Result)
	}
	if v.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:    %s (%s)\n", v.ErrorMessage, v.ErrorCode)
	}
}

// KeysListOptions holds flags for keys list.
type KeysListOptions struct {
	*RootOptions
	Scope string
	Limit int
}

func newKeysListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeysListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List idempotency records (SQLite only)",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.sqlite == nil {
				return NewExitError(ExitCommandError, "keys list requires the sqlite driver")
			}
			records, err := a.sqlite.ListRecords(ctx, opts.Scope, opts.Limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list idempotency keys", err)
			}

			views := make([]recordView, len(records))
			for i, rec := range records {
				views[i] = newRecordView(rec)
			}
			return a.out.Emit(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No idempotency keys found.")
					return
				}
				for _, v := range views {
					fmt.Fprintf(w, "%-10s %s/%s (attempts: %d, created: %s)\n",
						v.State, v.Scope, v.Key, v.Attempts, v.CreatedAt)
				}
			})
		},
	}

	cmd.Flags().StringVar(&opts.Scope, "scope", "", "only list records in this scope")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 = all)")
	return cmd
}

// KeysCleanupOptions holds flags for keys cleanup.
type KeysCleanupOptions struct {
	*RootOptions
	Days           int
	DryRun         bool
	IncludePending bool
}

// CleanupResult is the JSON payload of keys cleanup.
type CleanupResult struct {
	Count  int64 `json:"count"`
	DryRun bool  `json:"dry_run"`
	Days   int   `json:"days"`
}

func newKeysCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeysCleanupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old and expired idempotency keys",
		Long: `Delete idempotency records created more than --days days ago, and
records whose expiry has passed. PENDING records are kept unless
--include-pending is given, since their operation may still be running.

Examples:
  decisioning keys cleanup --days 30
  decisioning keys cleanup --days 7 --dry-run
  decisioning keys cleanup --days 1 --include-pending`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			days := a.cfg.Cleanup.Days
			if cmd.Flags().Changed("days") {
				days = opts.Days
			}
			if days < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("--days must be non-negative, got %d", days))
			}
			includePending := a.cfg.Cleanup.IncludePending || opts.IncludePending

			n, err := a.keys().Cleanup(ctx, idempotency.CleanupOptions{
				OlderThan:      time.Duration(days) * 24 * time.Hour,
				IncludePending: includePending,
				DryRun:         opts.DryRun,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "cleanup failed", err)
			}

			result := CleanupResult{Count: n, DryRun: opts.DryRun, Days: days}
			return a.out.Emit(result, func(w io.Writer) {
				if opts.DryRun {
					fmt.Fprintf(w, "Would delete %d idempotency keys\n", n)
					return
				}
				fmt.Fprintf(w, "Deleted %d idempotency keys\n", n)
			})
		},
	}

	cmd.Flags().IntVar(&opts.Days, "days", 30, "delete keys older than this many days")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would be deleted without deleting")
	cmd.Flags().BoolVar(&opts.IncludePending, "include-pending", false, "also delete PENDING keys")
	return cmd
}
