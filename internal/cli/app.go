package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/roach88/decisioning/internal/config"
	"github.com/roach88/decisioning/internal/decision"
	"github.com/roach88/decisioning/internal/idempotency"
	"github.com/roach88/decisioning/internal/pgstore"
	"github.com/roach88/decisioning/internal/store"
	"github.com/roach88/decisioning/internal/telemetry"
)

// keyStore is the part of a guard the key commands use. Guards over
// either backend satisfy it.
type keyStore interface {
	Lookup(ctx context.Context, scope, key string) (idempotency.Record, error)
	Cleanup(ctx context.Context, opts idempotency.CleanupOptions) (int64, error)
}

// app is the state shared by one command invocation.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	out     *OutputFormatter

	metricsFile string

	sqlite *store.Store
	pg     *pgstore.Store
}

// openApp resolves configuration and opens the configured backend.
// The --db flag wins over the environment, which wins over the file.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid environment", err)
	}
	if opts.Database != "" {
		cfg.Database.Driver = config.DriverSQLite
		cfg.Database.Path = opts.Database
	}

	a := &app{
		cfg:     cfg,
		logger:  cfg.Logger(cmd.ErrOrStderr(), opts.Verbose),
		metrics: telemetry.New(),
		out:     newFormatter(opts, cmd),

		metricsFile: opts.MetricsFile,
	}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		a.pg, err = pgstore.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		a.out.VerboseLog("opened postgres backend")
	default:
		if _, err := os.Stat(cfg.Database.Path); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		a.sqlite, err = store.Open(cfg.Database.Path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		a.out.VerboseLog("opened %s", cfg.Database.Path)
	}
	return a, nil
}

// Close writes the metrics file, if one was requested, and closes the
// backend.
func (a *app) Close() {
	if a.metricsFile != "" {
		if err := a.metrics.WriteFile(a.metricsFile); err != nil {
			a.logger.Error("failed to write metrics file", "path", a.metricsFile, "error", err)
		}
	}
	if a.sqlite != nil {
		a.sqlite.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
}

func (a *app) guardOptions() []idempotency.Option {
	return append(a.cfg.GuardOptions(),
		idempotency.WithLogger(a.logger),
		idempotency.WithObserver(a.metrics),
	)
}

// keys returns a guard over whichever backend is open.
func (a *app) keys() keyStore {
	if a.pg != nil {
		return idempotency.NewGuard[pgx.Tx](a.pg, a.guardOptions()...)
	}
	return idempotency.NewGuard[*sql.Tx](a.sqlite, a.guardOptions()...)
}

// ledger returns the decision ledger. Decisions live in SQLite only.
func (a *app) ledger() (*decision.Ledger, error) {
	if a.sqlite == nil {
		return nil, NewExitError(ExitCommandError, "the decision ledger requires the sqlite driver")
	}
	return decision.NewLedger(a.sqlite,
		decision.WithLogger(a.logger),
		decision.WithObserver(a.metrics),
	), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// fail reports err through the formatter and returns it with an exit code.
func (a *app) fail(exit int, code, message string, err error) error {
	_ = a.out.Error(code, fmt.Sprintf("%s: %v", message, err), nil)
	return WrapExitError(exit, message, err)
}
