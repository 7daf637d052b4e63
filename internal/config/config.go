// Package config loads decisioning settings from a YAML file validated
// against an embedded CUE schema, then applies environment overrides.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/decisioning/internal/idempotency"
)

//go:embed schema.cue
var schemaCUE string

// ErrInvalid is returned for a file that does not satisfy the schema.
var ErrInvalid = errors.New("invalid config")

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full set of settings.
type Config struct {
	Database    Database    `yaml:"database"`
	Idempotency Idempotency `yaml:"idempotency"`
	Cleanup     Cleanup     `yaml:"cleanup"`
	Log         Log         `yaml:"log"`
}

// Database selects the storage backend.
type Database struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// Idempotency tunes the execution guard.
type Idempotency struct {
	StaleAfter   Duration `yaml:"stale_after"`
	PendingWait  Duration `yaml:"pending_wait"`
	PollInterval Duration `yaml:"poll_interval"`
	KeyTTL       Duration `yaml:"key_ttl"`
}

// Cleanup holds the defaults for key cleanup.
type Cleanup struct {
	Days           int  `yaml:"days"`
	IncludePending bool `yaml:"include_pending"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Database: Database{Driver: DriverSQLite, Path: "decisioning.db"},
		Idempotency: Idempotency{
			StaleAfter:   Duration(idempotency.DefaultStaleAfter),
			PollInterval: Duration(idempotency.DefaultPollInterval),
		},
		Cleanup: Cleanup{Days: 30},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Load reads and validates the file at path. An empty path returns Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates data against the schema and overlays it on Default.
func Parse(data []byte) (Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if raw != nil {
		if err := validate(raw); err != nil {
			return Config{}, err
		}
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(raw any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := schema.Unify(ctx.Encode(raw))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return schemaError(err)
	}
	return nil
}

// schemaError reports the first schema violation with its field path.
func schemaError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	first := errs[0]
	format, args := first.Msg()
	msg := fmt.Sprintf(format, args...)
	if path := first.Path(); len(path) > 0 {
		msg = strings.Join(path, ".") + ": " + msg
	}
	if len(errs) > 1 {
		msg += fmt.Sprintf(" (and %d more)", len(errs)-1)
	}
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}

// Validate checks rules the schema cannot express.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("%w: database.path is required for sqlite", ErrInvalid)
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database.dsn is required for postgres", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown database.driver %q", ErrInvalid, c.Database.Driver)
	}
	if c.Idempotency.StaleAfter <= 0 {
		return fmt.Errorf("%w: idempotency.stale_after must be positive", ErrInvalid)
	}
	if c.Cleanup.Days < 0 {
		return fmt.Errorf("%w: cleanup.days must not be negative", ErrInvalid)
	}
	return nil
}

// ApplyEnv overrides settings from DECISIONING_* variables. getenv is
// usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("DECISIONING_DB"); v != "" {
		c.Database.Path = v
	}
	if v := getenv("DECISIONING_POSTGRES_DSN"); v != "" {
		c.Database.Driver = DriverPostgres
		c.Database.DSN = v
	}
	if v := getenv("DECISIONING_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("DECISIONING_STALE_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DECISIONING_STALE_AFTER: %w", err)
		}
		c.Idempotency.StaleAfter = Duration(d)
	}
	if v := getenv("DECISIONING_CLEANUP_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DECISIONING_CLEANUP_DAYS: %w", err)
		}
		c.Cleanup.Days = n
	}
	return c.Validate()
}

// GuardOptions translates the idempotency section into guard options.
func (c Config) GuardOptions() []idempotency.Option {
	return []idempotency.Option{
		idempotency.WithStaleAfter(c.Idempotency.StaleAfter.Std()),
		idempotency.WithPendingWait(c.Idempotency.PendingWait.Std()),
		idempotency.WithPollInterval(c.Idempotency.PollInterval.Std()),
		idempotency.WithKeyTTL(c.Idempotency.KeyTTL.Std()),
	}
}

// Logger builds a slog.Logger writing to w. verbose forces debug level.
func (c Config) Logger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Duration is a time.Duration written as "5m" or "250ms" in YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
