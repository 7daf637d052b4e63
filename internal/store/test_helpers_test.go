package store

import (
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/roach88/decisioning/internal/idempotency"
	"github.com/roach88/decisioning/internal/testutil"
)

// createTestStore opens a fresh database under t.TempDir().
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createWorkItemsTable adds the table written by guarded operations in tests.
func createWorkItemsTable(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.db.Exec(`CREATE TABLE work_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create work_items: %v", err)
	}
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGuard(s *Store, clock *testutil.Clock, opts ...idempotency.Option) *idempotency.Guard[*sql.Tx] {
	base := []idempotency.Option{
		idempotency.WithLogger(discardLogger()),
		idempotency.WithClock(clock),
	}
	return idempotency.NewGuard[*sql.Tx](s, append(base, opts...)...)
}
