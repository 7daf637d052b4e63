// Package store provides SQLite-backed storage for idempotency records and
// the decision ledger.
//
// Store implements idempotency.Backend[*sql.Tx] and decision.Repository.
//
// # Critical Patterns
//
// Create-if-absent on (scope, key)
//   - UNIQUE index idx_idempotency_scope_key; a losing INSERT surfaces as
//     idempotency.ErrDuplicateKey, never as a silent no-op
//   - Reclaim and the Mark* transitions are compare-and-set UPDATEs on
//     state and locked_at
//
// Atomic success
//   - MarkSucceeded runs inside the caller's transaction, so the result,
//     the SUCCEEDED flag and the operation's own writes commit together
//
// Append-only ledger
//   - Triggers reject DELETE on decisions and any UPDATE other than the
//     single OPEN to FINAL transition
//
// Deterministic ordering
//   - Decision queries ORDER BY effective_at, recorded_at, id COLLATE BINARY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - One open connection: SQLite has a single writer, and operations run
//     by the guard must use the transaction they are given
//
// Timestamps are stored as UTC unix nanoseconds; JSON blobs are RFC 8785
// canonical text produced by internal/ir.
package store
