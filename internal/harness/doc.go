// Package harness runs YAML scenarios against the execution guard and the
// decision ledger.
//
// A scenario is a list of steps (execute, advance, record, finalize) and a
// list of assertions over the final state. Each run gets a fresh in-memory
// SQLite store, a clock fixed at testutil.Epoch and sequential decision IDs
// ("dec-0001", ...), so the trace it produces is byte-stable and can be
// compared against a golden file.
//
// Guarded operations insert one row into an effects table inside the
// guard's transaction. Counting those rows afterwards shows how many
// executions actually committed, which is the property most scenarios
// are written to check.
package harness
