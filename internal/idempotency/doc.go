// Package idempotency runs an operation at most once per (scope, key).
//
// A Guard claims the key by inserting a PENDING record. The unique
// (scope, key) constraint of the backing store is the only lock: when two
// callers race, exactly one insert wins and the loser re-reads the record
// the winner created. From there the record decides what happens:
//
//	SUCCEEDED  replay the stored result; the operation is not invoked
//	FAILED     reclaim the record (compare-and-set) and run a fresh attempt
//	PENDING    reclaim it when stale, otherwise wait up to PendingWait and
//	           then return an InFlightError
//
// The operation receives the backend transaction. Its side effects and the
// SUCCEEDED transition commit together, so no reader ever sees SUCCEEDED
// without the result, or the result without the side effects. When the
// operation returns an error the transaction is rolled back, the record is
// marked FAILED in a separate commit, and the error is returned unchanged.
//
// Results are stored as canonical JSON and every caller, including the
// first, receives the value decoded from the stored bytes.
//
// An operation that panics leaves its record PENDING; the record becomes
// retryable once it is older than StaleAfter.
package idempotency
