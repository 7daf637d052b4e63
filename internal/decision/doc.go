// Package decision implements the decision ledger: an append-only record
// of who authorized what, on whose behalf, about which target, together
// with a frozen snapshot of the evidence.
//
// A decision starts OPEN and becomes FINAL exactly once, through Finalize.
// Nothing about a FINAL decision changes afterward. The snapshot is deep
// copied when the decision is recorded and fingerprinted with
// ir.SnapshotHash; Verify recomputes the fingerprint to detect edits made
// behind the ledger's back.
//
// Decisions are temporal records: EffectiveAt may be backdated, RecordedAt
// is the persistence time, and List filters by EffectiveAt only.
package decision
