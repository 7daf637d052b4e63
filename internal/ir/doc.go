// Package ir provides the structured value types carried by decisioning records.
//
// Snapshots, authority contexts, decision outcomes and idempotent operation
// results are all Objects: JSON-shaped trees of String, Int, Bool, Null,
// Array and Object. ir imports nothing internal; every other package builds
// on it.
//
// Key constraints:
//   - No floats. Amounts travel as strings or scaled integers.
//   - Canonical form is RFC 8785 JSON (MarshalCanonical), used for storage.
//     Strings are stored as given; content hashes are taken over the same
//     form with every string NFC normalized.
//   - An object with two keys that are equal after NFC is rejected
//     (ErrKeyCollision) everywhere, since it has no single hash input.
//   - Objects are mutable Go maps. Anything that must be frozen is copied
//     with Clone before it is retained.
package ir
