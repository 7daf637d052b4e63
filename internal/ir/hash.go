package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix leaves room for
// an algorithm change without colliding with existing digests.
const (
	DomainSnapshot = "decisioning/snapshot/v1"
	DomainRequest  = "decisioning/request/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data). Callers pass the
// NFC canonical form from hashInput.
// The null separator keeps domain and payload boundaries unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotHash fingerprints a decision snapshot. Recomputing it over the
// stored snapshot detects any edit made after the decision was recorded.
func SnapshotHash(snapshot Object) (string, error) {
	canonical, err := hashInput(snapshot)
	if err != nil {
		return "", fmt.Errorf("SnapshotHash: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}

// RequestHash fingerprints the input bound to an idempotency key.
func RequestHash(request Object) (string, error) {
	canonical, err := hashInput(request)
	if err != nil {
		return "", fmt.Errorf("RequestHash: %w", err)
	}
	return hashWithDomain(DomainRequest, canonical), nil
}

// MustSnapshotHash is like SnapshotHash but panics on error.
// Use only in tests or with inputs known to be valid.
func MustSnapshotHash(snapshot Object) string {
	h, err := SnapshotHash(snapshot)
	if err != nil {
		panic(err)
	}
	return h
}
