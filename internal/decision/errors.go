package decision

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown decision id.
	ErrNotFound = errors.New("decision not found")

	// ErrAlreadyFinal is returned when finalizing a FINAL decision.
	ErrAlreadyFinal = errors.New("decision already final")

	// ErrInvalid is returned when recording a malformed decision.
	ErrInvalid = errors.New("invalid decision")

	// ErrTampered matches every TamperedError.
	ErrTampered = errors.New("decision snapshot tampered")
)

// TamperedError reports a stored snapshot whose hash no longer matches.
type TamperedError struct {
	ID       string
	Stored   string
	Computed string
}

// Error implements the error interface.
func (e *TamperedError) Error() string {
	return fmt.Sprintf("decision %s: snapshot hash %s does not match recorded %s",
		e.ID, short(e.Computed), short(e.Stored))
}

// Is matches ErrTampered.
func (e *TamperedError) Is(target error) bool {
	return target == ErrTampered
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
