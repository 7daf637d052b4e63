package target

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("target not found")

	// ErrUnknownType is returned when no lookup is registered for a type tag.
	ErrUnknownType = errors.New("unknown target type")

	// ErrDuplicateType is returned when a type tag is registered twice.
	ErrDuplicateType = errors.New("target type already registered")

	// ErrInvalidRef is returned for a Ref with an empty type tag or id.
	ErrInvalidRef = errors.New("invalid target ref")
)

// NotFoundError reports a live lookup that found nothing.
type NotFoundError struct {
	Ref Ref
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("target not found: %s", e.Ref)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
