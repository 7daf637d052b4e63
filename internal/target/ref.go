package target

import (
	"fmt"
	"strings"
)

// Identifiable is implemented by entities that can be referenced.
type Identifiable interface {
	// TargetType returns the registry tag for the entity's kind.
	TargetType() string

	// TargetID returns the entity's identity as an opaque string.
	TargetID() string
}

// Ref is a weak reference to an entity. Refs compare by value.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// FromInstance captures the type tag and identity of e.
func FromInstance(e Identifiable) Ref {
	return Ref{Type: e.TargetType(), ID: e.TargetID()}
}

// Validate checks that both parts of the ref are present.
func (r Ref) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("%w: type is empty", ErrInvalidRef)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: id is empty", ErrInvalidRef)
	}
	return nil
}

// IsZero reports whether r is the zero Ref.
func (r Ref) IsZero() bool {
	return r == Ref{}
}

// String formats r as "type:id".
func (r Ref) String() string {
	return r.Type + ":" + r.ID
}

// ParseRef parses the "type:id" form produced by String. The id may itself
// contain colons; only the first one separates the parts.
func ParseRef(s string) (Ref, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q is not in type:id form", ErrInvalidRef, s)
	}
	r := Ref{Type: typ, ID: id}
	if err := r.Validate(); err != nil {
		return Ref{}, err
	}
	return r, nil
}
