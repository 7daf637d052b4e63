package target

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// Lookup fetches the live entity for id. It returns (nil, nil), a typed nil
// such as (*T)(nil), or an error matching ErrNotFound when the entity does
// not exist.
type Lookup func(ctx context.Context, id string) (any, error)

// Registry maps type tags to lookup functions. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	lookups map[string]Lookup
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{lookups: make(map[string]Lookup)}
}

// Register binds a lookup to a type tag.
func (r *Registry) Register(typeTag string, lookup Lookup) error {
	if typeTag == "" {
		return fmt.Errorf("%w: type is empty", ErrInvalidRef)
	}
	if lookup == nil {
		return fmt.Errorf("register %q: nil lookup", typeTag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.lookups[typeTag]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateType, typeTag)
	}
	r.lookups[typeTag] = lookup
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(typeTag string, lookup Lookup) {
	if err := r.Register(typeTag, lookup); err != nil {
		panic(err)
	}
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.lookups))
	for t := range r.lookups {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Resolve performs a live lookup of ref.
func (r *Registry) Resolve(ctx context.Context, ref Ref) (any, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	lookup, ok := r.lookups[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, ref.Type)
	}

	entity, err := lookup(ctx, ref.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Ref: ref}
		}
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	if isNil(entity) {
		return nil, &NotFoundError{Ref: ref}
	}
	return entity, nil
}

// isNil reports whether v is nil or a nil pointer, map, slice, func,
// channel or interface held in a non-nil interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// ResolveAs resolves ref and asserts the entity's type.
func ResolveAs[E any](ctx context.Context, r *Registry, ref Ref) (E, error) {
	var zero E
	entity, err := r.Resolve(ctx, ref)
	if err != nil {
		return zero, err
	}
	e, ok := entity.(E)
	if !ok {
		return zero, fmt.Errorf("resolve %s: got %T, want %T", ref, entity, zero)
	}
	return e, nil
}

// MapLookup builds a Lookup over an in-memory map. Useful for fixtures and
// for small static catalogs.
func MapLookup[E any](m map[string]E) Lookup {
	return func(_ context.Context, id string) (any, error) {
		e, ok := m[id]
		if !ok {
			return nil, nil
		}
		return e, nil
	}
}
