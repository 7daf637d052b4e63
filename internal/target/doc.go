// Package target provides weak, polymorphic references to entities.
//
// A Ref names an entity by a type tag and an opaque id. It carries no
// ownership and no cascade: the entity can disappear at any time, and
// Resolve reports that as a NotFoundError. Lookups are registered per type
// tag in a Registry, so code holding a Ref never depends on the concrete
// entity type at compile time.
package target
