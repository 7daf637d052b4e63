package temporal

import "time"

// filter is the shared predicate chain behind both query types. Every
// combinator returns a new chain, so a query can be branched safely.
type filter[T any] struct {
	items []T
	preds []func(T) bool
}

func (f filter[T]) with(pred func(T) bool) filter[T] {
	preds := make([]func(T) bool, len(f.preds), len(f.preds)+1)
	copy(preds, f.preds)
	return filter[T]{items: f.items, preds: append(preds, pred)}
}

func (f filter[T]) match(item T) bool {
	for _, p := range f.preds {
		if !p(item) {
			return false
		}
	}
	return true
}

func (f filter[T]) all() []T {
	out := make([]T, 0, len(f.items))
	for _, item := range f.items {
		if f.match(item) {
			out = append(out, item)
		}
	}
	return out
}

func (f filter[T]) count() int {
	n := 0
	for _, item := range f.items {
		if f.match(item) {
			n++
		}
	}
	return n
}

func (f filter[T]) first() (T, bool) {
	for _, item := range f.items {
		if f.match(item) {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Query is a lazy, chainable filter over records stamped with Fields.
type Query[T Stamped] struct {
	f filter[T]
}

// Select starts a query over items. The slice is not copied; results are.
func Select[T Stamped](items []T) Query[T] {
	return Query[T]{f: filter[T]{items: items}}
}

// AsOf keeps records whose EffectiveAt <= ts.
func (q Query[T]) AsOf(ts time.Time) Query[T] {
	return Query[T]{f: q.f.with(func(item T) bool {
		return item.Times().EffectiveBy(ts)
	})}
}

// Between keeps records whose EffectiveAt lies in [from, to].
func (q Query[T]) Between(from, to time.Time) Query[T] {
	return Query[T]{f: q.f.with(func(item T) bool {
		at := item.Times().EffectiveAt
		return !at.Before(from) && !at.After(to)
	})}
}

// Where keeps records matching pred.
func (q Query[T]) Where(pred func(T) bool) Query[T] {
	return Query[T]{f: q.f.with(pred)}
}

// All returns the matching records in input order.
func (q Query[T]) All() []T { return q.f.all() }

// Count returns the number of matching records.
func (q Query[T]) Count() int { return q.f.count() }

// First returns the first matching record.
func (q Query[T]) First() (T, bool) { return q.f.first() }

// ValidityQuery is a lazy, chainable filter over effective-dated records.
type ValidityQuery[T Windowed] struct {
	f filter[T]
}

// SelectValid starts a query over effective-dated items.
func SelectValid[T Windowed](items []T) ValidityQuery[T] {
	return ValidityQuery[T]{f: filter[T]{items: items}}
}

// AsOf keeps records whose window contains ts.
func (q ValidityQuery[T]) AsOf(ts time.Time) ValidityQuery[T] {
	return ValidityQuery[T]{f: q.f.with(func(item T) bool {
		return item.Window().ActiveAt(ts)
	})}
}

// Current keeps records valid at clock.Now().
func (q ValidityQuery[T]) Current(clock Clock) ValidityQuery[T] {
	return q.AsOf(clock.Now())
}

// Where keeps records matching pred.
func (q ValidityQuery[T]) Where(pred func(T) bool) ValidityQuery[T] {
	return ValidityQuery[T]{f: q.f.with(pred)}
}

// All returns the matching records in input order.
func (q ValidityQuery[T]) All() []T { return q.f.all() }

// Count returns the number of matching records.
func (q ValidityQuery[T]) Count() int { return q.f.count() }

// First returns the first matching record.
func (q ValidityQuery[T]) First() (T, bool) { return q.f.first() }
