// Package temporal models the two clocks of a bitemporal record.
//
// EffectiveAt is when an event is considered to have happened in the
// business world; it defaults to the recording time and may be backdated.
// RecordedAt is when the system persisted the record; it is set once and
// never adjusted. Point-in-time queries (AsOf) filter on EffectiveAt only.
//
// Fields is embedded by value in any record type. Embedding promotes the
// Times method, which is all the query functions need:
//
//	type Event struct {
//	    temporal.Fields
//	    Name string
//	}
//
//	recent := temporal.Select(events).AsOf(cutoff).Where(isOpen).All()
//
// Validity covers effective-dated records that hold over a window
// [ValidFrom, ValidTo) rather than at a single instant.
package temporal
