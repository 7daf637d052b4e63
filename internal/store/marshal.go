package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/decisioning/internal/ir"
)

// toNanos converts t to UTC unix nanoseconds for storage.
func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// fromNanos converts stored nanoseconds back to a UTC time.
func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// nullableNanos maps nil to SQL NULL.
func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

// timePtr maps SQL NULL to nil.
func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// marshalObject converts an Object to canonical JSON TEXT for storage.
// A nil Object is stored as {}.
func marshalObject(field string, obj ir.Object) (string, error) {
	data, err := ir.CanonicalObject(obj)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", field, err)
	}
	return string(data), nil
}

// unmarshalObject parses canonical JSON TEXT. Integers are decoded through
// json.Number, so values beyond 2^53 survive the round trip.
func unmarshalObject(field, data string) (ir.Object, error) {
	obj, err := ir.ParseObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", field, err)
	}
	return obj, nil
}
