package temporal

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange is returned when a validity window ends before it starts.
var ErrInvalidRange = errors.New("valid_to must be after valid_from")

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Fields holds the effective and recorded timestamps of a record.
type Fields struct {
	EffectiveAt time.Time `json:"effective_at"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Stamp builds Fields for a record persisted at now. A zero effectiveAt
// defaults to now.
func Stamp(effectiveAt, now time.Time) Fields {
	if effectiveAt.IsZero() {
		effectiveAt = now
	}
	return Fields{EffectiveAt: effectiveAt, RecordedAt: now}
}

// Times returns f. Promoted onto every struct that embeds Fields.
func (f Fields) Times() Fields {
	return f
}

// Backdated reports whether the event took effect before it was recorded.
func (f Fields) Backdated() bool {
	return f.EffectiveAt.Before(f.RecordedAt)
}

// EffectiveBy reports whether the record had taken effect at ts.
// The boundary is inclusive.
func (f Fields) EffectiveBy(ts time.Time) bool {
	return !f.EffectiveAt.After(ts)
}

// Stamped is implemented by anything embedding Fields.
type Stamped interface {
	Times() Fields
}

// AsOf returns the items with EffectiveAt <= ts, preserving order.
// RecordedAt never participates.
func AsOf[T Stamped](items []T, ts time.Time) []T {
	return Select(items).AsOf(ts).All()
}

// Validity is an effective-dated window. A nil ValidTo means the record
// holds until further notice.
type Validity struct {
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
}

// Validate checks that the window is well formed.
func (v Validity) Validate() error {
	if v.ValidFrom.IsZero() {
		return fmt.Errorf("valid_from is required")
	}
	if v.ValidTo != nil && !v.ValidTo.After(v.ValidFrom) {
		return fmt.Errorf("%w: [%s, %s)", ErrInvalidRange,
			v.ValidFrom.Format(time.RFC3339), v.ValidTo.Format(time.RFC3339))
	}
	return nil
}

// ActiveAt reports whether ts falls in [ValidFrom, ValidTo).
func (v Validity) ActiveAt(ts time.Time) bool {
	if v.ValidFrom.After(ts) {
		return false
	}
	return v.ValidTo == nil || v.ValidTo.After(ts)
}

// Window returns v. Promoted onto every struct that embeds Validity.
func (v Validity) Window() Validity {
	return v
}

// Windowed is implemented by anything embedding Validity.
type Windowed interface {
	Window() Validity
}
