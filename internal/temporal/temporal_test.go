package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	Fields
	Name string
}

type policy struct {
	Validity
	Name string
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStampDefaultsEffectiveToNow(t *testing.T) {
	f := Stamp(time.Time{}, base)
	assert.Equal(t, base, f.EffectiveAt)
	assert.Equal(t, base, f.RecordedAt)
	assert.False(t, f.Backdated())
}

func TestStampKeepsBackdatedEffective(t *testing.T) {
	past := base.Add(-7 * 24 * time.Hour)
	f := Stamp(past, base)
	assert.Equal(t, past, f.EffectiveAt)
	assert.Equal(t, base, f.RecordedAt)
	assert.True(t, f.Backdated())
}

func TestTimesIsPromoted(t *testing.T) {
	e := event{Fields: Stamp(base, base), Name: "x"}
	var s Stamped = e
	assert.Equal(t, base, s.Times().EffectiveAt)
}

func TestAsOfBackdatedEvent(t *testing.T) {
	now := base
	backdated := event{Fields: Stamp(now.Add(-7*24*time.Hour), now), Name: "backdated"}
	events := []event{backdated}

	// Recorded now, effective a week ago: visible from seven days ago onward.
	assert.Empty(t, AsOf(events, now.Add(-8*24*time.Hour)))
	assert.Len(t, AsOf(events, now.Add(-7*24*time.Hour)), 1)
	assert.Len(t, AsOf(events, now), 1)
}

func TestAsOfIgnoresRecordedAt(t *testing.T) {
	// Effective earlier than the query point, recorded long after it.
	late := event{Fields: Fields{EffectiveAt: base, RecordedAt: base.Add(30 * 24 * time.Hour)}}
	got := AsOf([]event{late}, base.Add(time.Hour))
	assert.Len(t, got, 1)
}

func TestAsOfBoundaryInclusive(t *testing.T) {
	e := event{Fields: Stamp(base, base)}
	assert.Len(t, AsOf([]event{e}, base), 1)
	assert.Empty(t, AsOf([]event{e}, base.Add(-time.Nanosecond)))
}

func TestQueryChaining(t *testing.T) {
	events := []event{
		{Fields: Stamp(base.Add(-3*time.Hour), base), Name: "a"},
		{Fields: Stamp(base.Add(-2*time.Hour), base), Name: "b"},
		{Fields: Stamp(base.Add(time.Hour), base), Name: "c"},
	}

	q := Select(events).AsOf(base)
	assert.Equal(t, 2, q.Count())

	named := q.Where(func(e event) bool { return e.Name == "b" })
	got := named.All()
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Name)

	// Branching a query leaves the parent untouched.
	assert.Equal(t, 2, q.Count())

	first, ok := q.First()
	require.True(t, ok)
	assert.Equal(t, "a", first.Name)

	_, ok = q.Where(func(event) bool { return false }).First()
	assert.False(t, ok)
}

func TestQueryBetween(t *testing.T) {
	events := []event{
		{Fields: Stamp(base.Add(-2*time.Hour), base), Name: "a"},
		{Fields: Stamp(base, base), Name: "b"},
		{Fields: Stamp(base.Add(2*time.Hour), base), Name: "c"},
	}
	got := Select(events).Between(base.Add(-time.Hour), base.Add(2*time.Hour)).All()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Name)
	assert.Equal(t, "c", got[1].Name)
}

func TestAsOfEmptyInput(t *testing.T) {
	assert.Empty(t, AsOf[event](nil, base))
}

func TestValidityValidate(t *testing.T) {
	end := base.Add(time.Hour)
	assert.NoError(t, Validity{ValidFrom: base}.Validate())
	assert.NoError(t, Validity{ValidFrom: base, ValidTo: &end}.Validate())

	assert.Error(t, Validity{}.Validate())

	same := base
	err := Validity{ValidFrom: base, ValidTo: &same}.Validate()
	assert.ErrorIs(t, err, ErrInvalidRange)

	before := base.Add(-time.Hour)
	err = Validity{ValidFrom: base, ValidTo: &before}.Validate()
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestValidityActiveAt(t *testing.T) {
	end := base.Add(time.Hour)
	v := Validity{ValidFrom: base, ValidTo: &end}

	assert.False(t, v.ActiveAt(base.Add(-time.Nanosecond)))
	assert.True(t, v.ActiveAt(base))
	assert.True(t, v.ActiveAt(end.Add(-time.Nanosecond)))
	assert.False(t, v.ActiveAt(end))

	open := Validity{ValidFrom: base}
	assert.True(t, open.ActiveAt(base.Add(100*365*24*time.Hour)))
}

func TestValidityQuery(t *testing.T) {
	end := base.Add(24 * time.Hour)
	policies := []policy{
		{Validity: Validity{ValidFrom: base, ValidTo: &end}, Name: "old"},
		{Validity: Validity{ValidFrom: end}, Name: "new"},
	}

	got := SelectValid(policies).AsOf(base.Add(time.Hour)).All()
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].Name)

	cur, ok := SelectValid(policies).Current(fixedClock{t: end.Add(time.Hour)}).First()
	require.True(t, ok)
	assert.Equal(t, "new", cur.Name)

	n := SelectValid(policies).Where(func(p policy) bool { return p.Name == "old" }).
		AsOf(end).Count()
	assert.Zero(t, n)
}

func TestSystemClockIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, SystemClock{}.Now().Location())
}
