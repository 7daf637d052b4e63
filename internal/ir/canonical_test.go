package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"string", String("hello"), `"hello"`},
		{"int", Int(-7), `-7`},
		{"bool", Bool(false), `false`},
		{"null", Null{}, `null`},
		{"empty object", Object{}, `{}`},
		{"empty array", Array{}, `[]`},
		{"go string", "x", `"x"`},
		{"go int", 12, `12`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonicalSortsNestedKeys(t *testing.T) {
	obj := Object{
		"b": Object{"z": Int(1), "a": Int(2)},
		"a": Array{Object{"y": Bool(true), "x": Bool(false)}},
	}
	got, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"x":false,"y":true}],"b":{"a":2,"z":1}}`, string(got))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical(String("<a href=\"x\">&</a>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a href=\"x\">&</a>"`, string(got))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	got, err := MarshalCanonical(String("a\u2028b\u2029c"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(got))

	// A literal backslash followed by u2028 text stays escaped.
	got, err = MarshalCanonical(String(`x\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"x\\u2028"`, string(got))
}

func TestMarshalCanonicalKeepsDecomposedText(t *testing.T) {
	decomposed := "e\u0301"
	got, err := MarshalCanonical(Object{decomposed: String(decomposed)})
	require.NoError(t, err)
	assert.Equal(t, "{\"e\u0301\":\"e\u0301\"}", string(got))

	back, err := ParseObject(got)
	require.NoError(t, err)
	assert.Equal(t, Object{decomposed: String(decomposed)}, back)
}

func TestMarshalCanonicalRejectsNormalizationCollisions(t *testing.T) {
	colliding := Object{"e\u0301": Int(1), "\u00e9": Int(2)}

	_, err := MarshalCanonical(colliding)
	assert.ErrorIs(t, err, ErrKeyCollision)

	_, err = CanonicalObject(Object{"nested": Array{colliding}})
	assert.ErrorIs(t, err, ErrKeyCollision)

	_, err = SnapshotHash(colliding)
	assert.ErrorIs(t, err, ErrKeyCollision)
}

func TestHashInputNormalizes(t *testing.T) {
	got, err := hashInput(Object{"b": String("e\u0301"), "e\u0301": Int(1)})
	require.NoError(t, err)
	assert.Equal(t, "{\"b\":\"\u00e9\",\"\u00e9\":1}", string(got))
}

func TestMarshalCanonicalRejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(3.14)
	require.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"price": 1.5})
	require.Error(t, err)
}

func TestMarshalCanonicalDeterministic(t *testing.T) {
	obj := Object{}
	for _, k := range []string{"q", "w", "e", "r", "t", "y"} {
		obj[k] = String(k)
	}
	first, err := MarshalCanonical(obj)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := MarshalCanonical(obj.Clone())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCanonicalObjectNil(t *testing.T) {
	got, err := CanonicalObject(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
}
