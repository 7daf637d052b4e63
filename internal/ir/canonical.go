package ir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/text/unicode/norm"
)

// ErrKeyCollision is returned for an object with two keys that are equal
// after NFC normalization. Such an object has no single hash input.
var ErrKeyCollision = errors.New("object keys collide after NFC normalization")

// MarshalCanonical produces RFC 8785 canonical JSON. This is the only
// serialization used for persisted blobs.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units
//  2. No HTML escaping, U+2028/U+2029 written literally
//  3. Floats are rejected
//  4. Objects whose keys collide after NFC are rejected
//
// Strings are written exactly as given. Content hashes normalize them
// to NFC first; see hashInput.
func MarshalCanonical(v any) ([]byte, error) {
	return canonicalEncoder{}.marshal(v)
}

// hashInput is the canonical form with every key and string NFC
// normalized, so canonically equivalent text hashes the same.
func hashInput(obj Object) ([]byte, error) {
	if obj == nil {
		return []byte("{}"), nil
	}
	return canonicalEncoder{nfc: true}.marshalObject(obj)
}

type canonicalEncoder struct {
	nfc bool
}

func (e canonicalEncoder) marshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return e.marshalString(string(val))
	case string:
		return e.marshalString(val)
	case Int:
		return []byte(fmt.Sprintf("%d", int64(val))), nil
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case Bool:
		return marshalBool(bool(val)), nil
	case bool:
		return marshalBool(val), nil
	case Array:
		return e.marshalArray(val)
	case Object:
		return e.marshalObject(val)
	case []any, map[string]any:
		conv, err := FromAny(val)
		if err != nil {
			return nil, err
		}
		return e.marshal(conv)
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func (e canonicalEncoder) marshalString(s string) ([]byte, error) {
	if e.nfc {
		s = norm.NFC.String(s)
	}
	return marshalCanonicalString(s)
}

func marshalBool(b bool) []byte {
	if b {
		return []byte("true")
	}
	return []byte("false")
}

// marshalCanonicalString escapes only quote, backslash and control
// characters. It does not normalize.
func marshalCanonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return unescapeLineSeparators(out), nil
}

// unescapeLineSeparators rewrites the \u2028 and \u2029 escapes that
// encoding/json emits into the literal characters. An escape preceded by an
// odd number of backslashes is literal text in the source string and is
// left alone.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+5 < len(data) &&
			data[i+1] == 'u' && data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
			(data[i+5] == '8' || data[i+5] == '9') {
			backslashes := 0
			for j := len(out) - 1; j >= 0 && out[j] == '\\'; j-- {
				backslashes++
			}
			if backslashes%2 == 0 {
				if data[i+5] == '8' {
					out = append(out, "\u2028"...)
				} else {
					out = append(out, "\u2029"...)
				}
				i += 5
				continue
			}
		}
		out = append(out, data[i])
	}
	return out
}

func (e canonicalEncoder) marshalArray(arr Array) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := e.marshal(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (e canonicalEncoder) marshalObject(obj Object) ([]byte, error) {
	// Keys are checked in normalized form whatever the output form, so
	// stored and hashed encodings accept exactly the same objects.
	normalized := make(map[string]string, len(obj))
	for k := range obj {
		n := norm.NFC.String(k)
		if other, ok := normalized[n]; ok {
			return nil, fmt.Errorf("%w: %q and %q", ErrKeyCollision, other, k)
		}
		normalized[n] = k
	}

	keys := obj.SortedKeys()
	if e.nfc {
		keys = make([]string, 0, len(normalized))
		for n := range normalized {
			keys = append(keys, n)
		}
		slices.SortFunc(keys, compareKeysRFC8785)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := marshalCanonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		original := k
		if e.nfc {
			original = normalized[k]
		}
		valBytes, err := e.marshal(obj[original])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// CanonicalObject marshals obj canonically. A nil Object encodes as {}.
func CanonicalObject(obj Object) ([]byte, error) {
	if obj == nil {
		return []byte("{}"), nil
	}
	return canonicalEncoder{}.marshalObject(obj)
}
