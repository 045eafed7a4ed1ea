package license

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ValueKind enumerates the scalar kinds a metadata value may hold.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	}
	return "unknown"
}

// Value is a metadata scalar: string, number, bool or null.
// The zero Value is null.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
}

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a number Value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Int returns a number Value from an int.
func Int(n int) Value { return Number(float64(n)) }

// Bool returns a bool Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Null returns the null Value.
func Null() Value { return Value{} }

// Kind returns the kind of v.
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string and whether v holds one.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the number and whether v holds one.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Boolean returns the bool and whether v holds one.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Text renders v for display.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	}
	return "null"
}

// MarshalJSON encodes v as a bare JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if !v.finite() {
			return nil, errNonFinite
		}
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	}
	return []byte("null"), nil
}

var (
	errNotScalar = errors.New("metadata values must be string, number, bool or null")
	errNonFinite = errors.New("metadata numbers must be finite")
)

func (v Value) finite() bool {
	return v.kind != KindNumber || !(math.IsNaN(v.num) || math.IsInf(v.num, 0))
}

// UnmarshalJSON decodes a JSON scalar. Objects and arrays are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errNotScalar
	}
	switch data[0] {
	case 'n':
		*v = Null()
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
		return nil
	case '{', '[':
		return errNotScalar
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode metadata number: %w", err)
	}
	*v = Number(n)
	return nil
}

// Metadata is an open mapping of caller-supplied values.
type Metadata map[string]Value

// Clone returns a copy of m. A nil map stays nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Validate reports an ErrInvalidRequest for values JSON cannot carry.
func (m Metadata) Validate() error {
	for k, v := range m {
		if !v.finite() {
			return fmt.Errorf("%w: metadata %q: %w", ErrInvalidRequest, k, errNonFinite)
		}
	}
	return nil
}

// MetadataFromMap converts loosely typed values into Metadata.
// Integers and floats become numbers; any other type is an error.
func MetadataFromMap(in map[string]any) (Metadata, error) {
	if in == nil {
		return nil, nil
	}
	out := make(Metadata, len(in))
	for k, raw := range in {
		switch x := raw.(type) {
		case nil:
			out[k] = Null()
		case string:
			out[k] = String(x)
		case bool:
			out[k] = Bool(x)
		case int:
			out[k] = Int(x)
		case int64:
			out[k] = Number(float64(x))
		case float64:
			out[k] = Number(x)
		case float32:
			out[k] = Number(float64(x))
		default:
			return nil, fmt.Errorf("metadata %q: unsupported value type %T", k, raw)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
