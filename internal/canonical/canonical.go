package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Marshal produces deterministic JSON for an event payload or trace value.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping
//  3. Strings are NFC normalized
//  4. Integers of any width encode identically (int(3) == int64(3) == uint8(3))
//  5. NaN and Inf are rejected
//
// Supported: nil, bool, string, all integer and float kinds, slices/arrays of
// supported values, maps with string keys, and fmt.Stringer as a string.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalLenient is Marshal with a fallback: values that cannot be encoded are
// written as their fmt.Sprint string. Used for trace payloads, where an opaque
// event must never fail the record.
func MarshalLenient(v any) []byte {
	data, err := Marshal(v)
	if err == nil {
		return data
	}
	s, _ := encodeString(fmt.Sprint(v))
	return s
}

// Equal reports whether a and b have the same canonical encoding.
// Two values that fail to encode are never equal.
func Equal(a, b any) bool {
	da, err := Marshal(a)
	if err != nil {
		return false
	}
	db, err := Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(da, db)
}

func encode(buf *bytes.Buffer, v reflect.Value) error {
	if !v.IsValid() {
		buf.WriteString("null")
		return nil
	}

	if s, ok := asStringer(v); ok {
		b, err := encodeString(s)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encode(buf, v.Elem())
	case reflect.Bool:
		if v.Bool() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite float is not encodable: %v", f)
		}
		// Integral floats collapse to integers so YAML/CUE decoded numbers
		// compare equal to generated ints.
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			buf.WriteString(strconv.FormatInt(int64(f), 10))
			return nil
		}
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		return nil
	case reflect.String:
		b, err := encodeString(v.String())
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			buf.WriteString("[]")
			return nil
		}
		buf.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, v.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
		return nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("unsupported map key type: %s", v.Type().Key())
		}
		return encodeObject(buf, v)
	default:
		return fmt.Errorf("unsupported type: %s", v.Type())
	}
}

func asStringer(v reflect.Value) (string, bool) {
	if !v.IsValid() || !v.CanInterface() {
		return "", false
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return "", false
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String(), true
	}
	return "", false
}

func encodeObject(buf *bytes.Buffer, v reflect.Value) error {
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessUTF16(keys[i], keys[j])
	})

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := encodeString(k)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := encode(buf, v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))); err != nil {
			return fmt.Errorf("[%q]: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeString writes an NFC-normalized JSON string without HTML escaping.
func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// lessUTF16 compares strings by UTF-16 code units.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// NormalizeNumbers rewrites json.Number values decoded with UseNumber:
// integral values become int64, the rest float64. Slices and string-keyed
// maps are rewritten in place.
func NormalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		for i := range x {
			x[i] = NormalizeNumbers(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = NormalizeNumbers(x[k])
		}
		return x
	default:
		return v
	}
}

// Int reports the integer value of v when v is any integer kind, a
// json.Number holding an integer, or an integral float.
func Int(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) || math.Abs(f) >= 1<<53 {
			return 0, false
		}
		return int64(f), true
	}
	if n, ok := v.(json.Number); ok {
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
