// Package pyrepr renders Go values as Python literal expressions.
//
// The output evaluates in a Python interpreter to an equivalent value:
// nil → None, bools → True/False, numbers, strings, []byte → bytes,
// slices → lists, maps → dicts. Structs and other json.Marshaler values are
// rendered through their JSON form.
package pyrepr

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

const maxDepth = 100

var (
	marshalerType  = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	jsonNumberType = reflect.TypeOf(json.Number(""))
)

// UnsupportedTypeError is returned for values with no literal form.
type UnsupportedTypeError struct {
	Type reflect.Type
}

func (e *UnsupportedTypeError) Error() string {
	return "pyrepr: unsupported type " + e.Type.String()
}

// Encode returns the Python literal for v.
func Encode(v any) (string, error) {
	var b strings.Builder
	if err := encode(&b, reflect.ValueOf(v), 0); err != nil {
		return "", err
	}
	return b.String(), nil
}

func encode(b *strings.Builder, v reflect.Value, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("pyrepr: value nested deeper than %d levels", maxDepth)
	}
	if !v.IsValid() {
		b.WriteString("None")
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			b.WriteString("None")
			return nil
		}
	}

	if v.Type() == jsonNumberType {
		n := v.String()
		if n == "" {
			b.WriteString("0")
		} else {
			b.WriteString(n)
		}
		return nil
	}
	if v.Type().Implements(marshalerType) && v.Kind() != reflect.Interface {
		return encodeJSON(b, v, depth)
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		return encode(b, v.Elem(), depth+1)
	case reflect.Bool:
		if v.Bool() {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		b.WriteString(formatFloat(v.Float(), v.Type().Bits()))
	case reflect.Complex64, reflect.Complex128:
		c := v.Complex()
		fmt.Fprintf(b, "complex(%s, %s)", formatFloat(real(c), 64), formatFloat(imag(c), 64))
	case reflect.String:
		b.WriteString(strconv.Quote(strings.ToValidUTF8(v.String(), "\uFFFD")))
	case reflect.Slice:
		if v.IsNil() {
			b.WriteString("None")
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			writeBytes(b, v.Bytes())
			return nil
		}
		return encodeList(b, v, depth)
	case reflect.Array:
		return encodeList(b, v, depth)
	case reflect.Map:
		if v.IsNil() {
			b.WriteString("None")
			return nil
		}
		return encodeMap(b, v, depth)
	case reflect.Struct:
		return encodeJSON(b, v, depth)
	default:
		return &UnsupportedTypeError{Type: v.Type()}
	}
	return nil
}

func encodeList(b *strings.Builder, v reflect.Value, depth int) error {
	b.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		if err := encode(b, v.Index(i), depth+1); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

func encodeMap(b *strings.Builder, v reflect.Value, depth int) error {
	type entry struct{ key, val string }
	entries := make([]entry, 0, v.Len())

	iter := v.MapRange()
	for iter.Next() {
		var kb, vb strings.Builder
		if err := encode(&kb, iter.Key(), depth+1); err != nil {
			return err
		}
		if err := encode(&vb, iter.Value(), depth+1); err != nil {
			return err
		}
		entries = append(entries, entry{kb.String(), vb.String()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	b.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.key)
		b.WriteString(": ")
		b.WriteString(e.val)
	}
	b.WriteByte('}')
	return nil
}

// encodeJSON renders v through its JSON representation.
func encodeJSON(b *strings.Builder, v reflect.Value, depth int) error {
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return fmt.Errorf("pyrepr: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("pyrepr: %w", err)
	}
	return encode(b, reflect.ValueOf(generic), depth+1)
}

func formatFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "float('nan')"
	case math.IsInf(f, 1):
		return "float('inf')"
	case math.IsInf(f, -1):
		return "float('-inf')"
	}
	s := strconv.FormatFloat(f, 'g', -1, bits)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func writeBytes(b *strings.Builder, data []byte) {
	b.WriteString(`b"`)
	for _, c := range data {
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\t':
			b.WriteString(`\t`)
		case c == '\r':
			b.WriteString(`\r`)
		case c >= 0x20 && c < 0x7f:
			b.WriteByte(c)
		default:
			fmt.Fprintf(b, `\x%02x`, c)
		}
	}
	b.WriteByte('"')
}

var keywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true,
	"assert": true, "async": true, "await": true, "break": true, "class": true,
	"continue": true, "def": true, "del": true, "elif": true, "else": true,
	"except": true, "finally": true, "for": true, "from": true, "global": true,
	"if": true, "import": true, "in": true, "is": true, "lambda": true,
	"nonlocal": true, "not": true, "or": true, "pass": true, "raise": true,
	"return": true, "try": true, "while": true, "with": true, "yield": true,
}

// IsIdentifier reports whether name can be bound as a Python global: an
// ASCII identifier that is not a keyword.
func IsIdentifier(name string) bool {
	if name == "" || keywords[name] {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
