package pyrepr

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// JSONValue returns a copy of v that encoding/json renders with the same
// number forms as Encode: floats keep their decimal point, so a whole float
// loads in Python as a float and not an int. Strings are made valid UTF-8.
// Structs and json.Marshaler values are returned unchanged.
func JSONValue(v any) (any, error) {
	out, err := jsonValue(reflect.ValueOf(v), 0)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func jsonValue(v reflect.Value, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("pyrepr: value nested deeper than %d levels", maxDepth)
	}
	if !v.IsValid() {
		return nil, nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
	}
	if v.Type() == jsonNumberType {
		return v.Interface(), nil
	}
	if v.Type().Implements(marshalerType) && v.Kind() != reflect.Interface {
		return v.Interface(), nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		return jsonValue(v.Elem(), depth+1)
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return v.Interface(), nil
		}
		return json.Number(formatFloat(f, v.Type().Bits())), nil
	case reflect.String:
		return strings.ToValidUTF8(v.String(), "\uFFFD"), nil
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface(), nil
		}
		return jsonList(v, depth)
	case reflect.Array:
		return jsonList(v, depth)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		out := reflect.MakeMapWithSize(reflect.MapOf(v.Type().Key(), anyType), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			elem, err := jsonValue(iter.Value(), depth+1)
			if err != nil {
				return nil, err
			}
			val := reflect.New(anyType).Elem()
			if elem != nil {
				val.Set(reflect.ValueOf(elem))
			}
			out.SetMapIndex(iter.Key(), val)
		}
		return out.Interface(), nil
	default:
		return v.Interface(), nil
	}
}

func jsonList(v reflect.Value, depth int) (any, error) {
	out := make([]any, v.Len())
	for i := range out {
		elem, err := jsonValue(v.Index(i), depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = elem
	}
	return out, nil
}
