// Package sanitize implements a pure, idempotent recursive coercion of
// plugin return values into JSON primitives, nested lists, and
// string-keyed maps, rejecting anything that cannot round-trip through
// encoding/json (NaN/Inf, raw byte buffers unless explicitly requested,
// channels, funcs, complex numbers).
package sanitize

import (
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/forgesyte/forgesyte-go/internal/forgeerr"
)

// Sanitize recursively coerces obj into JSON-safe primitives, slices, and
// map[string]any. Raw []byte is rejected — callers that expect an encoded
// image must route it through SanitizeBytes explicitly, keeping the
// raw-vs-base64 boundary enforced by the call site rather than by
// sniffing the value.
func Sanitize(obj any) (any, error) {
	return sanitize(reflect.ValueOf(obj), false)
}

// SanitizeBytes is identical to Sanitize except it allows []byte at any
// depth, base64-encoding it to a string. Use only at the boundary where a
// tool explicitly produces an annotated image.
func SanitizeBytes(obj any) (any, error) {
	return sanitize(reflect.ValueOf(obj), true)
}

func sanitize(v reflect.Value, allowBytes bool) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			return nil, nil
		}
		return sanitize(v.Elem(), allowBytes)

	case reflect.Bool:
		return v.Bool(), nil

	case reflect.String:
		return v.String(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint(), nil

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, forgeerr.New(forgeerr.JSONUnsafe, "non-finite float %v is not JSON-safe", f)
		}
		return f, nil

	case reflect.Complex64, reflect.Complex128:
		return nil, forgeerr.New(forgeerr.JSONUnsafe, "complex numbers are not JSON-safe")

	case reflect.Slice, reflect.Array:
		// []byte is the one binary-buffer case handled specially below.
		if v.Type().Elem().Kind() == reflect.Uint8 && v.Kind() == reflect.Slice {
			if !allowBytes {
				return nil, forgeerr.New(forgeerr.JSONUnsafe, "raw byte buffer encountered outside an explicit base64 boundary")
			}
			return base64.StdEncoding.EncodeToString(v.Bytes()), nil
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			elem, err := sanitize(v.Index(i), allowBytes)
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, forgeerr.New(forgeerr.JSONUnsafe, "map keys must be strings, got %s", v.Type().Key())
		}
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			val, err := sanitize(v.MapIndex(k), allowBytes)
			if err != nil {
				return nil, err
			}
			out[k.String()] = val
		}
		return out, nil

	case reflect.Struct:
		return sanitizeStruct(v, allowBytes)

	default:
		return nil, forgeerr.New(forgeerr.JSONUnsafe, "value of kind %s is not JSON-safe", v.Kind())
	}
}

// sanitizeStruct flattens exported fields into a map, honoring a "json" tag
// name when present (mirrors encoding/json's own field-naming rule closely
// enough for plugin result structs without pulling in a reflection cache).
func sanitizeStruct(v reflect.Value, allowBytes bool) (any, error) {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			}
			if idx := indexOfComma(tag); idx >= 0 {
				if tag[:idx] != "" {
					name = tag[:idx]
				}
			} else if tag != "" {
				name = tag
			}
		}
		val, err := sanitize(v.Field(i), allowBytes)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		out[name] = val
	}
	return out, nil
}

func indexOfComma(s string) int {
	for i, r := range s {
		if r == ',' {
			return i
		}
	}
	return -1
}
