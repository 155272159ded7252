package tools

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// ValidateArgs checks args against a JSON-Schema subset: an object with
// typed properties, optional enums, a required list, and
// additionalProperties. All violations are reported together.
func ValidateArgs(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if t, ok := schema["type"].(string); ok && t != "object" {
		return fmt.Errorf("schema type %q is not supported, want object", t)
	}

	props, _ := schema["properties"].(map[string]any)
	var errs []error

	for _, name := range stringList(schema["required"]) {
		if v, ok := args[name]; !ok || v == nil {
			errs = append(errs, fmt.Errorf("missing required property %q", name))
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := args[name]
		prop, known := props[name].(map[string]any)
		if !known {
			if additional, ok := schema["additionalProperties"].(bool); ok && !additional {
				errs = append(errs, fmt.Errorf("unknown property %q", name))
			}
			continue
		}
		if value == nil {
			continue
		}
		if want, ok := prop["type"].(string); ok && !hasType(value, want) {
			errs = append(errs, fmt.Errorf("property %q: want %s, got %s", name, want, typeName(value)))
			continue
		}
		if enum, ok := prop["enum"].([]any); ok && !inEnum(value, enum) {
			errs = append(errs, fmt.Errorf("property %q: %v is not one of %s", name, value, formatEnum(enum)))
		}
	}
	return errors.Join(errs...)
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, s := range l {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func hasType(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case "array":
		k := reflect.TypeOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	case "object":
		return reflect.TypeOf(v).Kind() == reflect.Map
	}
	// Unknown schema types accept anything.
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

// inEnum compares numbers by value so 3 (YAML int) matches 3.0 (JSON float).
func inEnum(v any, enum []any) bool {
	vf, vNum := toFloat(v)
	for _, e := range enum {
		if ef, ok := toFloat(e); ok && vNum {
			if ef == vf {
				return true
			}
			continue
		}
		if reflect.DeepEqual(v, e) {
			return true
		}
	}
	return false
}

func formatEnum(enum []any) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = fmt.Sprint(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
