package tools

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/m4xw311/iabuilder/errors"
)

// ValidateArgs checks args against a JSON object schema and returns a
// copy with coercible values converted to the declared type. Models often
// send "3" for an integer or 2.0 for a count; both are accepted.
func ValidateArgs(schema map[string]interface{}, args map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	if len(schema) == 0 {
		return out, nil
	}

	required, err := requiredFields(schema["required"])
	if err != nil {
		return nil, err
	}
	for _, field := range required {
		if v, ok := out[field]; !ok || v == nil {
			return nil, errors.New("missing required argument %q", field)
		}
	}

	properties, hasProperties := schema["properties"].(map[string]interface{})
	additional := true
	if v, ok := schema["additionalProperties"].(bool); ok {
		additional = v
	}

	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		prop, ok := properties[key].(map[string]interface{})
		if !ok {
			if hasProperties && !additional {
				return nil, errors.New("unknown argument %q", key)
			}
			continue
		}
		typ, _ := prop["type"].(string)
		if typ == "" || out[key] == nil {
			continue
		}
		v, ok := coerce(typ, out[key])
		if !ok {
			return nil, errors.New("argument %q must be %s, got %s", key, typ, describe(out[key]))
		}
		if enum, ok := prop["enum"].([]interface{}); ok && !inEnum(v, enum) {
			return nil, errors.New("argument %q must be one of %v", key, enum)
		}
		out[key] = v
	}
	return out, nil
}

func requiredFields(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.New(`schema "required" entries must be strings`)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errors.New(`schema "required" must be an array`)
	}
}

func coerce(typ string, v interface{}) (interface{}, bool) {
	switch typ {
	case "string":
		switch x := v.(type) {
		case string:
			return x, true
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), true
		case int:
			return strconv.Itoa(x), true
		case bool:
			return strconv.FormatBool(x), true
		}
	case "integer":
		switch x := v.(type) {
		case int:
			return x, true
		case int64:
			return int(x), true
		case float64:
			if x == math.Trunc(x) {
				return int(x), true
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
				return n, true
			}
		}
	case "number":
		switch x := v.(type) {
		case float64:
			return x, true
		case int:
			return float64(x), true
		case int64:
			return float64(x), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f, true
			}
		}
	case "boolean":
		switch x := v.(type) {
		case bool:
			return x, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
				return b, true
			}
		}
	case "object":
		if reflect.TypeOf(v).Kind() == reflect.Map {
			return v, true
		}
	case "array":
		k := reflect.TypeOf(v).Kind()
		if k == reflect.Slice || k == reflect.Array {
			return v, true
		}
	default:
		return v, true
	}
	return nil, false
}

func inEnum(v interface{}, enum []interface{}) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func describe(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

// Helpers for tools reading already validated arguments.

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch n := args[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

func boolArg(args map[string]interface{}, key string) bool {
	b, _ := args[key].(bool)
	return b
}
