package bridge

import "encoding/json"

// StringArg returns args[key] when it is a string.
func StringArg(args map[string]any, key string) string {
	value, _ := args[key].(string)
	return value
}

// OptionalString distinguishes an absent key from an empty string.
func OptionalString(args map[string]any, key string) *string {
	value, ok := args[key].(string)
	if !ok {
		return nil
	}
	return &value
}

// StringsArg accepts both decoded JSON arrays and []string.
func StringsArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func ObjectArg(args map[string]any, key string) map[string]any {
	value, _ := args[key].(map[string]any)
	return value
}

// IntArg reads a numeric argument as decoded from JSON or passed in-process,
// returning fallback when the key is absent or not a number.
func IntArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return fallback
		}
		return int(n)
	default:
		return fallback
	}
}
