package engine

import "encoding/json"

// Metadata is the caller-supplied bag of hints attached to an action.
// Values arrive from JSON, so numbers are float64 and lists are []any.
type Metadata map[string]any

// Truthy applies the per-type rules used by boost checks: a bool must be
// true, a number non-zero, a string non-empty, a list non-empty. Anything
// else is false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case []string:
		return len(val) > 0
	default:
		return false
	}
}

// Numeric extracts a float from a metadata value. Strings do not count as
// numeric even when parseable.
func Numeric(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// recipientCount interprets the recipients key, which may be a list of
// recipients or a bare count.
func recipientCount(v any) (int, bool) {
	switch val := v.(type) {
	case []any:
		return len(val), true
	case []string:
		return len(val), true
	default:
		if f, ok := Numeric(v); ok {
			return int(f), true
		}
		return 0, false
	}
}
