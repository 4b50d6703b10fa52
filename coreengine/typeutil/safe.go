// Package typeutil provides lenient type assertion helpers for untyped model
// output and config maps. Model responses routinely put numbers in strings
// ("x": "120") or floats where ints belong; these helpers accept both.
package typeutil

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// SafeMapStringAny asserts value to map[string]any.
func SafeMapStringAny(value any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// SafeString asserts value to a string. Non-string values fail.
func SafeString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// SafeStringDefault returns value as a string, or defaultVal.
func SafeStringDefault(value any, defaultVal string) string {
	if s, ok := SafeString(value); ok {
		return s
	}
	return defaultVal
}

// SafeInt converts numeric values, json.Number and numeric strings to int.
// Floats are truncated.
func SafeInt(value any) (int, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
		if f, err := v.Float64(); err == nil {
			return int(f), true
		}
	case string:
		s := strings.TrimSpace(v)
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

// SafeIntDefault returns value as an int, or defaultVal.
func SafeIntDefault(value any, defaultVal int) int {
	if i, ok := SafeInt(value); ok {
		return i
	}
	return defaultVal
}

// SafeFloat64 converts numeric values, json.Number and numeric strings to float64.
func SafeFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// SafeFloat64Default returns value as a float64, or defaultVal.
func SafeFloat64Default(value any, defaultVal float64) float64 {
	if f, ok := SafeFloat64(value); ok {
		return f
	}
	return defaultVal
}

// SafeBool accepts bools and the strings "true"/"false" (any case).
func SafeBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	}
	return false, false
}

// SafeBoolDefault returns value as a bool, or defaultVal.
func SafeBoolDefault(value any, defaultVal bool) bool {
	if b, ok := SafeBool(value); ok {
		return b
	}
	return defaultVal
}

// SafeStringSlice asserts value to []string. A []any succeeds only when
// every element is a string.
func SafeStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// SafeMillis converts a millisecond count to a time.Duration.
func SafeMillis(value any) (time.Duration, bool) {
	ms, ok := SafeInt(value)
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// FirstPresent returns the value of the first key present in m.
func FirstPresent(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// FirstString returns the first non-empty string among keys in m.
func FirstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := SafeString(m[k]); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
