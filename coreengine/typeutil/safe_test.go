package typeutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// NUMERIC COERCION TESTS
// =============================================================================

func TestSafeInt(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		wantInt  int
		wantBool bool
	}{
		{name: "int", input: 42, wantInt: 42, wantBool: true},
		{name: "int64", input: int64(100), wantInt: 100, wantBool: true},
		{name: "float64 from JSON", input: float64(123), wantInt: 123, wantBool: true},
		{name: "float truncates", input: 12.9, wantInt: 12, wantBool: true},
		{name: "json number", input: json.Number("77"), wantInt: 77, wantBool: true},
		{name: "numeric string", input: " 120 ", wantInt: 120, wantBool: true},
		{name: "float string", input: "3.5", wantInt: 3, wantBool: true},
		{name: "word string", input: "left", wantInt: 0, wantBool: false},
		{name: "nil", input: nil, wantInt: 0, wantBool: false},
		{name: "bool", input: true, wantInt: 0, wantBool: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeInt(tt.input)
			assert.Equal(t, tt.wantBool, ok)
			assert.Equal(t, tt.wantInt, got)
		})
	}
}

func TestSafeFloat64(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		want     float64
		wantBool bool
	}{
		{name: "float64", input: 1.5, want: 1.5, wantBool: true},
		{name: "int", input: 2, want: 2, wantBool: true},
		{name: "string", input: "0.25", want: 0.25, wantBool: true},
		{name: "json number", input: json.Number("4.5"), want: 4.5, wantBool: true},
		{name: "garbage", input: "soon", want: 0, wantBool: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeFloat64(tt.input)
			assert.Equal(t, tt.wantBool, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, 99, SafeIntDefault(nil, 99))
	assert.Equal(t, 7, SafeIntDefault("7", 99))
	assert.InDelta(t, 2.0, SafeFloat64Default("x", 2.0), 1e-9)
	assert.Equal(t, "d", SafeStringDefault(42, "d"))
	assert.True(t, SafeBoolDefault(nil, true))
	assert.False(t, SafeBoolDefault("FALSE", true))
}

// =============================================================================
// STRING / BOOL / SLICE TESTS
// =============================================================================

func TestSafeString(t *testing.T) {
	s, ok := SafeString("hello")
	assert.True(t, ok)
	assert.Equal(t, "hello", s)

	_, ok = SafeString(42)
	assert.False(t, ok)

	_, ok = SafeString(nil)
	assert.False(t, ok)
}

func TestSafeBool(t *testing.T) {
	b, ok := SafeBool(true)
	assert.True(t, ok)
	assert.True(t, b)

	b, ok = SafeBool("True")
	assert.True(t, ok)
	assert.True(t, b)

	_, ok = SafeBool("maybe")
	assert.False(t, ok)

	_, ok = SafeBool(1)
	assert.False(t, ok)
}

func TestSafeStringSlice(t *testing.T) {
	got, ok := SafeStringSlice([]any{"a", "b"})
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got)

	got, ok = SafeStringSlice([]string{"x"})
	assert.True(t, ok)
	assert.Equal(t, []string{"x"}, got)

	_, ok = SafeStringSlice([]any{"a", 1})
	assert.False(t, ok)

	_, ok = SafeStringSlice("a")
	assert.False(t, ok)
}

func TestSafeMillis(t *testing.T) {
	d, ok := SafeMillis(float64(1500))
	assert.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)

	_, ok = SafeMillis("never")
	assert.False(t, ok)
}

// =============================================================================
// MAP LOOKUP TESTS
// =============================================================================

func TestSafeMapStringAny(t *testing.T) {
	m, ok := SafeMapStringAny(map[string]any{"k": "v"})
	assert.True(t, ok)
	assert.Equal(t, "v", m["k"])

	_, ok = SafeMapStringAny("not a map")
	assert.False(t, ok)

	_, ok = SafeMapStringAny(nil)
	assert.False(t, ok)
}

func TestFirstPresent(t *testing.T) {
	m := map[string]any{"b": 2, "c": nil}

	v, ok := FirstPresent(m, "a", "c", "b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = FirstPresent(m, "a", "c")
	assert.False(t, ok)
}

func TestFirstString(t *testing.T) {
	m := map[string]any{"a": "  ", "b": 3, "c": "value"}
	assert.Equal(t, "value", FirstString(m, "a", "b", "c"))
	assert.Equal(t, "", FirstString(m, "a", "b"))
}
