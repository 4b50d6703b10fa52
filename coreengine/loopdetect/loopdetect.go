// Package loopdetect flags repeated actions over a run's action history.
//
// Detection is a heuristic. Each action string is reduced to a coarse key and
// a loop is reported when the candidate's key matches both of the last two
// history keys. Loops hidden behind irrelevant field differences are missed;
// that is accepted.
package loopdetect

import (
	"encoding/json"
	"strings"
)

// PrefixLen is how much of an unrecognized action string forms its key.
const PrefixLen = 48

// Window is the number of trailing history entries that must match.
const Window = 2

// Reduce maps an action string to its coarse comparison key.
//
//	key {"keys":"cmd+c"}     -> key:cmd+c
//	click_visual {...}       -> click_visual
//	type {"text":"hello"}    -> type
//	anything else            -> first PrefixLen characters
func Reduce(actionStr string) string {
	s := strings.TrimSpace(actionStr)
	head, rest := splitHead(s)

	switch head {
	case "key":
		return "key:" + keysOf(rest)
	case "click_visual", "type":
		return head
	}
	return prefix(s, PrefixLen)
}

// Detect reports whether candidate repeats the last Window entries of
// history after reduction. It is a pure function.
func Detect(history []string, candidate string) bool {
	if len(history) < Window {
		return false
	}
	want := Reduce(candidate)
	for _, h := range history[len(history)-Window:] {
		if Reduce(h) != want {
			return false
		}
	}
	return true
}

// splitHead separates the leading action kind from its payload. Both
// "key {...}" and "key:cmd+c" forms are accepted.
func splitHead(s string) (string, string) {
	i := strings.IndexAny(s, " :{")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " :")
}

func keysOf(rest string) string {
	if strings.HasPrefix(rest, "{") {
		var payload struct {
			Keys string `json:"keys"`
		}
		if err := json.Unmarshal([]byte(rest), &payload); err == nil {
			return strings.ToLower(payload.Keys)
		}
	}
	return strings.ToLower(strings.TrimSpace(rest))
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
