package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MalformedResponseError is returned when the model's reply is not a
// well-formed decision.
type MalformedResponseError struct {
	Raw    string
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed supervisor response: %s: %v", e.Reason, e.Err)
	}
	return "malformed supervisor response: " + e.Reason
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// NewMalformedResponseError creates a MalformedResponseError.
func NewMalformedResponseError(raw, reason string, err error) *MalformedResponseError {
	return &MalformedResponseError{Raw: raw, Reason: reason, Err: err}
}

// IsMalformed reports whether err is a *MalformedResponseError.
func IsMalformed(err error) bool {
	var m *MalformedResponseError
	return errors.As(err, &m)
}

// ParseDecision strictly decodes a reply. A surrounding ``` or ```json
// fence is stripped first. Unknown fields, trailing data, a missing action
// or an unknown action value are all malformed.
func ParseDecision(raw string) (Decision, error) {
	body := StripFence(raw)
	if body == "" {
		return Decision{}, NewMalformedResponseError(raw, "empty response", nil)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()

	var d Decision
	if err := dec.Decode(&d); err != nil {
		return Decision{}, NewMalformedResponseError(raw, "invalid json", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Decision{}, NewMalformedResponseError(raw, "trailing data after decision", nil)
	}

	d.Action = Verdict(strings.ToLower(strings.TrimSpace(string(d.Action))))
	if d.Action == "" {
		return Decision{}, NewMalformedResponseError(raw, "missing action", nil)
	}
	if !d.Action.valid() {
		return Decision{}, NewMalformedResponseError(raw, fmt.Sprintf("unknown action %q", d.Action), nil)
	}
	return d, nil
}

// StripFence removes one markdown code fence around s, if present.
func StripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
		// Drop the info string ("json", "JSON", ...).
		s = s[nl+1:]
	} else if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
