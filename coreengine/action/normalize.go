package action

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/typeutil"
)

// =============================================================================
// ERRORS
// =============================================================================

// ValidationError is returned when a raw proposal cannot be turned into an Action.
type ValidationError struct {
	Kind   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Kind != "" && e.Field != "":
		return fmt.Sprintf("invalid %s action: %s: %s", e.Kind, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("invalid action: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid action: %s", e.Reason)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(kind, field, reason string) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Reason: reason}
}

// =============================================================================
// NORMALIZATION
// =============================================================================

var wrapperKeys = []string{"action", "plan", "step", "next_action"}

// Unwrap strips one level of nesting such as {"action": {...}} or
// {"plan": {...}} when the outer map carries no action_type of its own. Only a
// single level is removed.
func Unwrap(raw map[string]any) map[string]any {
	for _, key := range wrapperKeys {
		inner, ok := typeutil.SafeMapStringAny(raw[key])
		if !ok {
			continue
		}
		if _, hasType := typeutil.FirstPresent(raw, "action_type", "kind"); hasType {
			return raw
		}
		return inner
	}
	return raw
}

// reserved keys are never treated as payload fields.
var reserved = map[string]bool{
	"action_type": true, "kind": true, "action": true,
	"description": true, "reason": true, "intent": true,
	"structured_data": true, "payload": true, "params": true,
	"thought": true, "reasoning": true,
}

// Normalize validates a raw model proposal and returns a typed Action. The
// proposal is unwrapped once first. The payload may live under
// structured_data, payload or params, or be spread across the top level.
func Normalize(raw map[string]any) (Action, error) {
	if raw == nil {
		return nil, NewValidationError("", "", "empty proposal")
	}
	raw = Unwrap(raw)

	kindName := typeutil.FirstString(raw, "action_type", "kind", "action")
	if kindName == "" {
		return nil, NewValidationError("", "action_type", "missing")
	}
	kind, ok := ParseKind(kindName)
	if !ok {
		return nil, NewValidationError(kindName, "action_type", "unknown action kind")
	}

	data := payload(raw)
	meta := Meta{
		Desc:   strings.TrimSpace(typeutil.FirstString(raw, "description", "reason")),
		Intent: strings.TrimSpace(typeutil.FirstString(raw, "intent")),
	}
	return build(kind, meta, data)
}

func payload(raw map[string]any) map[string]any {
	for _, key := range []string{"structured_data", "payload", "params"} {
		if m, ok := typeutil.SafeMapStringAny(raw[key]); ok {
			return m
		}
	}
	data := make(map[string]any, len(raw))
	for k, v := range raw {
		if !reserved[k] {
			data[k] = v
		}
	}
	return data
}

func build(kind Kind, meta Meta, data map[string]any) (Action, error) {
	k := string(kind)
	switch kind {
	case KindClick, KindDoubleClick:
		x, okX := coord(data, "x")
		y, okY := coord(data, "y")
		if !okX {
			return nil, NewValidationError(k, "x", "missing or not a number")
		}
		if !okY {
			return nil, NewValidationError(k, "y", "missing or not a number")
		}
		if x < 0 || y < 0 {
			return nil, NewValidationError(k, "x,y", "coordinates must be non-negative")
		}
		if kind == KindDoubleClick {
			return DoubleClick{Meta: meta, X: x, Y: y}, nil
		}
		button := strings.ToLower(typeutil.FirstString(data, "button"))
		switch button {
		case "":
			button = "left"
		case "left", "right", "middle":
		default:
			return nil, NewValidationError(k, "button", "must be left, right or middle")
		}
		return Click{Meta: meta, X: x, Y: y, Button: button}, nil

	case KindClickVisual:
		target := typeutil.FirstString(data, "target", "element", "query")
		if target == "" {
			target = meta.Desc
		}
		if target == "" {
			return nil, NewValidationError(k, "target", "missing")
		}
		return ClickVisual{Meta: meta, Target: target}, nil

	case KindType:
		text, ok := typeutil.SafeString(firstOf(data, "text", "value", "content"))
		if !ok || text == "" {
			return nil, NewValidationError(k, "text", "missing")
		}
		return Type{Meta: meta, Text: text}, nil

	case KindKey:
		keys := typeutil.FirstString(data, "keys", "key", "combo")
		if keys == "" {
			return nil, NewValidationError(k, "keys", "missing")
		}
		return Key{Meta: meta, Keys: strings.ToLower(strings.TrimSpace(keys))}, nil

	case KindScroll:
		dir := strings.ToLower(typeutil.FirstString(data, "direction"))
		if dir == "" {
			dir = "down"
		}
		switch dir {
		case "up", "down", "left", "right":
		default:
			return nil, NewValidationError(k, "direction", "must be up, down, left or right")
		}
		amount := typeutil.SafeIntDefault(firstOf(data, "amount", "clicks"), 3)
		if amount <= 0 {
			return nil, NewValidationError(k, "amount", "must be positive")
		}
		return Scroll{Meta: meta, Direction: dir, Amount: amount}, nil

	case KindOpenApp:
		name := typeutil.FirstString(data, "name", "app", "app_name")
		if name == "" {
			return nil, NewValidationError(k, "name", "missing")
		}
		return OpenApp{Meta: meta, Name: name}, nil

	case KindOpenURL:
		raw := strings.TrimSpace(typeutil.FirstString(data, "url", "href"))
		if raw == "" {
			return nil, NewValidationError(k, "url", "missing")
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, NewValidationError(k, "url", "must be an absolute http(s) URL")
		}
		return OpenURL{Meta: meta, URL: u.String()}, nil

	case KindWait:
		secs := typeutil.SafeFloat64Default(firstOf(data, "seconds", "duration"), 1)
		if secs <= 0 || secs > 60 {
			return nil, NewValidationError(k, "seconds", "must be in (0, 60]")
		}
		return Wait{Meta: meta, Seconds: secs}, nil

	case KindScreenshot:
		return Screenshot{Meta: meta}, nil

	case KindReadFile:
		path := typeutil.FirstString(data, "path", "file")
		if path == "" {
			return nil, NewValidationError(k, "path", "missing")
		}
		return ReadFile{Meta: meta, Path: path}, nil

	case KindWriteFile:
		path := typeutil.FirstString(data, "path", "file")
		if path == "" {
			return nil, NewValidationError(k, "path", "missing")
		}
		content, ok := typeutil.SafeString(firstOf(data, "content", "text"))
		if !ok {
			return nil, NewValidationError(k, "content", "missing")
		}
		return WriteFile{Meta: meta, Path: path, Content: content}, nil

	case KindShell:
		cmd := strings.TrimSpace(typeutil.FirstString(data, "command", "cmd"))
		if cmd == "" {
			return nil, NewValidationError(k, "command", "missing")
		}
		return Shell{Meta: meta, Command: cmd, Cwd: typeutil.FirstString(data, "cwd", "dir")}, nil

	case KindKillProcess:
		name := typeutil.FirstString(data, "name", "process")
		pid := typeutil.SafeIntDefault(data["pid"], 0)
		if name == "" && pid <= 0 {
			return nil, NewValidationError(k, "name", "name or pid required")
		}
		return KillProcess{Meta: meta, Name: name, PID: pid}, nil

	case KindReport:
		msg := typeutil.FirstString(data, "message", "text", "summary")
		if msg == "" {
			msg = meta.Desc
		}
		if msg == "" {
			return nil, NewValidationError(k, "message", "missing")
		}
		return Report{Meta: meta, Message: msg}, nil

	case KindDone:
		return Done{Meta: meta, Summary: typeutil.FirstString(data, "summary", "message")}, nil
	}
	return nil, NewValidationError(k, "action_type", "unknown action kind")
}

func coord(data map[string]any, key string) (int, bool) {
	if v, ok := data[key]; ok {
		return typeutil.SafeInt(v)
	}
	// {"coordinates": [x, y]} is a common model shape.
	if pair, ok := data["coordinates"].([]any); ok && len(pair) == 2 {
		idx := 0
		if key == "y" {
			idx = 1
		}
		return typeutil.SafeInt(pair[idx])
	}
	return 0, false
}

func firstOf(data map[string]any, keys ...string) any {
	v, _ := typeutil.FirstPresent(data, keys...)
	return v
}
