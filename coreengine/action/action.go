// Package action defines the closed set of UI/system actions the planner may
// execute and the schema normalization that turns raw model output into them.
//
// Raw, untyped maps only exist at the boundary (Normalize). Everything past
// that point works with the Action sum type.
package action

import (
	"encoding/json"
	"sort"
	"strings"
)

// Kind identifies an action variant.
type Kind string

const (
	KindClick       Kind = "click"
	KindClickVisual Kind = "click_visual"
	KindDoubleClick Kind = "double_click"
	KindType        Kind = "type"
	KindKey         Kind = "key"
	KindScroll      Kind = "scroll"
	KindOpenApp     Kind = "open_app"
	KindOpenURL     Kind = "open_url"
	KindWait        Kind = "wait"
	KindScreenshot  Kind = "screenshot"
	KindReadFile    Kind = "read_file"
	KindWriteFile   Kind = "write_file"
	KindShell       Kind = "shell"
	KindKillProcess Kind = "kill_process"
	KindReport      Kind = "report"
	KindDone        Kind = "done"
)

// AllKinds returns every known kind in a stable order.
func AllKinds() []Kind {
	return []Kind{
		KindClick, KindClickVisual, KindDoubleClick, KindType, KindKey,
		KindScroll, KindOpenApp, KindOpenURL, KindWait, KindScreenshot,
		KindReadFile, KindWriteFile, KindShell, KindKillProcess,
		KindReport, KindDone,
	}
}

// Action is a validated, normalized action. The set of implementations is
// closed: only types in this package satisfy it.
type Action interface {
	Kind() Kind
	Description() string
	// Data returns the structured payload, used for serialization.
	Data() map[string]any
	sealed()
}

// Meta carries the fields common to every action.
type Meta struct {
	Desc   string
	Intent string
}

func (m Meta) Description() string { return m.Desc }
func (Meta) sealed()               {}

// Click presses the mouse at absolute screen coordinates.
type Click struct {
	Meta
	X, Y   int
	Button string
}

func (Click) Kind() Kind { return KindClick }
func (a Click) Data() map[string]any {
	return map[string]any{"x": a.X, "y": a.Y, "button": a.Button}
}

// ClickVisual clicks an element located by a visual description.
type ClickVisual struct {
	Meta
	Target string
}

func (ClickVisual) Kind() Kind { return KindClickVisual }
func (a ClickVisual) Data() map[string]any {
	return map[string]any{"target": a.Target}
}

// DoubleClick double-clicks at absolute coordinates.
type DoubleClick struct {
	Meta
	X, Y int
}

func (DoubleClick) Kind() Kind { return KindDoubleClick }
func (a DoubleClick) Data() map[string]any {
	return map[string]any{"x": a.X, "y": a.Y}
}

// Type enters text into the focused element.
type Type struct {
	Meta
	Text string
}

func (Type) Kind() Kind { return KindType }
func (a Type) Data() map[string]any {
	return map[string]any{"text": a.Text}
}

// Key sends a keystroke or chord such as "cmd+c".
type Key struct {
	Meta
	Keys string
}

func (Key) Kind() Kind { return KindKey }
func (a Key) Data() map[string]any {
	return map[string]any{"keys": a.Keys}
}

// Scroll scrolls the focused view.
type Scroll struct {
	Meta
	Direction string
	Amount    int
}

func (Scroll) Kind() Kind { return KindScroll }
func (a Scroll) Data() map[string]any {
	return map[string]any{"direction": a.Direction, "amount": a.Amount}
}

// OpenApp launches or focuses an application.
type OpenApp struct {
	Meta
	Name string
}

func (OpenApp) Kind() Kind { return KindOpenApp }
func (a OpenApp) Data() map[string]any {
	return map[string]any{"name": a.Name}
}

// OpenURL opens a URL in the default browser.
type OpenURL struct {
	Meta
	URL string
}

func (OpenURL) Kind() Kind { return KindOpenURL }
func (a OpenURL) Data() map[string]any {
	return map[string]any{"url": a.URL}
}

// Wait pauses before the next observation.
type Wait struct {
	Meta
	Seconds float64
}

func (Wait) Kind() Kind { return KindWait }
func (a Wait) Data() map[string]any {
	return map[string]any{"seconds": a.Seconds}
}

// Screenshot requests a fresh observation without side effects.
type Screenshot struct {
	Meta
}

func (Screenshot) Kind() Kind           { return KindScreenshot }
func (Screenshot) Data() map[string]any { return nil }

// ReadFile reads a file for inspection.
type ReadFile struct {
	Meta
	Path string
}

func (ReadFile) Kind() Kind { return KindReadFile }
func (a ReadFile) Data() map[string]any {
	return map[string]any{"path": a.Path}
}

// WriteFile writes content to a path.
type WriteFile struct {
	Meta
	Path    string
	Content string
}

func (WriteFile) Kind() Kind { return KindWriteFile }
func (a WriteFile) Data() map[string]any {
	return map[string]any{"path": a.Path, "content": a.Content}
}

// Shell runs a shell command.
type Shell struct {
	Meta
	Command string
	Cwd     string
}

func (Shell) Kind() Kind { return KindShell }
func (a Shell) Data() map[string]any {
	d := map[string]any{"command": a.Command}
	if a.Cwd != "" {
		d["cwd"] = a.Cwd
	}
	return d
}

// KillProcess terminates a process by name or pid.
type KillProcess struct {
	Meta
	Name string
	PID  int
}

func (KillProcess) Kind() Kind { return KindKillProcess }
func (a KillProcess) Data() map[string]any {
	d := map[string]any{}
	if a.Name != "" {
		d["name"] = a.Name
	}
	if a.PID > 0 {
		d["pid"] = a.PID
	}
	return d
}

// Report tells the user something and ends the run.
type Report struct {
	Meta
	Message string
}

func (Report) Kind() Kind { return KindReport }
func (a Report) Data() map[string]any {
	return map[string]any{"message": a.Message}
}

// Done declares the goal complete.
type Done struct {
	Meta
	Summary string
}

func (Done) Kind() Kind { return KindDone }
func (a Done) Data() map[string]any {
	if a.Summary == "" {
		return nil
	}
	return map[string]any{"summary": a.Summary}
}

// IsTerminal reports whether executing a ends the run.
func IsTerminal(a Action) bool {
	switch a.Kind() {
	case KindDone, KindReport:
		return true
	}
	return false
}

// IsReadOnly reports whether a has no side effects on the machine.
func IsReadOnly(a Action) bool {
	switch a.Kind() {
	case KindWait, KindScreenshot, KindReadFile, KindReport, KindDone:
		return true
	}
	return false
}

// IntentOf returns the declared intent of a, or a default derived from its kind.
func IntentOf(a Action) string {
	if m, ok := metaOf(a); ok && m.Intent != "" {
		return m.Intent
	}
	switch a.Kind() {
	case KindClick, KindClickVisual, KindDoubleClick, KindScroll, KindKey:
		return "ui_action"
	case KindType:
		return "input"
	case KindShell:
		return "shell"
	case KindReadFile, KindWriteFile:
		return "file"
	case KindOpenApp, KindOpenURL:
		return "navigate"
	case KindKillProcess:
		return "process"
	}
	return "general"
}

func metaOf(a Action) (Meta, bool) {
	switch v := a.(type) {
	case Click:
		return v.Meta, true
	case ClickVisual:
		return v.Meta, true
	case DoubleClick:
		return v.Meta, true
	case Type:
		return v.Meta, true
	case Key:
		return v.Meta, true
	case Scroll:
		return v.Meta, true
	case OpenApp:
		return v.Meta, true
	case OpenURL:
		return v.Meta, true
	case Wait:
		return v.Meta, true
	case Screenshot:
		return v.Meta, true
	case ReadFile:
		return v.Meta, true
	case WriteFile:
		return v.Meta, true
	case Shell:
		return v.Meta, true
	case KillProcess:
		return v.Meta, true
	case Report:
		return v.Meta, true
	case Done:
		return v.Meta, true
	}
	return Meta{}, false
}

// Format renders the canonical history string for a: the kind, followed by
// the compact JSON payload when there is one. Map keys are sorted by
// encoding/json, so equal actions always format identically.
func Format(a Action) string {
	data := a.Data()
	if len(data) == 0 {
		return string(a.Kind())
	}
	b, err := json.Marshal(data)
	if err != nil {
		return string(a.Kind())
	}
	return string(a.Kind()) + " " + string(b)
}

// ToMap renders a in the wire shape {action_type, description, structured_data}.
func ToMap(a Action) map[string]any {
	m := map[string]any{
		"action_type": string(a.Kind()),
		"description": a.Description(),
	}
	if data := a.Data(); len(data) > 0 {
		m["structured_data"] = data
	}
	if meta, ok := metaOf(a); ok && meta.Intent != "" {
		m["intent"] = meta.Intent
	}
	return m
}

// Pretty renders a as indented JSON for prompts.
func Pretty(a Action) string {
	b, err := json.MarshalIndent(ToMap(a), "", "  ")
	if err != nil {
		return Format(a)
	}
	return string(b)
}

// KindNames returns the known kinds as sorted strings.
func KindNames() []string {
	names := make([]string, 0, len(AllKinds()))
	for _, k := range AllKinds() {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}

// ParseKind maps a raw action name, including common aliases, onto a Kind.
func ParseKind(raw string) (Kind, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.ReplaceAll(name, "-", "_")
	if alias, ok := kindAliases[name]; ok {
		return alias, true
	}
	for _, k := range AllKinds() {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}

var kindAliases = map[string]Kind{
	"left_click":    KindClick,
	"click_element": KindClickVisual,
	"visual_click":  KindClickVisual,
	"doubleclick":   KindDoubleClick,
	"type_text":     KindType,
	"input_text":    KindType,
	"press":         KindKey,
	"hotkey":        KindKey,
	"keypress":      KindKey,
	"key_press":     KindKey,
	"launch_app":    KindOpenApp,
	"open":          KindOpenApp,
	"navigate":      KindOpenURL,
	"sleep":         KindWait,
	"observe":       KindScreenshot,
	"bash":          KindShell,
	"run_command":   KindShell,
	"terminal":      KindShell,
	"kill":          KindKillProcess,
	"terminate":     KindKillProcess,
	"finish":        KindDone,
	"complete":      KindDone,
	"answer":        KindReport,
}
