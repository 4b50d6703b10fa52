package policy

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// =============================================================================
// Shell Command Analyzer
// =============================================================================

// Segment is one simple command inside a possibly composite command line.
type Segment struct {
	Text    string
	Program string // base name of the first word; empty when not a literal
}

// ShellAnalysis is the parsed structure of a command line.
type ShellAnalysis struct {
	Command         string
	Segments        []Segment
	Composite       bool // &&, ||, ;, |, &, subshells or compound commands
	HasSubstitution bool // $(...), `...`, <(...) or >(...)
}

// AnalyzeShell parses cmd with a POSIX/bash parser and splits it into
// segments at composite operators. Unparseable input is an error.
func AnalyzeShell(cmd string) (*ShellAnalysis, error) {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(cmd), "")
	if err != nil {
		return nil, fmt.Errorf("unparseable shell command: %w", err)
	}

	a := &ShellAnalysis{Command: cmd}
	if len(file.Stmts) > 1 {
		a.Composite = true
	}
	syntax.Walk(file, func(node syntax.Node) bool {
		switch node.(type) {
		case *syntax.CmdSubst, *syntax.ProcSubst:
			a.HasSubstitution = true
		}
		return true
	})

	printer := syntax.NewPrinter(syntax.SingleLine(true))
	for _, stmt := range file.Stmts {
		a.collect(stmt, printer)
	}
	if len(a.Segments) == 0 {
		return nil, fmt.Errorf("unparseable shell command: no commands")
	}
	return a, nil
}

func (a *ShellAnalysis) collect(stmt *syntax.Stmt, printer *syntax.Printer) {
	if stmt.Background || stmt.Coprocess {
		a.Composite = true
	}
	switch cmd := stmt.Cmd.(type) {
	case *syntax.BinaryCmd:
		a.Composite = true
		a.collect(cmd.X, printer)
		a.collect(cmd.Y, printer)
	case *syntax.Subshell:
		a.Composite = true
		for _, s := range cmd.Stmts {
			a.collect(s, printer)
		}
	case *syntax.Block:
		a.Composite = true
		for _, s := range cmd.Stmts {
			a.collect(s, printer)
		}
	case *syntax.CallExpr:
		seg := Segment{Text: printNode(printer, stmt)}
		if len(cmd.Args) > 0 {
			seg.Program = filepath.Base(cmd.Args[0].Lit())
			if seg.Program == "." && cmd.Args[0].Lit() == "" {
				seg.Program = ""
			}
		}
		a.Segments = append(a.Segments, seg)
	default:
		// if/while/for/case/function bodies are opaque compounds.
		a.Composite = true
		a.Segments = append(a.Segments, Segment{Text: printNode(printer, stmt)})
	}
}

func printNode(printer *syntax.Printer, node syntax.Node) string {
	var buf bytes.Buffer
	if err := printer.Print(&buf, node); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

// =============================================================================
// Shell Policy
// =============================================================================

// ShellPolicy governs shell actions.
type ShellPolicy struct {
	AllowSubstitution bool     `json:"allow_substitution"`
	AllowComposite    bool     `json:"allow_composite"`
	Allowlist         []string `json:"allowlist"`
	Denylist          []string `json:"denylist"`
	// RequireAllowlist enforces the positive allowlist test even when the
	// static Allowlist is empty, so only durable exec grants pass.
	RequireAllowlist bool `json:"require_allowlist"`
}

// ExecAllowlist is the durable per-(segment, cwd) exec grant store.
type ExecAllowlist interface {
	IsAllowlisted(segment, cwd string) (bool, error)
}

func (p ShellPolicy) enforcesAllowlist() bool {
	return p.RequireAllowlist || len(p.Allowlist) > 0
}

// segmentMatches reports whether entry names seg: either its program, or a
// word-aligned prefix of its text ("git push").
func segmentMatches(entry string, seg Segment) bool {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return false
	}
	if !strings.ContainsAny(entry, " \t") {
		return seg.Program != "" && seg.Program == filepath.Base(entry)
	}
	if seg.Text == entry {
		return true
	}
	return strings.HasPrefix(seg.Text, entry+" ")
}

// evaluate applies the shell policy to an analyzed command. It returns the
// rejection reason, or "" when the command passes.
func (p ShellPolicy) evaluate(a *ShellAnalysis, cwd string, exec ExecAllowlist) string {
	if a.HasSubstitution && !p.AllowSubstitution {
		return "command substitution is not permitted"
	}
	if a.Composite && !p.AllowComposite {
		return "composite commands are not permitted"
	}
	for _, seg := range a.Segments {
		for _, entry := range p.Denylist {
			if segmentMatches(entry, seg) {
				return fmt.Sprintf("segment %q matches denylist entry %q", seg.Text, entry)
			}
		}
	}
	if !p.enforcesAllowlist() {
		return ""
	}
	for _, seg := range a.Segments {
		if p.staticallyAllowed(seg) {
			continue
		}
		if exec != nil {
			ok, err := exec.IsAllowlisted(seg.Text, cwd)
			if err != nil {
				return fmt.Sprintf("exec allowlist lookup failed: %v", err)
			}
			if ok {
				continue
			}
		}
		return fmt.Sprintf("segment %q is not allowlisted", seg.Text)
	}
	return ""
}

func (p ShellPolicy) staticallyAllowed(seg Segment) bool {
	for _, entry := range p.Allowlist {
		if segmentMatches(entry, seg) {
			return true
		}
	}
	return false
}
