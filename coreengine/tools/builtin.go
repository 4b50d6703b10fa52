package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/kernel"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/planner"
)

// BuiltinOptions configures the built-in handlers.
type BuiltinOptions struct {
	// ShellTimeout bounds one shell command. Zero means 60s.
	ShellTimeout time.Duration
	// MaxReadBytes bounds read_file. Zero means 64 KiB.
	MaxReadBytes int64
}

// RegisterBuiltins installs handlers for the kinds the core can run
// without a native backend: shell, read_file, write_file, wait, report
// and done. UI kinds are left to the host.
func RegisterBuiltins(d *Dispatcher, opts BuiltinOptions) error {
	if opts.ShellTimeout <= 0 {
		opts.ShellTimeout = 60 * time.Second
	}
	if opts.MaxReadBytes <= 0 {
		opts.MaxReadBytes = 64 << 10
	}
	defs := []*Definition{
		{Kind: action.KindShell, Description: "run a shell command", Lane: kernel.LaneShell, Handler: shellHandler(opts.ShellTimeout)},
		{Kind: action.KindReadFile, Description: "read a file", Lane: kernel.LaneRead, Handler: readFileHandler(opts.MaxReadBytes)},
		{Kind: action.KindWriteFile, Description: "write a file", Lane: kernel.LaneShell, Handler: writeFileHandler},
		{Kind: action.KindWait, Description: "pause", Handler: waitHandler},
		{Kind: action.KindReport, Description: "report to the user", Handler: reportHandler},
		{Kind: action.KindDone, Description: "finish", Handler: doneHandler},
	}
	for _, def := range defs {
		if err := d.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// RunShell parses and runs command in dir with the in-process POSIX shell
// interpreter, returning combined stdout and stderr.
func RunShell(ctx context.Context, command, dir string, timeout time.Duration) (string, error) {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(command), "")
	if err != nil {
		return "", fmt.Errorf("parse shell command: %w", err)
	}

	var buf bytes.Buffer
	opts := []interp.RunnerOption{interp.StdIO(nil, &buf, &buf)}
	if dir != "" {
		opts = append(opts, interp.Dir(dir))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return "", fmt.Errorf("create shell runner: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := runner.Run(ctx, file); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return buf.String(), fmt.Errorf("command exited with status %d", uint8(status))
		}
		return buf.String(), fmt.Errorf("run shell command: %w", err)
	}
	return buf.String(), nil
}

func shellHandler(timeout time.Duration) Handler {
	return func(ctx context.Context, a action.Action, session *planner.Session) (string, error) {
		sh, ok := a.(action.Shell)
		if !ok {
			return "", fmt.Errorf("shell handler got %s", a.Kind())
		}
		dir := sh.Cwd
		if dir == "" && session != nil {
			dir = session.Cwd
		}
		return RunShell(ctx, sh.Command, dir, timeout)
	}
}

func readFileHandler(limit int64) Handler {
	return func(ctx context.Context, a action.Action, session *planner.Session) (string, error) {
		rf, ok := a.(action.ReadFile)
		if !ok {
			return "", fmt.Errorf("read_file handler got %s", a.Kind())
		}
		f, err := os.Open(resolve(rf.Path, session))
		if err != nil {
			return "", err
		}
		defer f.Close()
		b, err := io.ReadAll(io.LimitReader(f, limit))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func writeFileHandler(ctx context.Context, a action.Action, session *planner.Session) (string, error) {
	wf, ok := a.(action.WriteFile)
	if !ok {
		return "", fmt.Errorf("write_file handler got %s", a.Kind())
	}
	path := resolve(wf.Path, session)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(wf.Content), 0o644); err != nil {
		return "", err
	}
	return "", nil
}

func waitHandler(ctx context.Context, a action.Action, _ *planner.Session) (string, error) {
	w, ok := a.(action.Wait)
	if !ok {
		return "", fmt.Errorf("wait handler got %s", a.Kind())
	}
	t := time.NewTimer(time.Duration(w.Seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func reportHandler(_ context.Context, a action.Action, _ *planner.Session) (string, error) {
	if r, ok := a.(action.Report); ok {
		return r.Message, nil
	}
	return "", nil
}

func doneHandler(_ context.Context, a action.Action, _ *planner.Session) (string, error) {
	if d, ok := a.(action.Done); ok {
		return d.Summary, nil
	}
	return "", nil
}

func resolve(path string, session *planner.Session) string {
	if filepath.IsAbs(path) || session == nil || session.Cwd == "" {
		return path
	}
	return filepath.Join(session.Cwd, path)
}
