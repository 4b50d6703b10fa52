package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/grpc"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/kernel"
)

// writeConfig writes a TOML file pointing the database into a temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "deskpilot.toml")
	body := "db_path = " + `"` + filepath.ToSlash(filepath.Join(dir, "state", "deskpilot.db")) + `"` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// run parses args and executes the selected command, returning its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli)
	require.NoError(t, err)
	kctx, err := parser.Parse(append([]string{"--no-color"}, args...))
	require.NoError(t, err)

	var buf bytes.Buffer
	cli.Out = &buf
	err = kctx.Run(&cli.Globals)
	return buf.String(), err
}

// =============================================================================
// PARSING
// =============================================================================

func TestParse_Defaults(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	require.NoError(t, err)

	kctx, err := parser.Parse([]string{"status"})
	require.NoError(t, err)
	assert.Equal(t, "status", kctx.Command())
	assert.Equal(t, "127.0.0.1:50061", cli.Addr)
	assert.Equal(t, ".env", cli.Env)
	assert.False(t, cli.NoColor)
}

func TestParse_Commands(t *testing.T) {
	tests := []struct {
		args    []string
		command string
	}{
		{[]string{"risk", "click Buy now"}, "risk <action>"},
		{[]string{"approvals", "allow", "Submit", "-i", "form_fill"}, "approvals allow <action>"},
		{[]string{"exec-allow", "add", "git status", "--cwd", "/repo"}, "exec-allow add <segment>"},
		{[]string{"pending", "resolve", "apr_1", "allow_once"}, "pending resolve <id> <policy>"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			var cli CLI
			parser, err := kong.New(&cli)
			require.NoError(t, err)
			kctx, err := parser.Parse(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.command, kctx.Command())
		})
	}
}

func TestParse_RejectsUnknownPolicy(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	require.NoError(t, err)
	_, err = parser.Parse([]string{"pending", "resolve", "apr_1", "sometimes"})
	assert.Error(t, err)
}

// =============================================================================
// OFFLINE COMMANDS
// =============================================================================

func TestRiskCmd(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"risk", "Open settings"}, "low\n"},
		{[]string{"risk", "Log in to the portal"}, "medium\n"},
		{[]string{"risk", "Place order"}, "high\n"},
		{[]string{"risk", "Type name", "-i", "form_fill"}, "medium\n"},
	}
	for _, tt := range tests {
		out, err := run(t, tt.args...)
		require.NoError(t, err)
		assert.Equal(t, tt.want, out, tt.args)
	}
}

func TestLoopCheckCmd(t *testing.T) {
	out, err := run(t, "loop-check", `key {"keys":"cmd+c"}`, `key {"keys":"cmd+c"}`, `key {"keys":"cmd+c"}`, `key {"keys":"cmd+c"}`)
	require.NoError(t, err)
	assert.Equal(t, "loop key:cmd+c\n", out)

	out, err = run(t, "loop-check", "scroll down")
	require.NoError(t, err)
	assert.Contains(t, out, "ok ")
}

func TestPolicyCmd(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "-c", cfg, "policy", `{"action_type":"click","x":1,"y":2}`)
	require.NoError(t, err)
	assert.Contains(t, out, "rejected (write_lock)")

	out, err = run(t, "-c", cfg, "policy", "--unlock", `{"action_type":"screenshot"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "tier:    safe")
	assert.Contains(t, out, "verdict: allowed")

	out, err = run(t, "-c", cfg, "policy", "--unlock", `{"action_type":"shell","command":"rm -rf /"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "tier:    critical")
	assert.Contains(t, out, "rejected")

	_, err = run(t, "-c", cfg, "policy", "not json")
	assert.Error(t, err)
	_, err = run(t, "-c", cfg, "policy", `{"action_type":"teleport"}`)
	assert.Error(t, err)
}

func TestApprovalsCmds(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "-c", cfg, "approvals", "list")
	require.NoError(t, err)
	assert.Equal(t, "no saved decisions\n", out)

	out, err = run(t, "-c", cfg, "approvals", "deny", "Submit form", "-i", "form_fill")
	require.NoError(t, err)
	assert.Equal(t, "deny_always form_fill::submit form\n", out)

	_, err = run(t, "-c", cfg, "approvals", "allow", "Open settings")
	require.NoError(t, err)

	out, err = run(t, "-c", cfg, "approvals", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "deny_always")
	assert.Contains(t, out, "form_fill::submit form")
	assert.Contains(t, out, "allow_always")

	out, err = run(t, "-c", cfg, "approvals", "clear", "Submit form", "-i", "form_fill")
	require.NoError(t, err)
	assert.Equal(t, "cleared form_fill::submit form\n", out)

	out, err = run(t, "-c", cfg, "approvals", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "deny_always")

	_, err = run(t, "-c", cfg, "approvals", "allow", "  ")
	assert.Error(t, err)
}

func TestExecAllowCmds(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "-c", cfg, "exec-allow", "add", "git status")
	require.NoError(t, err)
	assert.Equal(t, "allowlisted git status\n", out)

	out, err = run(t, "-c", cfg, "exec-allow", "list")
	require.NoError(t, err)
	assert.Equal(t, "git status  in *\n", out)

	_, err = run(t, "-c", cfg, "exec-allow", "remove", "git status")
	require.NoError(t, err)

	_, err = run(t, "-c", cfg, "exec-allow", "remove", "git status")
	assert.ErrorContains(t, err, "not allowlisted")

	out, err = run(t, "-c", cfg, "exec-allow", "list")
	require.NoError(t, err)
	assert.Equal(t, "exec allowlist is empty\n", out)
}

func TestShowConfigCmd(t *testing.T) {
	out, err := run(t, "-c", writeConfig(t), "show-config")
	require.NoError(t, err)
	assert.Contains(t, out, "write_lock")
	assert.Contains(t, out, "state/deskpilot.db")
}

// =============================================================================
// REMOTE COMMANDS
// =============================================================================

func startDaemon(t *testing.T) (string, *kernel.Kernel) {
	t.Helper()
	k := kernel.NewKernel(nil, kernel.DefaultConfig(), approval.NewMemoryStore(), nil)
	srv := grpc.NewGracefulServer(grpc.NewControlServer(nil, k, time.Second), nil, "127.0.0.1:0")

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = k.Shutdown(context.Background())
	})
	return lis.Addr().String(), k
}

func TestRemoteCmds(t *testing.T) {
	addr, k := startDaemon(t)

	out, err := run(t, "--addr", addr, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"write_lock": true`)

	out, err = run(t, "--addr", addr, "pending")
	require.NoError(t, err)
	assert.Equal(t, "no pending requests\n", out)

	gate := k.Approvals()
	plan := approval.Plan{Intent: "checkout"}
	d, err := gate.Evaluate(context.Background(), "Place order", plan)
	require.NoError(t, err)
	req := gate.OpenRequest("run-9", "Place order", plan, d)

	out, err = run(t, "--addr", addr, "pending", "list", "--session", "run-9")
	require.NoError(t, err)
	assert.Contains(t, out, req.ID)
	assert.Contains(t, out, "high")
	assert.Contains(t, out, "Place order")

	out, err = run(t, "--addr", addr, "pending", "resolve", req.ID, "deny_always")
	require.NoError(t, err)
	assert.Equal(t, "resolved "+req.ID+"\n", out)

	_, err = run(t, "--addr", addr, "pending", "resolve", req.ID, "deny_always")
	assert.Error(t, err)
}
