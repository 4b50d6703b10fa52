// Package main defines the agentctl command-line interface using kong.
package main

import "io"

// Globals are flags shared by every command.
type Globals struct {
	Config  string `short:"c" help:"TOML configuration file" type:"path"`
	Env     string `default:".env" help:"dotenv file with DESKPILOT_* overrides"`
	Addr    string `default:"127.0.0.1:50061" help:"deskpilotd gRPC address"`
	NoColor bool   `help:"Disable colored output"`

	Out io.Writer `kong:"-"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Risk       RiskCmd       `cmd:"" help:"Assess the approval risk of an action"`
	LoopCheck  LoopCheckCmd  `cmd:"" name:"loop-check" help:"Check whether a candidate action repeats recent history"`
	Policy     PolicyCmd     `cmd:"" help:"Check an action against the policy engine"`
	Approvals  ApprovalsCmd  `cmd:"" help:"Manage saved approval decisions"`
	ExecAllow  ExecAllowCmd  `cmd:"" name:"exec-allow" help:"Manage the durable shell exec allowlist"`
	ShowConfig ShowConfigCmd `cmd:"" name:"show-config" help:"Print the effective configuration"`
	Status     StatusCmd     `cmd:"" help:"Show deskpilotd status"`
	Pending    PendingCmd    `cmd:"" help:"List or resolve approval requests on deskpilotd"`
}

// RiskCmd classifies an action description.
type RiskCmd struct {
	Action string `arg:"" help:"Action text, e.g. 'click Buy now'"`
	Intent string `short:"i" help:"Plan intent"`
}

// LoopCheckCmd runs the loop detector.
type LoopCheckCmd struct {
	Candidate string   `arg:"" help:"Candidate action string"`
	History   []string `arg:"" optional:"" help:"Recent action strings, oldest first"`
}

// PolicyCmd checks one action proposal.
type PolicyCmd struct {
	Action string `arg:"" help:"Action proposal as JSON, e.g. '{\"action_type\":\"shell\",\"command\":\"ls\"}'"`
	Cwd    string `help:"Working directory for shell actions"`
	Unlock bool   `help:"Evaluate with the write lock released"`
}

// ApprovalsCmd groups the saved-decision commands.
type ApprovalsCmd struct {
	List  ApprovalsListCmd `cmd:"" help:"List saved decisions"`
	Allow AllowCmd         `cmd:"" help:"Always allow an action"`
	Deny  DenyCmd          `cmd:"" help:"Always deny an action"`
	Clear ClearCmd         `cmd:"" help:"Forget the saved decision for an action"`
}

// ApprovalsListCmd lists saved decisions.
type ApprovalsListCmd struct{}

// ActionArgs names one action by text and intent.
type ActionArgs struct {
	Action string `arg:"" help:"Action text"`
	Intent string `short:"i" help:"Plan intent"`
}

// AllowCmd saves allow_always.
type AllowCmd struct{ ActionArgs }

// DenyCmd saves deny_always.
type DenyCmd struct{ ActionArgs }

// ClearCmd deletes a saved decision.
type ClearCmd struct{ ActionArgs }

// ExecAllowCmd groups the exec allowlist commands.
type ExecAllowCmd struct {
	List   ExecAllowListCmd `cmd:"" help:"List allowlisted segments"`
	Add    ExecAddCmd       `cmd:"" help:"Allowlist a command segment"`
	Remove ExecRemoveCmd    `cmd:"" help:"Remove an allowlisted segment"`
}

// ExecAllowListCmd lists exec grants.
type ExecAllowListCmd struct{}

// GrantArgs names one exec grant.
type GrantArgs struct {
	Segment string `arg:"" help:"Command segment, e.g. 'git status'"`
	Cwd     string `help:"Restrict to this directory (default: any)"`
}

// ExecAddCmd adds a grant.
type ExecAddCmd struct{ GrantArgs }

// ExecRemoveCmd removes a grant.
type ExecRemoveCmd struct{ GrantArgs }

// ShowConfigCmd prints the merged configuration.
type ShowConfigCmd struct{}

// StatusCmd fetches daemon status.
type StatusCmd struct{}

// PendingCmd groups the remote approval request commands.
type PendingCmd struct {
	List    PendingListCmd    `cmd:"" default:"withargs" help:"List open requests"`
	Resolve PendingResolveCmd `cmd:"" help:"Resolve an open request"`
}

// PendingListCmd lists open requests.
type PendingListCmd struct {
	Session string `help:"Only requests from this session"`
}

// PendingResolveCmd resolves a request.
type PendingResolveCmd struct {
	ID     string `arg:"" help:"Request ID"`
	Policy string `arg:"" enum:"allow_once,allow_always,deny_always,none" help:"Decision: allow_once, allow_always, deny_always or none"`
}
