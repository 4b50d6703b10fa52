package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/config"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/loopdetect"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/policy"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/store"
)

var riskColors = map[approval.RiskLevel]color.Attribute{
	approval.RiskLow:    color.FgGreen,
	approval.RiskMedium: color.FgYellow,
	approval.RiskHigh:   color.FgRed,
}

// Run prints the risk level of the action.
func (c *RiskCmd) Run(g *Globals) error {
	risk := approval.AssessRisk(c.Action, c.Intent)
	g.printf("%s\n", g.paint(riskColors[risk], string(risk)))
	return nil
}

// Run prints "loop" or "ok" with the reduced comparison key.
func (c *LoopCheckCmd) Run(g *Globals) error {
	key := loopdetect.Reduce(c.Candidate)
	if loopdetect.Detect(c.History, c.Candidate) {
		g.printf("%s %s\n", g.paint(color.FgRed, "loop"), key)
		return nil
	}
	g.printf("%s %s\n", g.paint(color.FgGreen, "ok"), key)
	return nil
}

// Run evaluates the proposal with the configured policy and the durable
// exec allowlist.
func (c *PolicyCmd) Run(g *Globals) error {
	var raw map[string]any
	if err := json.Unmarshal([]byte(c.Action), &raw); err != nil {
		return fmt.Errorf("action is not a JSON object: %w", err)
	}
	a, err := action.Normalize(raw)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, cfg, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	pc := cfg.PolicyConfig()
	if c.Unlock {
		pc.WriteLock = false
	}
	engine := policy.NewEngine(nil, pc, store.ExecAllowlist{Store: st})

	g.printf("action:  %s\n", action.Format(a))
	g.printf("tier:    %s\n", engine.Classify(a))
	var rejection *policy.RejectionError
	err = engine.Check(a, c.Cwd)
	switch {
	case err == nil:
		g.printf("verdict: %s\n", g.paint(color.FgGreen, "allowed"))
	case errors.As(err, &rejection):
		g.printf("verdict: %s (%s)\n", g.paint(color.FgRed, "rejected"), rejection.Stage)
		g.printf("reason:  %s\n", rejection.Reason)
	default:
		return err
	}
	return nil
}

// =============================================================================
// Saved approvals
// =============================================================================

func (a ActionArgs) key() (string, error) {
	if strings.TrimSpace(a.Action) == "" {
		return "", errors.New("action text is required")
	}
	return approval.Key(a.Action, approval.Plan{Intent: a.Intent}), nil
}

func saveDecision(g *Globals, args ActionArgs, p approval.Policy) error {
	key, err := args.key()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, _, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if p == approval.PolicyNone {
		if err := st.DeleteDecision(ctx, key); err != nil {
			return err
		}
		g.printf("cleared %s\n", key)
		return nil
	}
	if err := st.UpsertDecision(ctx, key, p); err != nil {
		return err
	}
	g.printf("%s %s\n", g.paint(policyColor(p), string(p)), key)
	return nil
}

func policyColor(p approval.Policy) color.Attribute {
	if p == approval.PolicyDenyAlways {
		return color.FgRed
	}
	return color.FgGreen
}

// Run lists saved decisions.
func (c *ApprovalsListCmd) Run(g *Globals) error {
	ctx := context.Background()
	st, _, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.ListDecisions(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		g.printf("no saved decisions\n")
		return nil
	}
	for _, r := range recs {
		g.printf("%-14s %s  (%s)\n", g.paint(policyColor(r.Policy), string(r.Policy)), r.Key, r.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

// Run saves allow_always.
func (c *AllowCmd) Run(g *Globals) error {
	return saveDecision(g, c.ActionArgs, approval.PolicyAllowAlways)
}

// Run saves deny_always.
func (c *DenyCmd) Run(g *Globals) error {
	return saveDecision(g, c.ActionArgs, approval.PolicyDenyAlways)
}

// Run deletes the saved decision.
func (c *ClearCmd) Run(g *Globals) error {
	return saveDecision(g, c.ActionArgs, approval.PolicyNone)
}

// =============================================================================
// Exec allowlist
// =============================================================================

// Run lists exec grants.
func (c *ExecAllowListCmd) Run(g *Globals) error {
	ctx := context.Background()
	st, _, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	grants, err := st.ListExecAllowlist(ctx)
	if err != nil {
		return err
	}
	if len(grants) == 0 {
		g.printf("exec allowlist is empty\n")
		return nil
	}
	for _, gr := range grants {
		g.printf("%s  in %s\n", gr.Segment, gr.Cwd)
	}
	return nil
}

// Run adds a grant.
func (c *ExecAddCmd) Run(g *Globals) error {
	ctx := context.Background()
	st, _, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.AddExecAllowlist(ctx, strings.TrimSpace(c.Segment), c.Cwd); err != nil {
		return err
	}
	g.printf("%s %s\n", g.paint(color.FgGreen, "allowlisted"), c.Segment)
	return nil
}

// Run removes a grant.
func (c *ExecRemoveCmd) Run(g *Globals) error {
	ctx := context.Background()
	st, _, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	err = st.RemoveExecAllowlist(ctx, strings.TrimSpace(c.Segment), c.Cwd)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%q is not allowlisted", c.Segment)
	}
	if err != nil {
		return err
	}
	g.printf("removed %s\n", c.Segment)
	return nil
}

// =============================================================================
// Configuration
// =============================================================================

// Run prints every key with its effective value.
func (c *ShowConfigCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	values := cfg.ToMap()
	for _, k := range config.Keys() {
		g.printf("%-26s %v\n", k, values[k])
	}
	return nil
}
