// agentctl inspects and administers the agent control core: risk and loop
// checks, policy evaluation, saved approvals, the exec allowlist, and a
// running deskpilotd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/config"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/store"
)

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("agentctl"),
		kong.Description("Administer the deskpilot agent control core."),
		kong.UsageOnError(),
	)
	cli.Out = os.Stdout
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

// =============================================================================
// Helpers
// =============================================================================

func (g *Globals) printf(format string, args ...any) {
	fmt.Fprintf(g.Out, format, args...)
}

func (g *Globals) paint(attr color.Attribute, s string) string {
	c := color.New(attr)
	if g.NoColor {
		c.DisableColor()
	}
	return c.Sprint(s)
}

func (g *Globals) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	g.printf("%s\n", b)
	return nil
}

func (g *Globals) loadConfig() (*config.AgentConfig, error) {
	cfg, err := config.Load(config.LoadOptions{Path: g.Config, EnvFile: g.Env})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens and migrates the configured database.
func (g *Globals) openStore(ctx context.Context) (*store.Store, *config.AgentConfig, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, cfg, nil
}
