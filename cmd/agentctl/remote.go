package main

import (
	"context"
	"time"

	"github.com/fatih/color"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/grpc"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/typeutil"
)

const callTimeout = 10 * time.Second

// call invokes one control method on the daemon at g.Addr.
func (g *Globals) call(method string, args map[string]any) (map[string]any, error) {
	conn, err := grpc.Dial(g.Addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return grpc.NewClient(conn).Call(ctx, method, args)
}

// Run prints the daemon's system status.
func (c *StatusCmd) Run(g *Globals) error {
	out, err := g.call(grpc.MethodStatus, nil)
	if err != nil {
		return err
	}
	return g.printJSON(out)
}

// Run lists open requests.
func (c *PendingListCmd) Run(g *Globals) error {
	out, err := g.call(grpc.MethodListPending, map[string]any{"session_id": c.Session})
	if err != nil {
		return err
	}
	requests, _ := out["requests"].([]any)
	if len(requests) == 0 {
		g.printf("no pending requests\n")
		return nil
	}
	for _, r := range requests {
		m, _ := r.(map[string]any)
		d, _ := m["decision"].(map[string]any)
		risk := typeutil.SafeStringDefault(d["risk_level"], "")
		g.printf("%s  %-6s %s  [%s]\n",
			typeutil.SafeStringDefault(m["id"], ""),
			g.paint(riskAttr(risk), risk),
			typeutil.SafeStringDefault(m["action_text"], ""),
			typeutil.SafeStringDefault(m["session_id"], ""),
		)
	}
	return nil
}

// Run resolves a request.
func (c *PendingResolveCmd) Run(g *Globals) error {
	out, err := g.call(grpc.MethodResolvePending, map[string]any{"request_id": c.ID, "policy": c.Policy})
	if err != nil {
		return err
	}
	r, _ := out["request"].(map[string]any)
	g.printf("%s %s\n", typeutil.SafeStringDefault(r["status"], "resolved"), c.ID)
	return nil
}

func riskAttr(risk string) color.Attribute {
	switch risk {
	case "high":
		return color.FgRed
	case "medium":
		return color.FgYellow
	}
	return color.FgGreen
}
