package policy

import (
	"path"
	"strings"
)

// ToolPolicy is an allow/deny list over action kinds. Entries are shell-style
// globs ("shell", "click*"). Deny wins over allow; with no allowlist every
// kind not denied is allowed.
type ToolPolicy struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Allowed reports whether kind passes the policy, and if not, why.
func (p ToolPolicy) Allowed(kind string) (bool, string) {
	kind = strings.ToLower(kind)
	if pat, ok := matchAny(p.Deny, kind); ok {
		return false, "action kind " + kind + " denied by pattern " + pat
	}
	if len(p.Allow) == 0 {
		return true, ""
	}
	if _, ok := matchAny(p.Allow, kind); ok {
		return true, ""
	}
	return false, "action kind " + kind + " not in tool allowlist"
}

func matchAny(patterns []string, name string) (string, bool) {
	for _, raw := range patterns {
		pat := strings.ToLower(strings.TrimSpace(raw))
		if pat == "" {
			continue
		}
		if pat == name {
			return raw, true
		}
		// A malformed pattern never matches.
		if ok, err := path.Match(pat, name); err == nil && ok {
			return raw, true
		}
	}
	return "", false
}
