package policy

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
)

// destructivePatterns flag shell commands that are Critical on sight. A
// command word counts after any non-word character, so quoted payloads of
// bash -c and friends are covered.
var destructivePatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"privilege escalation", regexp.MustCompile(`(^|[^\w.-])(sudo|doas)\b`)},
	{"disk-level write", regexp.MustCompile(`(^|[^\w.-])dd\s[^;&|]*\bof=`)},
	{"filesystem format", regexp.MustCompile(`(^|[^\w.-])mkfs(\.\w+)?\b`)},
	{"disk utility", regexp.MustCompile(`(^|[^\w.-])(diskutil\s+(erase\w*|partition\w*|zero\w*|secureErase)|fdisk|parted|wipefs)\b`)},
	{"raw device redirect", regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|disk|rdisk|mmcblk)`)},
	{"secure delete", regexp.MustCompile(`(^|[^\w.-])shred\b`)},
	{"fork bomb", regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
}

var segmentSplit = regexp.MustCompile("[;&|()`\n]+")

const quoteChars = `"'\`

// DestructiveReason returns why cmd is destructive, or "" if it is not.
func DestructiveReason(cmd string) string {
	for _, p := range destructivePatterns {
		if p.re.MatchString(cmd) {
			return p.name
		}
	}
	for _, seg := range segmentSplit.Split(cmd, -1) {
		if isRecursiveForceRemove(strings.Fields(seg)) {
			return "recursive forced delete"
		}
	}
	return ""
}

// isRecursiveForceRemove detects rm with both recursive and force flags in
// any spelling (-rf, -fr, -r -f, --recursive --force, -Rf). Every rm word
// in the segment is checked, so prefix commands (env, nice, xargs) and
// quoted sh -c payloads do not hide it.
func isRecursiveForceRemove(words []string) bool {
	for i, w := range words {
		if filepath.Base(strings.Trim(w, quoteChars)) == "rm" && rmFlags(words[i+1:]) {
			return true
		}
	}
	return false
}

func rmFlags(args []string) bool {
	recursive, force := false, false
	for _, w := range args {
		w = strings.Trim(w, quoteChars)
		switch {
		case w == "--recursive":
			recursive = true
		case w == "--force":
			force = true
		case w == "--":
			return recursive && force
		case strings.HasPrefix(w, "-") && !strings.HasPrefix(w, "--"):
			if strings.ContainsAny(w, "rR") {
				recursive = true
			}
			if strings.ContainsRune(w, 'f') {
				force = true
			}
		}
	}
	return recursive && force
}

// Classify returns the intrinsic risk tier of a, with a reason for anything
// above Safe. It is a pure function.
func Classify(a action.Action) (Tier, string) {
	switch v := a.(type) {
	case action.Shell:
		if reason := DestructiveReason(v.Command); reason != "" {
			return TierCritical, "destructive shell command: " + reason
		}
		return TierCaution, "shell execution"
	case action.KillProcess:
		return TierCritical, "process termination"
	case action.WriteFile:
		return TierCaution, "file write"
	}
	if action.IsReadOnly(a) {
		return TierSafe, ""
	}
	return TierCaution, "ui mutation: " + string(a.Kind())
}
