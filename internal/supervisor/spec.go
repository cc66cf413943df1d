package supervisor

import (
	"errors"
	"os/exec"
	"strings"
)

// DefaultCommand runs a Rust service from its project folder.
const DefaultCommand = "cargo run --release"

// Spec describes the child to keep alive.
type Spec struct {
	Command string   // command line; shell syntax is honored
	WorkDir string   // directory the child runs in
	Env     []string // extra KEY=VALUE entries appended to the inherited environment
}

// BuildCommand constructs an *exec.Cmd for s.Command.
// An explicit "sh -c <script>" prefix is honored without adding another shell
// layer. Commands containing shell metacharacters run under /bin/sh -c; the
// rest are split on whitespace and executed directly.
func (s Spec) BuildCommand() (*exec.Cmd, error) {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return nil, errors.New("empty command")
	}
	if after, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", after), nil
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr), nil
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...), nil
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after -c, with one pair of wrapping quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
