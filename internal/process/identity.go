package process

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/loykin/mcpgate/internal/logger"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Identity describes how to spawn one MCP backend. It is immutable once
// registered with a watchdog.
type Identity struct {
	ID                  string            `json:"id" mapstructure:"id"`
	Command             string            `json:"command" mapstructure:"command"`
	Args                []string          `json:"args" mapstructure:"args"`
	Env                 map[string]string `json:"env" mapstructure:"env"`
	WorkDir             string            `json:"work_dir" mapstructure:"workdir"`
	SupportsLiveRestart bool              `json:"live_restart" mapstructure:"live_restart"`
	Log                 logger.Config     `json:"-" mapstructure:"-"`
}

// Validate reports configuration mistakes that would make spawning pointless.
func (id Identity) Validate() error {
	if !idPattern.MatchString(id.ID) {
		return fmt.Errorf("invalid server id %q", id.ID)
	}
	if strings.TrimSpace(id.Command) == "" {
		return errors.New("command is required")
	}
	return nil
}

// EnvList renders the identity's own env map as sorted KEY=VALUE pairs.
func (id Identity) EnvList() []string {
	out := make([]string, 0, len(id.Env))
	for k, v := range id.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// BuildCommand constructs the *exec.Cmd for this identity. When Args are given
// Command is the executable path. Otherwise Command is a command line: it is
// split on whitespace unless it needs a shell, and an explicit "sh -c" prefix
// is honored without wrapping it in another shell.
func (id Identity) BuildCommand() *exec.Cmd {
	if len(id.Args) > 0 {
		// #nosec G204
		return exec.Command(id.Command, id.Args...)
	}
	cmdStr := strings.TrimSpace(id.Command)
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return shellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes. It returns the
// shell name and the script with one pair of enclosing quotes removed.
func parseExplicitShell(cmdStr string) (string, string, bool) {
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
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
