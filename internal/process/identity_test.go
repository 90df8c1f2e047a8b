package process

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityValidate(t *testing.T) {
	require.NoError(t, Identity{ID: "fs", Command: "npx"}.Validate())
	require.NoError(t, Identity{ID: "git.v2-a_b", Command: "x"}.Validate())
	assert.Error(t, Identity{ID: "", Command: "npx"}.Validate())
	assert.Error(t, Identity{ID: "has space", Command: "npx"}.Validate())
	assert.Error(t, Identity{ID: "../etc", Command: "npx"}.Validate())
	assert.Error(t, Identity{ID: "fs", Command: "  "}.Validate())
}

func TestIdentityEnvListSorted(t *testing.T) {
	id := Identity{Env: map[string]string{"B": "2", "A": "1"}}
	assert.Equal(t, []string{"A=1", "B=2"}, id.EnvList())
}

func TestBuildCommand_WithArgs(t *testing.T) {
	cmd := Identity{Command: "/usr/bin/env", Args: []string{"a b", "$HOME"}}.BuildCommand()
	assert.Equal(t, []string{"/usr/bin/env", "a b", "$HOME"}, cmd.Args)
}

func TestBuildCommand_Plain(t *testing.T) {
	cmd := Identity{Command: "  node server.js --stdio "}.BuildCommand()
	assert.Equal(t, []string{"node", "server.js", "--stdio"}, cmd.Args)
}

func TestBuildCommand_Shell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell semantics")
	}
	cmd := Identity{Command: "cat | tee /dev/null"}.BuildCommand()
	assert.Equal(t, []string{"/bin/sh", "-c", "cat | tee /dev/null"}, cmd.Args)

	cmd = Identity{Command: "sh -c 'echo hi; cat'"}.BuildCommand()
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi; cat"}, cmd.Args)
}

func TestParseExplicitShell(t *testing.T) {
	sh, after, ok := parseExplicitShell(`/bin/sh -c "exec cat"`)
	require.True(t, ok)
	assert.Equal(t, "/bin/sh", sh)
	assert.Equal(t, "exec cat", after)

	_, _, ok = parseExplicitShell("bash -c x")
	assert.False(t, ok)
}
