//go:build linux

package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildArgvStdioClaims(t *testing.T) {
	node := execNode("n", "cat")
	in := &pipe{port: "-", readFD: 10, writeFD: 11}
	out := &pipe{port: "-", readFD: 12, writeFD: 13}

	argv, stdin, stdout, err := childArgv(node, 42, []*pipe{in}, []*pipe{out})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat"}, argv)
	assert.Equal(t, 10, stdin)
	assert.Equal(t, 13, stdout)
}

func TestChildArgvUnclaimedStreams(t *testing.T) {
	node := execNode("n", "cat")
	argv, stdin, stdout, err := childArgv(node, 42, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat"}, argv)
	assert.Equal(t, -1, stdin)
	assert.Equal(t, -1, stdout)
}

func TestChildArgvSubstitutesNamedPorts(t *testing.T) {
	node := execNode("n", "tool -o _OUT_ -i _IN_")
	out := &pipe{port: "_OUT_", readFD: 20, writeFD: 21}
	in := &pipe{port: "_IN_", readFD: 22, writeFD: 23}

	argv, stdin, stdout, err := childArgv(node, 42, []*pipe{in}, []*pipe{out})
	require.NoError(t, err)
	assert.Equal(t, []string{"tool", "-o", "/proc/42/fd/21", "-i", "/proc/42/fd/22"}, argv)
	assert.Equal(t, -1, stdin)
	assert.Equal(t, -1, stdout)
}

func TestChildArgvSubstitutesInsideTokens(t *testing.T) {
	node := execNode("n", "sh -c 'exec 3>_P_; echo hi >&3'")
	out := &pipe{port: "_P_", readFD: 30, writeFD: 31}

	argv, _, _, err := childArgv(node, 7, nil, []*pipe{out})
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "exec 3>/proc/7/fd/31; echo hi >&3"}, argv)
}

func TestChildArgvRejectsBadCommands(t *testing.T) {
	_, _, _, err := childArgv(execNode("n", `cat "unterminated`), 1, nil, nil)
	assert.Error(t, err)

	_, _, _, err = childArgv(execNode("n", "   "), 1, nil, nil)
	assert.Error(t, err)
}

func TestChildArgvProcPathShape(t *testing.T) {
	node := execNode("n", "tool _P_")
	out := &pipe{port: "_P_", readFD: 8, writeFD: 9}
	argv, _, _, err := childArgv(node, 1234, nil, []*pipe{out})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("/proc/%d/fd/%d", 1234, 9), argv[1])
}
