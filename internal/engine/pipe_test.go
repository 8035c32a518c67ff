//go:build linux

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func TestNewPipeOpensBothSides(t *testing.T) {
	p, err := newPipe("-", "e0")
	require.NoError(t, err)
	defer p.close()

	assert.True(t, p.readOpen)
	assert.True(t, p.writeOpen)
	assert.Equal(t, "-", p.port)
	assert.Equal(t, []string{"e0"}, p.edgeIDs)

	// The pair really is a pipe: bytes written come back out.
	n, err := unix.Write(p.writeFD, []byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	buf := make([]byte, 8)
	n, err = unix.Read(p.readFD, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))
}

func TestClosePipeIsIdempotent(t *testing.T) {
	p, err := newPipe("_P_", "e0")
	require.NoError(t, err)

	require.NoError(t, p.close())
	assert.False(t, p.readOpen)
	assert.False(t, p.writeOpen)

	// Closing again must succeed and change nothing.
	require.NoError(t, p.close())
	require.NoError(t, p.closeRead())
	require.NoError(t, p.closeWrite())
}

func TestCloseSingleSides(t *testing.T) {
	p, err := newPipe("-", "e0")
	require.NoError(t, err)

	require.NoError(t, p.closeWrite())
	assert.True(t, p.readOpen)
	assert.False(t, p.writeOpen)

	// Write side gone: the read side sees EOF.
	buf := make([]byte, 4)
	n, err := unix.Read(p.readFD, buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, p.closeRead())
	assert.False(t, p.readOpen)
}

func TestClosePipesClosesEveryPipe(t *testing.T) {
	a, err := newPipe("-", "e0")
	require.NoError(t, err)
	b, err := newPipe("-", "e1")
	require.NoError(t, err)

	require.NoError(t, closePipes([]*pipe{a, b}))
	assert.False(t, a.readOpen)
	assert.False(t, b.writeOpen)
}

func TestFindPipeHelpers(t *testing.T) {
	a, err := newPipe("-", "e0")
	require.NoError(t, err)
	defer a.close()
	b, err := newPipe("_P_", "e1")
	require.NoError(t, err)
	defer b.close()
	b.edgeIDs = append(b.edgeIDs, "e2")

	pipes := []*pipe{a, b}
	assert.Same(t, a, findPipeByPort(pipes, "-"))
	assert.Same(t, b, findPipeByPort(pipes, "_P_"))
	assert.Nil(t, findPipeByPort(pipes, "_Q_"))

	assert.Same(t, a, findPipeByEdgeID(pipes, "e0"))
	assert.Same(t, b, findPipeByEdgeID(pipes, "e2"))
	assert.Nil(t, findPipeByEdgeID(pipes, "e9"))
}
