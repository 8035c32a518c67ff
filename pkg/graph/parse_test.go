package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basicJSON = `{
  "nodes": [
    {"id": "cat", "type": "EXEC", "cmd": "cat"},
    {"id": "save", "type": "EXEC", "cmd": "save"}
  ],
  "edges": [
    {"id": "cat-to-save", "from": "cat", "to": "save"}
  ]
}`

const portsJSON = `{
  "nodes": [
    {"id": "view", "type": "EXEC", "cmd": "samtools view example.bam -O SAM -o _SAM_OUT_"},
    {"id": "save", "type": "EXEC", "cmd": "save _SAVE_IN_ example.sam"}
  ],
  "edges": [
    {"id": "view-to-save", "from": "view:_SAM_OUT_", "to": "save:_SAVE_IN_"}
  ]
}`

func TestParseBasicFile(t *testing.T) {
	pf, err := Parse(strings.NewReader(basicJSON))
	require.NoError(t, err)
	require.Len(t, pf.Nodes, 2)
	require.Len(t, pf.Edges, 1)

	cat := pf.Nodes[0]
	assert.Equal(t, "cat", cat.ID)
	assert.Equal(t, TypeExec, cat.Type)
	assert.Equal(t, "cat", cat.Cmd)

	e := pf.Edges[0]
	assert.Equal(t, "cat-to-save", e.ID)
	assert.Equal(t, "cat", e.FromNode)
	assert.Equal(t, StdioPort, e.FromPort)
	assert.Equal(t, "save", e.ToNode)
	assert.Equal(t, StdioPort, e.ToPort)
	assert.EqualValues(t, 0, e.BytesSpliced())
}

func TestParsePortsFile(t *testing.T) {
	pf, err := Parse(strings.NewReader(portsJSON))
	require.NoError(t, err)

	e := pf.Edges[0]
	assert.Equal(t, "view", e.FromNode)
	assert.Equal(t, "_SAM_OUT_", e.FromPort)
	assert.Equal(t, "save", e.ToNode)
	assert.Equal(t, "_SAVE_IN_", e.ToPort)
}

func TestParseRejectsBrokenInput(t *testing.T) {
	cases := map[string]string{
		"broken json":      `{"nodes": [`,
		"array root":       `[1, 2]`,
		"unknown field":    `{"nodes": [], "edges": [], "extra": 1}`,
		"trailing content": basicJSON + `{"more": true}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestParseRejectsIncoherentNodes(t *testing.T) {
	cases := map[string]string{
		"exec without cmd":    `{"nodes": [{"id": "a", "type": "EXEC"}], "edges": []}`,
		"cmd on non-exec":     `{"nodes": [{"id": "a", "type": "RAFILE", "cmd": "cat", "name": "f"}], "edges": []}`,
		"subtype on exec":     `{"nodes": [{"id": "a", "type": "EXEC", "cmd": "cat", "subtype": "DUMMY"}], "edges": []}`,
		"file without name":   `{"nodes": [{"id": "a", "type": "RAFILE"}], "edges": []}`,
		"name on exec":        `{"nodes": [{"id": "a", "type": "EXEC", "cmd": "cat", "name": "f"}], "edges": []}`,
		"bad subtype":         `{"nodes": [{"id": "a", "type": "RAFILE", "subtype": "OTHER", "name": "f"}], "edges": []}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	node, port, err := ParseEndpoint("X")
	require.NoError(t, err)
	assert.Equal(t, "X", node)
	assert.Equal(t, "-", port)

	node, port, err = ParseEndpoint("X:Y")
	require.NoError(t, err)
	assert.Equal(t, "X", node)
	assert.Equal(t, "Y", port)

	_, _, err = ParseEndpoint("X:Y:Z")
	assert.Error(t, err)
}

func TestNodeByID(t *testing.T) {
	pf, err := Parse(strings.NewReader(basicJSON))
	require.NoError(t, err)

	assert.NotNil(t, pf.NodeByID("cat"))
	assert.Nil(t, pf.NodeByID("NONE"))
}
