package graph

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aacn500/hp4/pkg/jsonx"
)

// portDelimiter separates the node id from the port name in an edge endpoint
// string, e.g. "view:_SAM_OUT_".
const portDelimiter = ":"

type fileDoc struct {
	Nodes []nodeDoc `json:"nodes"`
	Edges []edgeDoc `json:"edges"`
}

type nodeDoc struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Cmd     string `json:"cmd,omitempty"`
	Name    string `json:"name,omitempty"`
}

type edgeDoc struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Load reads and parses a process graph description from path.
//
// The file must hold exactly one JSON object with `nodes` and `edges` arrays;
// unknown fields and trailing content are rejected. Structural coherence of
// each object (subtype/cmd/name vs. node type, endpoint shape) is checked
// here; graph-level rules live in Validate.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a graph description from src. See Load.
func Parse(src io.Reader) (*File, error) {
	var doc fileDoc
	if err := jsonx.ParseJSONObject(src, &doc); err != nil {
		return nil, fmt.Errorf("graph: parsing json failed: %w", err)
	}

	pf := &File{
		Nodes: make([]*Node, 0, len(doc.Nodes)),
		Edges: make([]*Edge, 0, len(doc.Edges)),
	}

	for _, nd := range doc.Nodes {
		n := &Node{ID: nd.ID, Type: nd.Type, Subtype: nd.Subtype, Cmd: nd.Cmd, Name: nd.Name}
		if err := checkNodeShape(n); err != nil {
			return nil, err
		}
		pf.Nodes = append(pf.Nodes, n)
	}

	for _, ed := range doc.Edges {
		fromNode, fromPort, err := ParseEndpoint(ed.From)
		if err != nil {
			return nil, fmt.Errorf("graph: edge %s: bad `from` endpoint: %w", ed.ID, err)
		}
		toNode, toPort, err := ParseEndpoint(ed.To)
		if err != nil {
			return nil, fmt.Errorf("graph: edge %s: bad `to` endpoint: %w", ed.ID, err)
		}
		pf.Edges = append(pf.Edges, &Edge{
			ID:       ed.ID,
			FromNode: fromNode,
			FromPort: fromPort,
			ToNode:   toNode,
			ToPort:   toPort,
		})
	}

	return pf, nil
}

// ParseEndpoint splits an edge endpoint string into node id and port. A
// missing port defaults to StdioPort; more than one delimiter is an error.
func ParseEndpoint(s string) (node, port string, err error) {
	switch strings.Count(s, portDelimiter) {
	case 0:
		return s, StdioPort, nil
	case 1:
		node, port, _ = strings.Cut(s, portDelimiter)
		return node, port, nil
	default:
		return "", "", fmt.Errorf("multiple port delimiters in %q", s)
	}
}

// checkNodeShape enforces the per-object coherence rules:
//   - subtype may only be DUMMY, and only on RAFILE nodes
//   - cmd must be present iff the node is EXEC
//   - name must be present iff the node is a *FILE kind
func checkNodeShape(n *Node) error {
	if n.Subtype != "" && !(n.Subtype == "DUMMY" && n.Type == TypeRAFile) {
		return fmt.Errorf("graph: node %s: subtype %q is not valid for type %q", n.ID, n.Subtype, n.Type)
	}
	if (n.Cmd != "") != n.IsExec() {
		return fmt.Errorf("graph: node %s: cmd must be set exactly when type is EXEC", n.ID)
	}
	if (n.Name != "") != strings.HasSuffix(n.Type, "FILE") {
		return fmt.Errorf("graph: node %s: name must be set exactly when type is a FILE kind", n.ID)
	}
	return nil
}
