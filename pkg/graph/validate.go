package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedKind reports a node kind that parses but has no engine
// support. File-backed kinds are reserved and rejected until implemented.
var ErrUnsupportedKind = errors.New("graph: node kind is not supported")

// Validate rejects graphs the engine must not attempt to run. It checks:
//   - at least one node and one edge
//   - no id, type, or port contains whitespace
//   - every edge endpoint names an existing node
//   - every non-stdio port occurs exactly once in the referenced command
//   - every node is referenced by at least one edge
//   - every node kind is executable
func Validate(f *File) error {
	if len(f.Nodes) == 0 {
		return errors.New("graph: no nodes defined")
	}
	if len(f.Edges) == 0 {
		return errors.New("graph: no edges defined")
	}

	for _, n := range f.Nodes {
		if n.ID == "" {
			return errors.New("graph: node without an id")
		}
		if hasSpace(n.ID) || hasSpace(n.Type) {
			return fmt.Errorf("graph: node %s: whitespace in id or type", n.ID)
		}
		switch {
		case n.IsExec():
			if n.Cmd == "" {
				return fmt.Errorf("graph: node %s is type EXEC but has no cmd", n.ID)
			}
		case n.Type == TypeRAFile || strings.HasSuffix(n.Type, "FILE"):
			return fmt.Errorf("%w: node %s has file-backed type %s", ErrUnsupportedKind, n.ID, n.Type)
		default:
			return fmt.Errorf("graph: node %s has unknown type %q", n.ID, n.Type)
		}
	}

	referenced := make(map[string]bool, len(f.Nodes))
	for _, e := range f.Edges {
		if e.ID == "" {
			return errors.New("graph: edge without an id")
		}
		for _, s := range []string{e.ID, e.FromNode, e.FromPort, e.ToNode, e.ToPort} {
			if hasSpace(s) {
				return fmt.Errorf("graph: edge %s: whitespace in id or endpoint", e.ID)
			}
		}

		from := f.NodeByID(e.FromNode)
		if from == nil {
			return fmt.Errorf("graph: edge %s: from node %s does not exist", e.ID, e.FromNode)
		}
		to := f.NodeByID(e.ToNode)
		if to == nil {
			return fmt.Errorf("graph: edge %s: to node %s does not exist", e.ID, e.ToNode)
		}
		referenced[from.ID] = true
		referenced[to.ID] = true

		// A named port must have exactly one substitution site in the command.
		if err := checkPortSite(from, e.FromPort, e.ID); err != nil {
			return err
		}
		if err := checkPortSite(to, e.ToPort, e.ID); err != nil {
			return err
		}
	}

	for _, n := range f.Nodes {
		if !referenced[n.ID] {
			return fmt.Errorf("graph: node %s is not connected to the graph", n.ID)
		}
	}

	return nil
}

func checkPortSite(n *Node, port, edgeID string) error {
	if port == StdioPort {
		return nil
	}
	switch c := strings.Count(n.Cmd, port); c {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("graph: edge %s: port %s does not occur in command of node %s", edgeID, port, n.ID)
	default:
		return fmt.Errorf("graph: edge %s: port %s occurs %d times in command of node %s", edgeID, port, c, n.ID)
	}
}

func hasSpace(s string) bool {
	return strings.ContainsAny(s, " \t\n\r")
}
