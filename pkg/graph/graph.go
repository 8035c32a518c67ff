// Package graph holds the in-memory model of a process graph: nodes that
// name external programs and edges that carry one program's output bytes
// into another's input. The model is read-only after Load; only the edge
// byte counters mutate during a run.
package graph

import "sync/atomic"

// Node types understood by the loader. Only EXEC nodes are executable; the
// file-backed kinds parse but are rejected before execution.
const (
	TypeExec   = "EXEC"
	TypeRAFile = "RAFILE"

	// StdioPort is the sentinel port meaning "use the process's standard
	// stream" on the relevant side of an edge.
	StdioPort = "-"
)

// File is a parsed process graph.
type File struct {
	Nodes []*Node
	Edges []*Edge
}

// Node is one declared vertex: an external program plus its identity.
type Node struct {
	ID      string
	Type    string
	Subtype string
	Cmd     string
	Name    string
}

// Edge is a directed byte-stream channel between two nodes. An endpoint's
// port is StdioPort when the edge attaches to the process's standard stream,
// otherwise it names a placeholder token inside the node's command string.
type Edge struct {
	ID       string
	FromNode string
	FromPort string
	ToNode   string
	ToPort   string

	// bytesSpliced counts bytes delivered on this edge. Atomic so that the
	// stats API can read counters while the event loop is mutating them.
	bytesSpliced atomic.Int64
}

// AddBytes credits n delivered bytes to the edge counter.
func (e *Edge) AddBytes(n int64) { e.bytesSpliced.Add(n) }

// BytesSpliced returns the total bytes delivered on this edge so far.
func (e *Edge) BytesSpliced() int64 { return e.bytesSpliced.Load() }

// NodeByID returns the node with the given id, or nil.
func (f *File) NodeByID(id string) *Node {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// IsExec reports whether the node names a runnable external program.
func (n *Node) IsExec() bool { return n.Type == TypeExec }
