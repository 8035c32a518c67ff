//go:build linux

package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/aacn500/hp4/pkg/graph"
)

// buildEdges walks the edge list and materializes the pipe fabric. Edges
// sharing a source port are coalesced onto a single output pipe, fanned out
// by content duplication at pump time; destination ports coalesce the same
// way. Insertion order is preserved everywhere.
func (e *Engine) buildEdges() error {
	for _, ed := range e.g.Edges {
		from, ok := e.byID[ed.FromNode]
		if !ok {
			return fmt.Errorf("engine: edge %s: no node with id %s", ed.ID, ed.FromNode)
		}
		to, ok := e.byID[ed.ToNode]
		if !ok {
			return fmt.Errorf("engine: edge %s: no node with id %s", ed.ID, ed.ToNode)
		}
		if !from.node.IsExec() || !to.node.IsExec() {
			return fmt.Errorf("engine: edge %s: non-EXEC nodes are not supported", ed.ID)
		}

		if out := findPipeByPort(from.outPipes, ed.FromPort); out != nil {
			out.edgeIDs = append(out.edgeIDs, ed.ID)
		} else {
			p, err := newPipe(ed.FromPort, ed.ID)
			if err != nil {
				return err
			}
			from.outPipes = append(from.outPipes, p)
		}

		if in := findPipeByPort(to.inPipes, ed.ToPort); in != nil {
			in.edgeIDs = append(in.edgeIDs, ed.ID)
		} else {
			p, err := newPipe(ed.ToPort, ed.ID)
			if err != nil {
				return err
			}
			to.inPipes = append(to.inPipes, p)
		}

		from.listeningEdges = append(from.listeningEdges, ed)
	}
	return nil
}

// buildNodes registers the pump handlers for every node's output pipes and
// then launches the node. Registration happens before the fork so the
// parent side of every pipe is armed by the time the child can write.
func (e *Engine) buildNodes() error {
	for _, ns := range e.nodes {
		if len(ns.inPipes) == 0 && len(ns.outPipes) == 0 {
			// Not joined to the graph; the validator rejects this upstream.
			e.log.Debug("node is not connected to graph, skipping", zap.String("node", ns.node.ID))
			continue
		}

		if err := e.registerNodeEvents(ns); err != nil {
			return err
		}

		if err := e.launchNode(ns); err != nil {
			e.log.Error("failed to launch node",
				zap.String("node", ns.node.ID),
				zap.Error(err))
			e.failNode(ns)
		}
	}
	return nil
}

// registerNodeEvents installs one readable handler per output pipe and one
// writable handler per (source pipe, destination pipe) pair. The fan-out
// set of a source pipe is exactly the edges sharing that pipe, each
// resolved to its destination's input pipe.
func (e *Engine) registerNodeEvents(ns *nodeState) error {
	for _, out := range ns.outPipes {
		if err := setNonblock(out.readFD); err != nil {
			return err
		}

		rs := &readState{from: out, bytesSafelyWritten: watermarkReset}
		rs.w = &watcher{fd: out.readFD, events: epollIn, run: e.onReadable(rs)}
		e.addWatcher(rs.w)

		for _, ed := range ns.listeningEdges {
			if ed.FromPort != out.port {
				continue
			}
			dest, ok := e.byID[ed.ToNode]
			if !ok {
				return fmt.Errorf("engine: edge %s: no node with id %s", ed.ID, ed.ToNode)
			}
			toPipe := findPipeByEdgeID(dest.inPipes, ed.ID)
			if toPipe == nil {
				return fmt.Errorf("engine: node %s has no input pipe for edge %s", dest.node.ID, ed.ID)
			}

			// Duplicate edges landing on the same destination pipe share
			// one writable handler and split nothing: each edge counter is
			// credited in full.
			if ws := rs.destFor(toPipe); ws != nil {
				ws.edges = append(ws.edges, ed)
				continue
			}

			if err := setNonblock(toPipe.writeFD); err != nil {
				return err
			}
			ws := &writeState{from: out, to: toPipe, edges: []*graph.Edge{ed}, rs: rs}
			ws.w = &watcher{fd: toPipe.writeFD, events: epollOut, run: e.onWritable(ws)}
			e.addWatcher(ws.w)
			rs.dests = append(rs.dests, ws)
			dest.writableWatchers = append(dest.writableWatchers, ws)
		}

		if err := e.arm(rs.w); err != nil {
			return fmt.Errorf("engine: failed to add readable event: %w", err)
		}
	}
	return nil
}
