//go:build linux

package engine

import (
	"math"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/aacn500/hp4/pkg/graph"
)

const (
	epollIn  = uint32(unix.EPOLLIN)
	epollOut = uint32(unix.EPOLLOUT)

	// watermarkReset is the per-cycle starting value of the safe-consumption
	// watermark; the first fan-out write pulls it down to a real count.
	watermarkReset = int64(math.MaxInt64)
)

// readState is the context of one readable handler: a source pipe and its
// fan-out set. bytesSafelyWritten is the cycle watermark, the minimum byte
// count every destination has accepted and therefore the amount that may be
// drained from the source.
type readState struct {
	from  *pipe
	dests []*writeState // slots become nil as destinations are freed
	w     *watcher

	bytesSafelyWritten int64
	freed              bool
}

func (rs *readState) destFor(p *pipe) *writeState {
	for _, ws := range rs.dests {
		if ws != nil && ws.to == p {
			return ws
		}
	}
	return nil
}

// writeState is the context of one writable handler: a single (source pipe,
// destination pipe) pair plus the edges it carries.
type writeState struct {
	from  *pipe
	to    *pipe
	edges []*graph.Edge
	rs    *readState
	w     *watcher
}

// onReadable builds the handler for a source pipe becoming readable. It
// moves no bytes itself: it resets the cycle scratch, re-arms the writable
// handler of every live destination, and reaps destinations whose consumer
// has gone away. When none remain it closes the source and retires itself.
func (e *Engine) onReadable(rs *readState) func(uint32) {
	return func(uint32) {
		if rs.freed {
			return
		}

		rs.bytesSafelyWritten = watermarkReset
		for _, ws := range rs.dests {
			if ws != nil {
				ws.to.visited = false
			}
		}

		allClosed := true
		for i, ws := range rs.dests {
			if ws == nil {
				continue
			}
			if ws.to.writeOpen {
				allClosed = false
				if err := e.arm(ws.w); err != nil {
					e.log.Debug("not allowed to add writable handler", zap.Error(err))
				}
				continue
			}
			e.removeWatcher(ws.w)
			rs.dests[i] = nil
		}

		if allClosed {
			rs.freed = true
			e.dropFD(rs.from.readFD)
			if err := rs.from.closeRead(); err != nil {
				e.log.Debug("closing drained source pipe failed", zap.Error(err))
			}
		}
	}
}

// onWritable builds the handler for one destination pipe becoming writable.
// Degree-1 sources are moved with a consuming splice; fan-out sources are
// duplicated with tee and consumed only once every sibling has accepted the
// common prefix, by draining the watermark into /dev/null.
func (e *Engine) onWritable(ws *writeState) func(uint32) {
	return func(uint32) {
		rs := ws.rs
		if rs.freed {
			return
		}

		gotEOF := false
		last := true

		if len(rs.dests) == 1 {
			gotEOF = e.writeSingle(ws)
		} else {
			e.writeMulti(ws)

			for _, o := range rs.dests {
				if o != nil && o.to.writeOpen && !o.to.visited {
					// Not every destination's handler has fired this cycle;
					// the source must not be consumed yet.
					last = false
					break
				}
			}
			if last {
				gotEOF = e.drainSource(rs)
			}
		}

		if !last {
			return
		}
		if gotEOF {
			e.closeEdgeSet(rs)
			return
		}
		if err := e.arm(rs.w); err != nil {
			e.log.Debug("not allowed to add readable handler", zap.Error(err))
		}
	}
}

// writeSingle moves up to one chunk from the source into the only
// destination, consuming the source. Returns true on EOF.
func (e *Engine) writeSingle(ws *writeState) bool {
	if !ws.to.writeOpen {
		return true
	}

	n, err := unix.Splice(ws.from.readFD, nil, ws.to.writeFD, nil, maxSpliceBytes, unix.SPLICE_F_NONBLOCK)
	switch {
	case err == unix.EAGAIN:
		// No bytes this time; the loop will re-poll.
	case err != nil:
		e.log.Warn("splice failed, closing edge destination",
			zap.Strings("edges", ws.to.edgeIDs),
			zap.Error(err))
		e.dropFD(ws.to.writeFD)
		_ = ws.to.closeWrite()
	case n > 0:
		for _, ed := range ws.edges {
			ed.AddBytes(n)
		}
		ws.to.bytesWritten = n
	default:
		return true
	}
	return false
}

// writeMulti duplicates up to one chunk into this destination without
// consuming the source, then folds the destination's accepted count into
// the cycle watermark.
func (e *Engine) writeMulti(ws *writeState) {
	rs := ws.rs

	if ws.to.bytesWritten == 0 && ws.to.writeOpen {
		n, err := unix.Tee(ws.from.readFD, ws.to.writeFD, maxSpliceBytes, unix.SPLICE_F_NONBLOCK)
		switch {
		case err == unix.EAGAIN:
			// Nothing duplicated; the watermark stays at this destination's
			// zero and the drain waits for the next cycle.
		case err != nil:
			e.log.Warn("tee failed, closing edge destination",
				zap.Strings("edges", ws.to.edgeIDs),
				zap.Error(err))
			e.dropFD(ws.to.writeFD)
			_ = ws.to.closeWrite()
			return
		case n > 0:
			ws.to.bytesWritten = n
			for _, ed := range ws.edges {
				ed.AddBytes(n)
			}
		}
	}

	if ws.to.bytesWritten < rs.bytesSafelyWritten {
		rs.bytesSafelyWritten = ws.to.bytesWritten
	}
	ws.to.visited = true
}

// drainSource discards the watermark's worth of bytes from the source into
// /dev/null once the last writable handler of the cycle has run. Every
// destination has accepted at least that prefix, so it is safe to let go.
// Returns true on EOF.
func (e *Engine) drainSource(rs *readState) bool {
	drainLen := rs.bytesSafelyWritten
	if drainLen == 0 {
		// No destination accepted anything this cycle. An empty source has
		// reached EOF; otherwise a destination was full and the drain waits
		// for the next cycle.
		avail, err := unix.IoctlGetInt(rs.from.readFD, unix.FIONREAD)
		return err != nil || avail == 0
	}
	if drainLen > math.MaxInt32 {
		drainLen = math.MaxInt32
	}
	n, err := unix.Splice(rs.from.readFD, nil, e.devNull, nil, int(drainLen), unix.SPLICE_F_NONBLOCK)
	switch {
	case err == unix.EAGAIN:
	case err != nil:
		e.log.Warn("draining fan-out source failed",
			zap.Strings("edges", rs.from.edgeIDs),
			zap.Error(err))
	case n > 0:
		for _, ws := range rs.dests {
			if ws == nil {
				continue
			}
			if ws.to.bytesWritten >= n {
				ws.to.bytesWritten -= n
			} else {
				ws.to.bytesWritten = 0
			}
		}
	default:
		return true
	}
	return false
}

// closeEdgeSet tears down a source pipe and its whole fan-out set after
// EOF: nothing more will arrive, so downstream consumers get their EOF now.
func (e *Engine) closeEdgeSet(rs *readState) {
	e.log.Debug("edge set got EOF, closing pipes", zap.Strings("edges", rs.from.edgeIDs))

	rs.freed = true
	e.dropFD(rs.from.readFD)
	if err := rs.from.closeRead(); err != nil {
		e.log.Debug("closing source pipe failed", zap.Error(err))
	}

	for _, ws := range rs.dests {
		if ws == nil || !ws.to.writeOpen {
			continue
		}
		e.dropFD(ws.to.writeFD)
		if err := ws.to.closeWrite(); err != nil {
			e.log.Debug("closing destination pipe failed", zap.Error(err))
		}
	}
}

func setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
