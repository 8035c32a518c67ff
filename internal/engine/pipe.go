//go:build linux

package engine

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// pipe is one OS pipe pair plus the bookkeeping the engine needs: which
// sides are still open, the logical port it serves, and the edges sharing
// it. bytesWritten and visited are per-cycle scratch owned by the fan-out
// protocol; they are only touched from the loop thread.
type pipe struct {
	readFD  int
	writeFD int

	readOpen  bool
	writeOpen bool

	port    string
	edgeIDs []string

	// Bytes duplicated into this pipe but not yet drained from the shared
	// source, i.e. not yet accepted by every fan-out sibling.
	bytesWritten int64
	// Whether this cycle's writable handler has fired for this pipe.
	visited bool
}

// newPipe creates the OS pipe for a port. Both fds are close-on-exec:
// children never inherit fabric fds; they receive stdio via an explicit fd
// table and reach named ports through /proc paths.
func newPipe(port, edgeID string) (*pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("engine: pipe2: %w", err)
	}
	return &pipe{
		readFD:    fds[0],
		writeFD:   fds[1],
		readOpen:  true,
		writeOpen: true,
		port:      port,
		edgeIDs:   []string{edgeID},
	}, nil
}

// closeRead closes the read side if it is still open. Idempotent.
func (p *pipe) closeRead() error {
	if !p.readOpen {
		return nil
	}
	if err := unix.Close(p.readFD); err != nil {
		return err
	}
	p.readOpen = false
	return nil
}

// closeWrite closes the write side if it is still open. Idempotent.
func (p *pipe) closeWrite() error {
	if !p.writeOpen {
		return nil
	}
	if err := unix.Close(p.writeFD); err != nil {
		return err
	}
	p.writeOpen = false
	return nil
}

// close closes both sides. Idempotent; errors from the two sides are joined.
func (p *pipe) close() error {
	return errors.Join(p.closeRead(), p.closeWrite())
}

func closePipes(pipes []*pipe) error {
	var err error
	for _, p := range pipes {
		err = errors.Join(err, p.close())
	}
	return err
}

func findPipeByPort(pipes []*pipe, port string) *pipe {
	for _, p := range pipes {
		if p.port == port {
			return p
		}
	}
	return nil
}

func findPipeByEdgeID(pipes []*pipe, edgeID string) *pipe {
	for _, p := range pipes {
		for _, id := range p.edgeIDs {
			if id == edgeID {
				return p
			}
		}
	}
	return nil
}
