//go:build linux

package engine

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Signal bytes carried over the self-pipe into the loop thread. Graph state
// is only safe to mutate there, so delivery goes through the loop rather
// than through the notification goroutine.
const (
	sigByteInt   = 'I'
	sigByteChld  = 'C'
	sigByteBreak = 'B' // Stop(): programmatic interrupt
)

func (e *Engine) setupSignals() error {
	e.sigCh = make(chan os.Signal, 8)
	signal.Notify(e.sigCh, syscall.SIGINT, syscall.SIGCHLD)
	go e.forwardSignals()

	e.sigWatcher = &watcher{fd: e.sigR, events: epollIn, run: e.onSignalReady}
	e.addWatcher(e.sigWatcher)
	return e.arm(e.sigWatcher)
}

func stopSignals(ch chan os.Signal) {
	signal.Stop(ch)
}

// forwardSignals turns deliveries from the runtime into self-pipe bytes.
// The pipe is nonblocking; a full pipe just coalesces signals, which is
// what kernel signal delivery does anyway.
func (e *Engine) forwardSignals() {
	for sig := range e.sigCh {
		var b byte
		switch sig {
		case syscall.SIGINT:
			b = sigByteInt
		case syscall.SIGCHLD:
			b = sigByteChld
		default:
			continue
		}
		_, _ = unix.Write(e.sigW, []byte{b})
	}
}

// onSignalReady drains the self-pipe and dispatches each signal on the loop
// thread. It is the loop's only persistent handler.
func (e *Engine) onSignalReady(uint32) {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(e.sigR, buf)
		if n <= 0 || err != nil {
			break
		}
		for _, b := range buf[:n] {
			switch b {
			case sigByteInt:
				e.log.Debug("handling sigint")
				e.loopBreak = true
			case sigByteBreak:
				e.log.Debug("stop requested")
				e.loopBreak = true
			case sigByteChld:
				e.reapChildren()
			}
		}
	}

	if e.loopBreak {
		return
	}
	if err := e.arm(e.sigWatcher); err != nil {
		e.log.Error("failed to re-arm signal handler", zap.Error(err))
	}
}

// reapChildren drains every terminated child. Signal delivery coalesces, so
// one SIGCHLD may stand for several exits; loop until the kernel reports
// nothing more to reap.
func (e *Engine) reapChildren() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			e.log.Debug("all child processes have already terminated")
			return
		case err != nil:
			e.log.Error("unexpected error while waiting for child", zap.Error(err))
			return
		case pid == 0:
			return
		}

		// A child killed by SIGPIPE wrote into a closed downstream; that is
		// a normal way for a graph to wind down.
		if status.Exited() || (status.Signaled() && status.Signal() == unix.SIGPIPE) {
			e.closeNode(pid)
			continue
		}
		if status.Signaled() {
			e.log.Debug("child was terminated by signal",
				zap.Int("pid", pid),
				zap.String("signal", status.Signal().String()))
			return
		}
		e.log.Error("child changed state without terminating", zap.Int("pid", pid))
		return
	}
}

// closeNode releases everything the parent was holding on a terminated
// child's behalf: its input pipes close entirely, the write sides of its
// output pipes close so downstream consumers see EOF, and writable
// handlers aimed at the dead consumer are cancelled with their paired
// readable re-armed to observe the closure.
func (e *Engine) closeNode(pid int) {
	e.nExited++

	ns := e.nodeByPid(pid)
	if ns == nil {
		e.log.Error("no node matches pid of terminated child", zap.Int("pid", pid))
		return
	}
	e.log.Debug("child process ended",
		zap.Int("exited", e.nExited),
		zap.String("node", ns.node.ID))

	e.closeNodePipes(ns)
	ns.ended = true

	for _, ed := range e.g.Edges {
		if ed.ToNode == ns.node.ID {
			e.log.Debug("edge finished",
				zap.String("edge", ed.ID),
				zap.Int64("bytes_spliced", ed.BytesSpliced()))
		}
	}

	if e.nExited >= e.nLaunched {
		e.loopExit = true
	}
}

// closeNodePipes is the fd-release path shared by child termination and
// launch failure.
func (e *Engine) closeNodePipes(ns *nodeState) {
	for _, p := range ns.inPipes {
		e.dropFD(p.readFD)
		e.dropFD(p.writeFD)
		if err := p.close(); err != nil {
			e.log.Debug("closing incoming pipes failed",
				zap.String("node", ns.node.ID),
				zap.Error(err))
		}
	}

	for _, p := range ns.outPipes {
		if !p.writeOpen {
			continue
		}
		if err := p.closeWrite(); err != nil {
			e.log.Debug("closing outgoing pipe failed",
				zap.String("node", ns.node.ID),
				zap.Strings("edges", p.edgeIDs),
				zap.Error(err))
		}
	}

	for _, ws := range ns.writableWatchers {
		if !ws.w.armed {
			continue
		}
		// The readable handler will notice the closed consumer and close
		// the upstream output as required.
		ws.w.armed = false
		if !ws.rs.freed {
			if err := e.arm(ws.rs.w); err != nil {
				e.log.Debug("failed to re-arm readable handler", zap.Error(err))
			}
		}
	}
}
