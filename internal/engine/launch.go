//go:build linux

package engine

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/aacn500/hp4/pkg/graph"
	"github.com/aacn500/hp4/pkg/strutil"
)

// childArgv tokenizes a node's command and rewrites it for the child: a
// stdio-port pipe claims the matching standard stream, every named port is
// replaced with a /proc path to the runner's end of its pipe. The child
// re-opens named ports through procfs, so it never inherits a fabric fd.
//
// Returned stdin/stdout are -1 when no pipe claimed the stream.
func childArgv(node *graph.Node, runnerPID int, inPipes, outPipes []*pipe) (argv []string, stdin, stdout int, err error) {
	argv, err = strutil.Tokenize(node.Cmd)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("engine: node %s: %w", node.ID, err)
	}
	if len(argv) == 0 {
		return nil, 0, 0, fmt.Errorf("engine: node %s has an empty command", node.ID)
	}

	stdin, stdout = -1, -1

	for _, p := range outPipes {
		if p.port == graph.StdioPort {
			stdout = p.writeFD
			continue
		}
		if err := substitutePort(argv, p.port, runnerPID, p.writeFD); err != nil {
			return nil, 0, 0, fmt.Errorf("engine: node %s: %w", node.ID, err)
		}
	}

	for _, p := range inPipes {
		if p.port == graph.StdioPort {
			stdin = p.readFD
			continue
		}
		if err := substitutePort(argv, p.port, runnerPID, p.readFD); err != nil {
			return nil, 0, 0, fmt.Errorf("engine: node %s: %w", node.ID, err)
		}
	}

	return argv, stdin, stdout, nil
}

func substitutePort(argv []string, port string, pid, fd int) error {
	path := fmt.Sprintf("/proc/%d/fd/%d", pid, fd)
	for i, tok := range argv {
		if tok == "" {
			continue
		}
		replaced, err := strutil.Replace(tok, port, path)
		if err != nil {
			return err
		}
		argv[i] = replaced
	}
	return nil
}

// launchNode forks and execs one node. The fd table handed to the child is
// exactly {stdin, stdout, stderr}: stdio claimed by a pipe or /dev/null,
// stderr inherited from the runner. All fabric fds are close-on-exec, so
// EOF propagation never depends on a child remembering to close anything.
func (e *Engine) launchNode(ns *nodeState) error {
	argv, stdinFD, stdoutFD, err := childArgv(ns.node, os.Getpid(), ns.inPipes, ns.outPipes)
	if err != nil {
		return err
	}
	if stdinFD < 0 {
		stdinFD = e.childNull
	}
	if stdoutFD < 0 {
		stdoutFD = e.childNull
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("engine: node %s: %w", ns.node.ID, err)
	}

	pid, err := syscall.ForkExec(path, argv, &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: []uintptr{uintptr(stdinFD), uintptr(stdoutFD), uintptr(syscall.Stderr)},
	})
	if err != nil {
		return fmt.Errorf("engine: node %s: fork/exec: %w", ns.node.ID, err)
	}

	ns.pid = pid
	ns.launched = true
	ns.ended = false
	e.nLaunched++

	e.log.Debug("node started",
		zap.String("node", ns.node.ID),
		zap.Int("pid", pid),
		zap.Strings("argv", argv))
	return nil
}

// failNode tears down a node that never ran: its consumers get immediate
// EOF and its producers see a dead downstream, exactly as if the child had
// exited at once.
func (e *Engine) failNode(ns *nodeState) {
	e.closeNodePipes(ns)
	ns.ended = true
}
