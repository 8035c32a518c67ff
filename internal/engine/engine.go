//go:build linux

// Package engine executes a validated process graph: it materializes the
// pipe fabric, launches every node as a child process, and pumps bytes
// between pipes with zero-copy splice/tee on a single-threaded epoll loop
// until every child has exited or the run is interrupted.
//
// All mutable run state lives on the loop goroutine. The only values read
// from outside are the per-edge byte counters, which are atomic.
package engine

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/aacn500/hp4/internal/stats"
	"github.com/aacn500/hp4/pkg/graph"
)

// maxSpliceBytes bounds a single splice/tee call. One pipe buffer's worth;
// larger values only change how often handlers run.
const maxSpliceBytes = 64 * 1024

// DefaultStatsInterval is the stats emission period when none is configured.
const DefaultStatsInterval = 1000 * time.Millisecond

// Config carries the engine's run parameters.
type Config struct {
	// StatsInterval is the period between stats emissions. Zero or negative
	// falls back to DefaultStatsInterval.
	StatsInterval time.Duration
	// Reporter receives a snapshot on every tick and once at shutdown.
	// May be nil.
	Reporter stats.Reporter
	// Log defaults to a nop logger.
	Log *zap.Logger
}

// nodeState is the engine's per-node runtime record: the pipe arrays built
// by the edge builder, the edges this node feeds, the writable handlers
// registered against its input pipes, and the child's identity.
type nodeState struct {
	node *graph.Node

	inPipes  []*pipe
	outPipes []*pipe

	// Edges whose source is this node.
	listeningEdges []*graph.Edge
	// Writable handlers whose destination pipe feeds this node's stdin or
	// ports. Cancelled when the node dies so pending writes don't fire into
	// a dead consumer.
	writableWatchers []*writeState

	pid      int
	launched bool
	ended    bool
}

// Engine owns one run of a process graph.
type Engine struct {
	log *zap.Logger
	g   *graph.File
	cfg Config

	nodes []*nodeState
	byID  map[string]*nodeState

	epfd       int
	registered map[int]bool       // fds currently in the epoll interest set
	watchers   map[int][]*watcher // fd -> handlers

	sched *scheduler

	// Write-only /dev/null for draining fan-out sources, and a blocking
	// /dev/null standing in for unclaimed child stdio.
	devNull   int
	childNull int

	sigR, sigW int        // self-pipe carrying signals into the loop
	sigMu      sync.Mutex // serializes Stop against teardown
	sigWatcher *watcher
	sigCh      chan os.Signal

	nLaunched int
	nExited   int
	loopBreak bool // interrupt: leave the loop now
	loopExit  bool // all children reaped: leave after the current batch
}

// New prepares an engine for the given parsed and validated graph.
func New(g *graph.File, cfg Config) (*Engine, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}

	e := &Engine{
		log:        log.Named("engine"),
		g:          g,
		cfg:        cfg,
		byID:       make(map[string]*nodeState, len(g.Nodes)),
		epfd:       -1,
		registered: make(map[int]bool),
		watchers:   make(map[int][]*watcher),
		sched:      newScheduler(),
		devNull:    -1,
		childNull:  -1,
		sigR:       -1,
		sigW:       -1,
	}

	for _, n := range g.Nodes {
		ns := &nodeState{node: n}
		e.nodes = append(e.nodes, ns)
		e.byID[n.ID] = ns
	}

	// The self-pipe exists from construction so Stop is always safe to call.
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("engine: self-pipe: %w", err)
	}
	e.sigR, e.sigW = fds[0], fds[1]

	return e, nil
}

// Run builds the fabric, launches every node, and drives the event loop to
// completion. It returns after the final stats emission.
func (e *Engine) Run() error {
	defer e.teardown()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("engine: epoll_create1: %w", err)
	}
	e.epfd = epfd

	if e.devNull, err = unix.Open(os.DevNull, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0); err != nil {
		return fmt.Errorf("engine: open %s: %w", os.DevNull, err)
	}
	if e.childNull, err = unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0); err != nil {
		return fmt.Errorf("engine: open %s: %w", os.DevNull, err)
	}

	if err := e.setupSignals(); err != nil {
		return err
	}

	if err := e.buildEdges(); err != nil {
		return err
	}
	if err := e.buildNodes(); err != nil {
		return err
	}
	if e.nLaunched == 0 {
		return errors.New("engine: no nodes could be launched")
	}

	e.sched.schedule(time.Now().Add(e.cfg.StatsInterval), e.cfg.StatsInterval, e.emitStats)

	loopErr := e.loop()

	// Last emission makes partial work visible even on interrupt.
	e.emitStats()
	return loopErr
}

// Stop asks the loop to break out, same as a SIGINT. Safe from any
// goroutine, including after Run has returned.
func (e *Engine) Stop() {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()
	if e.sigW >= 0 {
		_, _ = unix.Write(e.sigW, []byte{sigByteBreak})
	}
}

// Snapshot returns the current per-edge byte counters. Safe from any
// goroutine.
func (e *Engine) Snapshot() stats.Snapshot {
	snap := make(stats.Snapshot, len(e.g.Edges))
	for _, ed := range e.g.Edges {
		snap[ed.ID] = ed.BytesSpliced()
	}
	return snap
}

func (e *Engine) emitStats() {
	if e.cfg.Reporter == nil {
		return
	}
	if err := e.cfg.Reporter.Emit(e.Snapshot()); err != nil {
		e.log.Warn("stats emission failed", zap.Error(err))
	}
}

func (e *Engine) nodeByPid(pid int) *nodeState {
	for _, ns := range e.nodes {
		if ns.launched && ns.pid == pid {
			return ns
		}
	}
	return nil
}

func (e *Engine) teardown() {
	if e.sigCh != nil {
		stopSignals(e.sigCh)
		close(e.sigCh)
		e.sigCh = nil
	}

	for _, ns := range e.nodes {
		_ = closePipes(ns.inPipes)
		_ = closePipes(ns.outPipes)
	}

	e.sigMu.Lock()
	for _, fd := range []int{e.sigR, e.sigW} {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
	e.sigR, e.sigW = -1, -1
	e.sigMu.Unlock()

	for _, fd := range []int{e.devNull, e.childNull, e.epfd} {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
	e.devNull, e.childNull, e.epfd = -1, -1, -1
}
