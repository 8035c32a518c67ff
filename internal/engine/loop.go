//go:build linux

package engine

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// watcher associates one fd with one handler. Watchers are one-shot: once
// dispatched they stay disarmed until re-armed, mirroring non-persistent
// libevent events. Several watchers may share an fd (a destination pipe fed
// by more than one source); arming any of them arms the fd.
type watcher struct {
	fd     int
	events uint32 // unix.EPOLLIN or unix.EPOLLOUT
	armed  bool
	run    func(revents uint32)
}

func (e *Engine) addWatcher(w *watcher) {
	e.watchers[w.fd] = append(e.watchers[w.fd], w)
}

// arm marks the watcher runnable and (re)arms its fd in the epoll set.
func (e *Engine) arm(w *watcher) error {
	w.armed = true
	ev := &unix.EpollEvent{Events: w.events | unix.EPOLLONESHOT, Fd: int32(w.fd)}
	if e.registered[w.fd] {
		return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, w.fd, ev)
	}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, w.fd, ev); err != nil {
		return fmt.Errorf("engine: epoll add fd %d: %w", w.fd, err)
	}
	e.registered[w.fd] = true
	return nil
}

// removeWatcher forgets a single handler; the fd may stay registered for
// its remaining watchers.
func (e *Engine) removeWatcher(w *watcher) {
	ws := e.watchers[w.fd]
	for i, o := range ws {
		if o == w {
			e.watchers[w.fd] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(e.watchers[w.fd]) == 0 {
		e.dropFD(w.fd)
	}
}

// dropFD forgets all bookkeeping for an fd. Called around close: the kernel
// removes a closed fd from the epoll set on its own.
func (e *Engine) dropFD(fd int) {
	delete(e.watchers, fd)
	delete(e.registered, fd)
}

// loop dispatches fd readiness and due timers until a break or exit request.
func (e *Engine) loop() error {
	events := make([]unix.EpollEvent, 64)

	for !e.loopBreak && !e.loopExit {
		n, err := unix.EpollWait(e.epfd, events, e.nextTimeoutMillis())
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("engine: epoll_wait: %w", err)
		}

		for i := 0; i < n && !e.loopBreak; i++ {
			fd := int(events[i].Fd)
			revents := events[i].Events

			// Handlers mutate the watcher set; dispatch over a copy.
			batch := append([]*watcher(nil), e.watchers[fd]...)
			for _, w := range batch {
				if !w.armed {
					continue
				}
				w.armed = false
				w.run(revents)
			}
		}

		e.sched.runDue(time.Now())
	}
	return nil
}

func (e *Engine) nextTimeoutMillis() int {
	when, ok := e.sched.next()
	if !ok {
		return -1
	}
	d := time.Until(when)
	if d < 0 {
		return 0
	}
	return int(d / time.Millisecond)
}
