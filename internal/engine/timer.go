//go:build linux

package engine

import (
	"container/heap"
	"time"
)

// timerEntry represents one scheduled callback.
// index is required for heap.Fix + O(log n) removals.
type timerEntry struct {
	id     int64
	when   time.Time
	period time.Duration // zero for one-shot
	fn     func()
	index  int
}

// scheduler is a deadline min-heap the loop consults for its poll timeout.
// Periodic entries re-arm themselves each time they come due.
type scheduler struct {
	h       timerHeap
	entries map[int64]*timerEntry
	nextID  int64
}

func newScheduler() *scheduler {
	h := timerHeap{}
	heap.Init(&h)
	return &scheduler{
		h:       h,
		entries: make(map[int64]*timerEntry),
	}
}

// schedule inserts a callback due at when; a nonzero period makes it
// recurring. Returns the entry id for cancel.
func (s *scheduler) schedule(when time.Time, period time.Duration, fn func()) int64 {
	s.nextID++
	ev := &timerEntry{id: s.nextID, when: when, period: period, fn: fn}
	s.entries[ev.id] = ev
	heap.Push(&s.h, ev)
	return ev.id
}

// next returns the soonest deadline but does not remove it.
func (s *scheduler) next() (time.Time, bool) {
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].when, true
}

// runDue fires every entry due at now. Periodic entries are pushed back
// with their next deadline before the callback runs.
func (s *scheduler) runDue(now time.Time) {
	for len(s.h) > 0 && !s.h[0].when.After(now) {
		ev := heap.Pop(&s.h).(*timerEntry)
		delete(s.entries, ev.id)
		if ev.period > 0 {
			ev.when = now.Add(ev.period)
			s.entries[ev.id] = ev
			heap.Push(&s.h, ev)
		}
		ev.fn()
	}
}

// cancel deletes the entry with the given id (if still pending).
func (s *scheduler) cancel(id int64) {
	ev, ok := s.entries[id]
	if !ok {
		return
	}
	heap.Remove(&s.h, ev.index)
	delete(s.entries, id)
}

// --- heap internals ----------------------------------------------------------

// timerHeap is a min-heap ordered by entry.when.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	ev := x.(*timerEntry)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1 // mark as removed
	*h = old[:n-1]
	return ev
}
