package katcp

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// timerEntry is one scheduled deadline. index is maintained by the heap
// implementation and is -1 once the entry has fired or been canceled.
type timerEntry struct {
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
}

// timerHeap orders entries by deadline, breaking ties by insertion order
// so that same-instant timers fire FIFO.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is the single worker thread design note from spec.md section
// 9 ("a single scheduler thread with a priority queue of deadlines
// (preferred)") used to drive per-request timeouts in async.go. It is
// deliberately built on container/heap rather than a third-party ordered
// tree -- see DESIGN.md for why twmb/go-rbtree, the teacher's dependency
// for an analogous need, was not wired in here.
type Scheduler struct {
	mu   sync.Mutex
	h    timerHeap
	seq  uint64
	wake chan struct{}
}

// NewScheduler creates an idle scheduler. Call Run in its own goroutine
// (AsyncClient.Start runs it via an errgroup.Group alongside its request
// loop) to start processing deadlines.
func NewScheduler() *Scheduler {
	return &Scheduler{wake: make(chan struct{}, 1)}
}

// TimerHandle references one scheduled deadline so it can be canceled.
type TimerHandle struct {
	s *Scheduler
	e *timerEntry
}

// Schedule arranges for fn to run (on the scheduler's worker goroutine,
// inside Run) after d elapses. A zero or negative d means no timer is
// armed and Schedule returns nil, matching spec.md's "a None timeout
// means no timer".
func (s *Scheduler) Schedule(d time.Duration, fn func()) *TimerHandle {
	if d <= 0 {
		return nil
	}
	e := &timerEntry{deadline: time.Now().Add(d), fn: fn}
	s.mu.Lock()
	s.seq++
	e.seq = s.seq
	heap.Push(&s.h, e)
	isEarliest := s.h[0] == e
	s.mu.Unlock()

	if isEarliest {
		s.nudge()
	}
	return &TimerHandle{s: s, e: e}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel removes the timer if it has not already fired. It reports
// whether the cancellation took effect (false means the timer already
// fired or was already canceled).
func (h *TimerHandle) Cancel() bool {
	if h == nil {
		return false
	}
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.e.index < 0 {
		return false
	}
	heap.Remove(&s.h, h.e.index)
	return true
}

// Run processes due timers until ctx is canceled. It is safe to call from
// only one goroutine at a time.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		s.mu.Lock()
		hasNext := len(s.h) > 0
		var wait time.Duration
		if hasNext {
			wait = time.Until(s.h[0].deadline)
		}
		s.mu.Unlock()

		if hasNext && wait <= 0 {
			s.fireDue()
			continue
		}

		if hasNext {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			if hasNext && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

// fireDue pops and runs every entry whose deadline has passed.
func (s *Scheduler) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.h) == 0 || s.h[0].deadline.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.h).(*timerEntry)
		s.mu.Unlock()
		e.fn()
	}
}
