package reactor

import (
	"container/heap"
	"time"

	"golang.org/x/sys/unix"

	"github.com/atupone/AtuReactor/internal/xlog"
	"github.com/atupone/AtuReactor/reactorerr"
)

type timerEntry struct {
	expiration int64 // absolute CLOCK_MONOTONIC nanoseconds
	interval   time.Duration
	callback   func()
	id         TimerID
	repeat     bool
	index      int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration != h[j].expiration {
		return h[i].expiration < h[j].expiration
	}
	return h[i].id < h[j].id
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

func monotonicNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Sec*int64(time.Second) + int64(ts.Nsec)
}

// ScheduleAfter runs cb once, delay after now. delay may be zero (fires
// on the reactor's next poll epoch) but not negative.
func (r *Reactor) ScheduleAfter(delay time.Duration, cb func()) (TimerID, error) {
	r.checkThread()
	if delay < 0 {
		return 0, reactorerr.ErrInvalidArgument
	}
	return r.insertTimer(delay, 0, false, cb), nil
}

// ScheduleEvery runs cb repeatedly, every interval, starting one
// interval from now. Re-arming is drift-free: each firing's expiration
// is computed relative to its predecessor's, not to the wall clock at
// firing time.
func (r *Reactor) ScheduleEvery(interval time.Duration, cb func()) (TimerID, error) {
	r.checkThread()
	if interval <= 0 {
		return 0, reactorerr.ErrInvalidArgument
	}
	return r.insertTimer(interval, interval, true, cb), nil
}

func (r *Reactor) insertTimer(delay, interval time.Duration, repeat bool, cb func()) TimerID {
	r.nextTimerID++
	id := TimerID(r.nextTimerID)
	entry := &timerEntry{
		expiration: monotonicNow() + int64(delay),
		interval:   interval,
		callback:   cb,
		id:         id,
		repeat:     repeat,
	}

	wasEarliest := r.timers.Len() == 0 || entry.expiration < r.timers[0].expiration
	heap.Push(&r.timers, entry)
	r.timerIndex[id] = entry

	if wasEarliest {
		r.reprogramTimerFd()
	}
	return id
}

// CancelTimer removes a pending timer so it never fires. Canceling a
// timer that already fired (or was never scheduled) returns
// reactorerr.ErrNotFound.
func (r *Reactor) CancelTimer(id TimerID) error {
	r.checkThread()
	entry, ok := r.timerIndex[id]
	if !ok {
		return reactorerr.ErrNotFound
	}
	delete(r.timerIndex, id)
	heap.Remove(&r.timers, entry.index)
	r.reprogramTimerFd()
	return nil
}

// reprogramTimerFd arms the timerfd, in absolute CLOCK_MONOTONIC mode,
// to the heap's earliest expiration. Absolute mode avoids the race a
// relative-delay computation would introduce between reading the clock
// and calling timerfd_settime. An empty heap disarms the timer.
func (r *Reactor) reprogramTimerFd() {
	var newValue unix.ItimerSpec

	if r.timers.Len() > 0 {
		target := r.timers[0].expiration
		if now := monotonicNow(); target <= now {
			target = now + 1000 // smallest non-zero delay, forces prompt re-entry
		}
		newValue.Value = unix.NsecToTimespec(target)
	}

	if err := unix.TimerfdSettime(r.timerFd, unix.TFD_TIMER_ABSTIME, &newValue, nil); err != nil {
		xlog.Error("reactor: timerfd_settime failed: %v", err)
	}
}

func (r *Reactor) handleTimerReadable(uint32) {
	var buf [8]byte
	if _, err := unix.Read(r.timerFd, buf[:]); err != nil && err != unix.EAGAIN {
		xlog.Debug("reactor: timerfd read failed: %v", err)
	}

	now := monotonicNow()

	var expired []*timerEntry
	for r.timers.Len() > 0 && r.timers[0].expiration <= now {
		expired = append(expired, heap.Pop(&r.timers).(*timerEntry))
	}
	for _, entry := range expired {
		delete(r.timerIndex, entry.id)
	}

	for _, entry := range expired {
		if entry.callback != nil {
			r.safeRun(entry.callback)
		}
		if entry.repeat {
			entry.expiration += int64(entry.interval)
			heap.Push(&r.timers, entry)
			r.timerIndex[entry.id] = entry
		}
	}

	r.reprogramTimerFd()
}
