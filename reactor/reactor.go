// Package reactor implements a single-threaded, epoll-backed event loop:
// file descriptor readiness, a timerfd-driven timer queue, and a
// deferred-task queue, all serviced from one OS thread per Reactor.
package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/atupone/AtuReactor/event"
	"github.com/atupone/AtuReactor/internal/xlog"
	"github.com/atupone/AtuReactor/reactorerr"
)

const (
	maxEvents     = 128
	fastTableSize = 1024
)

// TimerID identifies a timer previously scheduled with ScheduleAfter or
// ScheduleEvery, for use with CancelTimer.
type TimerID uint64

type sourceRecord struct {
	fd     int
	active bool
	cb     func(events uint32)
}

// Reactor multiplexes file descriptor readiness and timers on a single
// owner OS thread. A Reactor is thread-hostile: every exported method
// (other than Wake) must only be called from the goroutine that created
// it; the owner thread should be pinned with runtime.LockOSThread by
// that goroutine before calling New.
type Reactor struct {
	epollFd int
	timerFd int
	wakeFd  event.EvtFileDescriptor

	ownerTid int

	fast []*sourceRecord
	slow map[int]*sourceRecord

	events [maxEvents]unix.EpollEvent

	timers      timerHeap
	timerIndex  map[TimerID]*timerEntry
	nextTimerID uint64

	deferred []func()

	closed bool
}

// New creates a Reactor bound to the calling OS thread.
func New() (*Reactor, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoll instance: %w", err)
	}

	timerFd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epollFd)
		return nil, fmt.Errorf("failed to create timerfd: %w", err)
	}

	wakeFd, err := event.New()
	if err != nil {
		_ = unix.Close(timerFd)
		_ = unix.Close(epollFd)
		return nil, err
	}

	r := &Reactor{
		epollFd:    epollFd,
		timerFd:    timerFd,
		wakeFd:     wakeFd,
		ownerTid:   unix.Gettid(),
		fast:       make([]*sourceRecord, fastTableSize),
		slow:       make(map[int]*sourceRecord),
		timerIndex: make(map[TimerID]*timerEntry),
	}

	if err := r.Register(timerFd, unix.EPOLLIN, r.handleTimerReadable); err != nil {
		_ = unix.Close(int(wakeFd))
		_ = unix.Close(timerFd)
		_ = unix.Close(epollFd)
		return nil, fmt.Errorf("failed to register internal timerfd: %w", err)
	}
	if err := r.Register(int(wakeFd), unix.EPOLLIN, r.drainWake); err != nil {
		_ = r.Unregister(timerFd)
		_ = unix.Close(int(wakeFd))
		_ = unix.Close(timerFd)
		_ = unix.Close(epollFd)
		return nil, fmt.Errorf("failed to register internal wake descriptor: %w", err)
	}

	return r, nil
}

func (r *Reactor) checkThread() {
	if got := unix.Gettid(); got != r.ownerTid {
		panic(fmt.Sprintf("reactor accessed from wrong thread (owner tid %d, got %d)", r.ownerTid, got))
	}
}

// Register adds fd to the epoll interest list; cb is invoked with the
// triggered event mask whenever fd becomes ready.
func (r *Reactor) Register(fd int, events uint32, cb func(events uint32)) error {
	r.checkThread()
	if fd < 0 {
		return reactorerr.ErrBadDescriptor
	}

	rec := &sourceRecord{fd: fd, active: true, cb: cb}
	r.store(fd, rec)

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		r.clear(fd)
		return fmt.Errorf("epoll_ctl(ADD, %d) failed: %w", fd, err)
	}
	return nil
}

// Unregister removes fd from the epoll interest list. The source table
// entry is always cleared; any epoll_ctl failure is returned wrapped,
// including ENOENT for a descriptor that was never registered and EBADF
// for one that is not open.
func (r *Reactor) Unregister(fd int) error {
	r.checkThread()
	r.clear(fd)
	if err := unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl(DEL, %d) failed: %w", fd, err)
	}
	return nil
}

func (r *Reactor) store(fd int, rec *sourceRecord) {
	if fd < fastTableSize {
		r.fast[fd] = rec
		return
	}
	r.slow[fd] = rec
}

func (r *Reactor) lookup(fd int) *sourceRecord {
	if fd >= 0 && fd < fastTableSize {
		return r.fast[fd]
	}
	return r.slow[fd]
}

func (r *Reactor) clear(fd int) {
	if fd >= 0 && fd < fastTableSize {
		r.fast[fd] = nil
		return
	}
	delete(r.slow, fd)
}

// RunOnce polls for readiness once, dispatching ready sources, then runs
// the deferred-task queue. timeoutMs follows epoll_wait semantics: -1
// blocks indefinitely (until woken via Wake, a ready fd, or a due
// timer), 0 never blocks.
func (r *Reactor) RunOnce(timeoutMs int) error {
	r.checkThread()

	if len(r.deferred) > 0 {
		timeoutMs = 0
	}

	n, err := unix.EpollWait(r.epollFd, r.events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("epoll_wait failed: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(r.events[i].Fd)
		rec := r.lookup(fd)
		if rec == nil || !rec.active {
			continue
		}
		r.safeDispatch(rec, r.events[i].Events)
	}

	r.runDeferred()
	return nil
}

func (r *Reactor) safeDispatch(rec *sourceRecord, events uint32) {
	defer func() {
		if p := recover(); p != nil {
			xlog.Error("reactor: recovered panic in source callback for fd %d: %v", rec.fd, p)
		}
	}()
	rec.cb(events)
}

func (r *Reactor) runDeferred() {
	if len(r.deferred) == 0 {
		return
	}
	pending := r.deferred
	r.deferred = nil
	for _, task := range pending {
		r.safeRun(task)
	}
}

func (r *Reactor) safeRun(task func()) {
	defer func() {
		if p := recover(); p != nil {
			xlog.Error("reactor: recovered panic in deferred task: %v", p)
		}
	}()
	task()
}

// RunInLoop enqueues task to run once the current poll epoch's ready
// sources and timers have all been dispatched. A task enqueued from
// within a running task is deferred to the next epoch, not the current
// one, so a runaway producer cannot starve readiness handling.
func (r *Reactor) RunInLoop(task func()) {
	r.deferred = append(r.deferred, task)
}

func (r *Reactor) drainWake(uint32) {
	_ = r.wakeFd.Drain()
}

// Wake unblocks a currently-running (or imminent) RunOnce(-1) call. Safe
// to call from a different OS thread than the reactor's owner, e.g. a
// signal handler.
func (r *Reactor) Wake() error {
	return r.wakeFd.Signal()
}

// Close releases the epoll, timerfd, and wake descriptors. Any receivers
// still registered with this reactor must be torn down first.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	_ = unix.Close(int(r.wakeFd))
	_ = unix.Close(r.timerFd)
	return unix.Close(r.epollFd)
}
