package reactor

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/atupone/AtuReactor/reactorerr"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	// A Reactor is thread-hostile: pin this test goroutine to its OS
	// thread so later calls can't be scheduled onto a different one and
	// trip the owner-thread check.
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)

	r, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return r
}

func newTestPipe(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRegisterDispatchesOnReadiness(t *testing.T) {
	loop := newTestReactor(t)
	rfd, wfd := newTestPipe(t)

	fired := 0
	require.NoError(t, loop.Register(rfd, unix.EPOLLIN, func(events uint32) {
		fired++
		var buf [1]byte
		_, _ = unix.Read(rfd, buf[:])
	}))

	require.NoError(t, loop.RunOnce(0))
	require.Equal(t, 0, fired, "nothing written yet")

	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, loop.RunOnce(1000))
	require.Equal(t, 1, fired)
}

func TestUnregisterStopsDispatch(t *testing.T) {
	loop := newTestReactor(t)
	rfd, wfd := newTestPipe(t)

	fired := 0
	require.NoError(t, loop.Register(rfd, unix.EPOLLIN, func(uint32) { fired++ }))
	require.NoError(t, loop.Unregister(rfd))

	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, loop.RunOnce(0))
	require.Equal(t, 0, fired)
}

func TestUnregisterUnknownFdReturnsError(t *testing.T) {
	loop := newTestReactor(t)
	require.Error(t, loop.Unregister(999999))
}

func TestRegisterRejectsNegativeFd(t *testing.T) {
	loop := newTestReactor(t)
	err := loop.Register(-1, unix.EPOLLIN, func(uint32) {})
	require.ErrorIs(t, err, reactorerr.ErrBadDescriptor)
}

func TestScheduleAfterFiresOnce(t *testing.T) {
	loop := newTestReactor(t)

	fired := 0
	_, err := loop.ScheduleAfter(10*time.Millisecond, func() { fired++ })
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for fired == 0 && time.Now().Before(deadline) {
		require.NoError(t, loop.RunOnce(50))
	}
	require.Equal(t, 1, fired)

	// no further firing
	require.NoError(t, loop.RunOnce(50))
	require.Equal(t, 1, fired)
}

func TestScheduleEveryRepeats(t *testing.T) {
	loop := newTestReactor(t)

	fired := 0
	id, err := loop.ScheduleEvery(5*time.Millisecond, func() { fired++ })
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for fired < 3 && time.Now().Before(deadline) {
		require.NoError(t, loop.RunOnce(50))
	}
	require.GreaterOrEqual(t, fired, 3)

	require.NoError(t, loop.CancelTimer(id))
}

func TestScheduleAfterFiresInExpirationOrderNotScheduleOrder(t *testing.T) {
	loop := newTestReactor(t)

	var order []int
	_, err := loop.ScheduleAfter(200*time.Millisecond, func() { order = append(order, 200) })
	require.NoError(t, err)
	_, err = loop.ScheduleAfter(50*time.Millisecond, func() { order = append(order, 50) })
	require.NoError(t, err)
	_, err = loop.ScheduleAfter(100*time.Millisecond, func() { order = append(order, 100) })
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for len(order) < 3 && time.Now().Before(deadline) {
		require.NoError(t, loop.RunOnce(50))
	}
	require.Equal(t, []int{50, 100, 200}, order)
}

func TestCancelTimerPreventsFiring(t *testing.T) {
	loop := newTestReactor(t)

	fired := false
	id, err := loop.ScheduleAfter(20*time.Millisecond, func() { fired = true })
	require.NoError(t, err)
	require.NoError(t, loop.CancelTimer(id))

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, loop.RunOnce(20))
	}
	require.False(t, fired)
}

func TestCancelUnknownTimerReturnsNotFound(t *testing.T) {
	loop := newTestReactor(t)
	err := loop.CancelTimer(TimerID(999))
	require.ErrorIs(t, err, reactorerr.ErrNotFound)
}

func TestScheduleAfterRejectsNegativeDelay(t *testing.T) {
	loop := newTestReactor(t)
	_, err := loop.ScheduleAfter(-time.Second, func() {})
	require.ErrorIs(t, err, reactorerr.ErrInvalidArgument)
}

func TestScheduleEveryRejectsNonPositiveInterval(t *testing.T) {
	loop := newTestReactor(t)
	_, err := loop.ScheduleEvery(0, func() {})
	require.ErrorIs(t, err, reactorerr.ErrInvalidArgument)
}

func TestRunInLoopDefersToNextEpoch(t *testing.T) {
	loop := newTestReactor(t)

	var order []int
	loop.RunInLoop(func() {
		order = append(order, 1)
		// enqueued while running: must land in the epoch after this one.
		loop.RunInLoop(func() { order = append(order, 3) })
		order = append(order, 2)
	})

	require.NoError(t, loop.RunOnce(0))
	require.Equal(t, []int{1, 2}, order)

	require.NoError(t, loop.RunOnce(0))
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestWakeUnblocksRunOnce(t *testing.T) {
	// Wake is the one Reactor method documented safe to call from a
	// different OS thread than the owner, so the reactor itself must be
	// both created and driven from a single locked goroutine here.
	ready := make(chan *Reactor, 1)
	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		loop, err := New()
		require.NoError(t, err)
		defer loop.Close()

		ready <- loop
		done <- loop.RunOnce(-1)
	}()

	loop := <-ready
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, loop.Wake())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnce did not unblock after Wake")
	}
}

func TestPanicInCallbackIsRecovered(t *testing.T) {
	loop := newTestReactor(t)
	rfd, wfd := newTestPipe(t)

	require.NoError(t, loop.Register(rfd, unix.EPOLLIN, func(uint32) {
		panic("boom")
	}))
	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	require.NotPanics(t, func() {
		require.NoError(t, loop.RunOnce(1000))
	})
}

func TestCheckThreadPanicsFromOtherThread(t *testing.T) {
	loop := newTestReactor(t)

	panicked := make(chan bool, 1)
	go func() {
		// Locking this goroutine to its own OS thread guarantees it
		// differs from the reactor's owner thread, regardless of GOMAXPROCS.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer func() { panicked <- recover() != nil }()
		_, _ = loop.ScheduleAfter(time.Second, func() {})
	}()
	require.True(t, <-panicked)
}
