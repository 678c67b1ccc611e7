package scopedfd

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openPipeFds(t *testing.T) [2]int {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	return [2]int{fds[0], fds[1]}
}

func isOpen(fd int) bool {
	var st unix.Stat_t
	return unix.Fstat(fd, &st) == nil
}

func TestCloseClosesOwnedDescriptor(t *testing.T) {
	fds := openPipeFds(t)
	defer unix.Close(fds[1])

	owned := New(fds[0])
	require.Equal(t, fds[0], owned.Int())
	require.True(t, isOpen(fds[0]))

	require.NoError(t, owned.Close())
	require.False(t, isOpen(fds[0]))
	require.NoError(t, owned.Close()) // idempotent
}

func TestDisarmPreventsClose(t *testing.T) {
	fds := openPipeFds(t)
	defer unix.Close(fds[1])
	defer unix.Close(fds[0])

	owned := New(fds[0])
	owned.Disarm()
	require.NoError(t, owned.Close())
	require.True(t, isOpen(fds[0]))
}

func TestNewNegativeFdIsNotLive(t *testing.T) {
	owned := New(-1)
	require.NoError(t, owned.Close())
}
