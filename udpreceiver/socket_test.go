package udpreceiver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/atupone/AtuReactor/reactorerr"
)

func TestOpenDualStackSocket(t *testing.T) {
	fd, isV6, err := openDualStackSocket()
	require.NoError(t, err)
	defer unix.Close(fd)
	// The test environment may or may not have IPv6 support; either
	// outcome is a pass as long as a usable socket came back.
	_ = isV6
	require.GreaterOrEqual(t, fd, 0)
}

func TestSetCommonSockoptsAndResolveBoundPort(t *testing.T) {
	fd, isV6, err := openDualStackSocket()
	require.NoError(t, err)
	defer unix.Close(fd)

	require.NoError(t, setCommonSockopts(fd))

	if isV6 {
		require.NoError(t, unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0))
		require.NoError(t, unix.Bind(fd, &unix.SockaddrInet6{Port: 0}))
	} else {
		require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Port: 0}))
	}

	port, err := resolveBoundPort(fd)
	require.NoError(t, err)
	require.NotZero(t, port)
}

func TestWrapSocketErrTagsEAFNOSUPPORT(t *testing.T) {
	wrapped := wrapSocketErr(unix.EAFNOSUPPORT)
	require.ErrorIs(t, wrapped, reactorerr.ErrAddressFamilyNotSupported)
	require.ErrorIs(t, wrapped, unix.EAFNOSUPPORT)
}

func TestWrapSocketErrPassesOtherErrorsThrough(t *testing.T) {
	other := errors.New("some other socket failure")
	require.Same(t, other, wrapSocketErr(other))
}
