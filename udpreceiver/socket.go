package udpreceiver

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/atupone/AtuReactor/reactorerr"
)

// openDualStackSocket opens a non-blocking, close-on-exec UDP socket,
// preferring IPv6 (which, with IPV6_V6ONLY cleared, also accepts IPv4
// traffic) and falling back to IPv4 if the kernel has no IPv6 support.
func openDualStackSocket() (fd int, isV6 bool, err error) {
	fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err == nil {
		return fd, true, nil
	}

	fallbackErr := wrapSocketErr(err)
	if !errors.Is(fallbackErr, reactorerr.ErrAddressFamilyNotSupported) {
		return -1, false, fmt.Errorf("failed to open IPv6 UDP socket: %w", fallbackErr)
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, fmt.Errorf("failed to open IPv4 UDP socket: %w", err)
	}
	return fd, false, nil
}

// wrapSocketErr tags a raw socket(2) failure with ErrAddressFamilyNotSupported
// when the kernel rejected AF_INET6 outright, so callers can branch on the
// sentinel with errors.Is instead of comparing unix.Errno values directly.
func wrapSocketErr(err error) error {
	if errors.Is(err, unix.EAFNOSUPPORT) {
		return fmt.Errorf("%w: %w", reactorerr.ErrAddressFamilyNotSupported, err)
	}
	return err
}

func setCommonSockopts(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1); err != nil {
		return fmt.Errorf("failed to set SO_TIMESTAMPNS: %w", err)
	}
	return nil
}

func resolveBoundPort(fd int) (uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname failed: %w", err)
	}
	switch addr := sa.(type) {
	case *unix.SockaddrInet6:
		return uint16(addr.Port), nil
	case *unix.SockaddrInet4:
		return uint16(addr.Port), nil
	default:
		return 0, reactorerr.ErrBadDescriptor
	}
}
