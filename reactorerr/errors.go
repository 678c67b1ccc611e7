// Package reactorerr collects the sentinel errors shared across the
// reactor, receiver, udpreceiver, and pcapreceiver packages. Callers
// compare against these with errors.Is; OS-level failures are always
// wrapped separately with fmt.Errorf("...: %w", err) at their call site
// rather than mapped onto one of these.
package reactorerr

import "errors"

var (
	// ErrInvalidArgument is returned when a caller passes a nil handler
	// or otherwise malformed argument.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAddressInUse is returned when subscribing to a port that already
	// has a live subscription.
	ErrAddressInUse = errors.New("address already in use")

	// ErrTooManyDescriptors is returned when a receiver's configured
	// maximum subscription count has been reached.
	ErrTooManyDescriptors = errors.New("too many descriptors")

	// ErrAddressFamilyNotSupported wraps a socket(2) EAFNOSUPPORT failure
	// so the UDP receiver's IPv6-to-IPv4 fallback can branch on it with
	// errors.Is instead of comparing unix.Errno values directly. It never
	// escapes Subscribe: the fallback either succeeds or returns a
	// different, unwrapped OS error.
	ErrAddressFamilyNotSupported = errors.New("address family not supported")

	// ErrNotFound is returned when unsubscribing from or canceling
	// something that isn't currently registered.
	ErrNotFound = errors.New("not found")

	// ErrBadDescriptor is returned for negative or otherwise unusable
	// file descriptors.
	ErrBadDescriptor = errors.New("bad descriptor")
)
