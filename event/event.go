//go:build linux
// +build linux

// Package event provides a non-blocking eventfd wrapper used to wake a
// reactor blocked in epoll_wait from another OS thread, e.g. a signal
// handler wanting the owner thread to reassess its stop condition. Unlike
// a generic pipe, an eventfd carries no payload of its own: the kernel
// maintains an internal 64-bit counter that a write increments and a read
// resets to zero, and this package exposes exactly that, rather than a
// general read/write-arbitrary-bytes descriptor.
package event

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// EvtFileDescriptor denotes a system-level eventfd used solely as a wake
// signal; it has no notion of framed messages, only a pending/not-pending
// counter.
type EvtFileDescriptor int

// New instantiates a new non-blocking, close-on-exec eventfd with its
// counter initialized to zero.
func New() (EvtFileDescriptor, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("failed to create event file descriptor: %w", err)
	}

	return EvtFileDescriptor(efd), nil
}

// Signal increments the eventfd's counter by one, making it readable to
// anything blocked on it in epoll_wait.
func (e EvtFileDescriptor) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)

	n, err := unix.Write(int(e), buf[:])
	if err != nil {
		return fmt.Errorf("failed to signal event fd: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("failed to signal event fd (wrote %d of %d bytes)", n, len(buf))
	}

	return nil
}

// Drain resets the eventfd's counter to zero. Per eventfd(2), an 8-byte
// read is mandatory to clear a pending signal; without it the descriptor
// stays readable and epoll_wait returns immediately on every call.
func (e EvtFileDescriptor) Drain() error {
	var buf [8]byte
	n, err := unix.Read(int(e), buf[:])
	if err != nil {
		return fmt.Errorf("failed to drain event fd: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("failed to drain event fd (read %d of %d bytes)", n, len(buf))
	}

	return nil
}
