// Package scopedfd provides a minimal RAII-style descriptor owner: a
// socket opened mid-way through a multi-step setup sequence (bind,
// setsockopt, reactor registration) is wrapped here so any early return
// closes it, and only Disarm on full success hands ownership elsewhere.
package scopedfd

import "golang.org/x/sys/unix"

// FD owns a single OS descriptor and closes it at most once.
type FD struct {
	fd   int
	live bool
}

// New wraps fd for scoped ownership.
func New(fd int) *FD {
	return &FD{fd: fd, live: fd >= 0}
}

// Int returns the underlying descriptor.
func (f *FD) Int() int { return f.fd }

// Disarm releases ownership without closing, once the descriptor has
// been committed to a longer-lived owner.
func (f *FD) Disarm() { f.live = false }

// Close closes the descriptor if still owned; a no-op otherwise.
func (f *FD) Close() error {
	if !f.live {
		return nil
	}
	f.live = false
	return unix.Close(f.fd)
}
