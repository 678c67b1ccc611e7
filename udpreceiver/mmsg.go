package udpreceiver

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmsghdr mirrors the kernel's struct mmsghdr: a msghdr plus the number
// of bytes received for that particular message.
type mmsghdr struct {
	hdr unix.Msghdr
	len uint32
}

// recvmmsg wraps the recvmmsg(2) syscall directly: golang.org/x/sys/unix
// does not expose a typed batch-receive helper suited to a pre-built,
// reused msgvec.
func recvmmsg(fd int, msgs []mmsghdr, flags int) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall6(unix.SYS_RECVMMSG, uintptr(fd),
		uintptr(unsafe.Pointer(&msgs[0])), uintptr(len(msgs)), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}
