// Package udpreceiver implements the live UDP receiver: dual-stack
// socket subscription per port, and recvmmsg-batched, arena-backed
// packet delivery driven by the reactor.
package udpreceiver

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/atupone/AtuReactor/internal/scopedfd"
	"github.com/atupone/AtuReactor/internal/xlog"
	"github.com/atupone/AtuReactor/packet"
	"github.com/atupone/AtuReactor/reactor"
	"github.com/atupone/AtuReactor/receiver"
)

var sizeofTimespec = int(unsafe.Sizeof(unix.Timespec{}))

// Receiver drains UDP datagrams for a set of subscribed ports via
// recvmmsg batches, dispatching each to its subscriber's handler.
//
// A Receiver is thread-hostile: it must only ever be used from the
// goroutine (and underlying OS thread) that created it, matching its
// owning Reactor.
type Receiver struct {
	substrate *receiver.Substrate
	loop      *reactor.Reactor
	cfg       receiver.Config

	hdrs        []mmsghdr
	iovecs      []unix.Iovec
	senderAddrs []unix.RawSockaddrAny
	controlBufs [][]byte
}

// New creates a live UDP receiver bound to loop, allocating its packet
// arena up front according to cfg.
func New(loop *reactor.Reactor, cfg receiver.Config) (*Receiver, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 2048
	}

	substrate, err := receiver.NewLiveSubstrate(cfg)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		substrate:   substrate,
		loop:        loop,
		cfg:         cfg,
		hdrs:        make([]mmsghdr, cfg.BatchSize),
		iovecs:      make([]unix.Iovec, cfg.BatchSize),
		senderAddrs: make([]unix.RawSockaddrAny, cfg.BatchSize),
		controlBufs: make([][]byte, cfg.BatchSize),
	}

	controlSpace := unix.CmsgSpace(sizeofTimespec)
	for i := 0; i < cfg.BatchSize; i++ {
		slot := substrate.Arena.Slot(i)
		r.iovecs[i].Base = &slot[0]
		r.iovecs[i].SetLen(len(slot))

		r.controlBufs[i] = make([]byte, controlSpace)

		r.hdrs[i].hdr.Iov = &r.iovecs[i]
		r.hdrs[i].hdr.Iovlen = 1
		r.hdrs[i].hdr.Name = (*byte)(unsafe.Pointer(&r.senderAddrs[i]))
		r.hdrs[i].hdr.Control = &r.controlBufs[i][0]
	}

	return r, nil
}

// Subscribe opens a UDP socket bound to localPort (dual-stack, falling
// back to IPv4 if the kernel lacks IPv6 support), registers it with the
// reactor, and returns the actually bound port, useful when localPort is
// 0.
func (r *Receiver) Subscribe(localPort uint16, ctx unsafe.Pointer, handler packet.HandlerFunc) (uint16, error) {
	if err := r.substrate.Subs.Preflight(localPort, handler); err != nil {
		return 0, err
	}

	fd, isV6, err := openDualStackSocket()
	if err != nil {
		return 0, err
	}
	owned := scopedfd.New(fd)
	defer owned.Close()

	if err := setCommonSockopts(fd); err != nil {
		return 0, err
	}

	if isV6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			return 0, fmt.Errorf("failed to clear IPV6_V6ONLY: %w", err)
		}
		if err := unix.Bind(fd, &unix.SockaddrInet6{Port: int(localPort)}); err != nil {
			return 0, fmt.Errorf("failed to bind IPv6 UDP socket: %w", err)
		}
	} else {
		if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(localPort)}); err != nil {
			return 0, fmt.Errorf("failed to bind IPv4 UDP socket: %w", err)
		}
	}

	resolvedPort, err := resolveBoundPort(fd)
	if err != nil {
		return 0, err
	}

	sub := &receiver.Subscription{Context: ctx, Handler: handler, FD: fd}

	if err := r.loop.Register(fd, unix.EPOLLIN, func(uint32) {
		r.burstDrain(fd, sub)
	}); err != nil {
		return 0, err
	}

	r.substrate.Subs.Commit(resolvedPort, sub)
	owned.Disarm()

	return resolvedPort, nil
}

// Unsubscribe deregisters localPort's socket from the reactor and closes
// it, before removing the subscription table entry.
func (r *Receiver) Unsubscribe(localPort uint16) error {
	sub, err := r.substrate.Subs.Peek(localPort)
	if err != nil {
		return err
	}

	if err := r.loop.Unregister(sub.FD); err != nil {
		xlog.Warn("udpreceiver: failed to unregister fd %d for port %d: %v", sub.FD, localPort, err)
	}
	if err := unix.Close(sub.FD); err != nil {
		xlog.Warn("udpreceiver: failed to close fd %d for port %d: %v", sub.FD, localPort, err)
	}

	_, err = r.substrate.Subs.Remove(localPort)
	return err
}

// Stats returns cumulative delivery counters across every port this
// receiver has subscribed.
func (r *Receiver) Stats() receiver.Stats {
	return r.substrate.Stats()
}

// Close tears down every remaining subscription and releases the arena.
func (r *Receiver) Close() error {
	for port := 0; port < receiver.PortTableSize; port++ {
		if sub, err := r.substrate.Subs.Peek(uint16(port)); err == nil {
			_ = r.loop.Unregister(sub.FD)
			_ = unix.Close(sub.FD)
			_, _ = r.substrate.Subs.Remove(uint16(port))
		}
	}
	return r.substrate.Close()
}

// burstDrain reads as many datagrams as are currently pending on fd (up
// to the configured batch size) in a single recvmmsg call.
func (r *Receiver) burstDrain(fd int, sub *receiver.Subscription) {
	r.substrate.CheckThread()

	// The kernel overwrites msg_namelen and msg_controllen with the
	// number of bytes it actually wrote; both must be reset ahead of
	// every call; otherwise later packets in the batch silently receive
	// truncated address/control space.
	for i := range r.hdrs {
		r.hdrs[i].hdr.Namelen = uint32(unsafe.Sizeof(r.senderAddrs[i]))
		r.hdrs[i].hdr.SetControllen(len(r.controlBufs[i]))
	}

	n, err := recvmmsg(fd, r.hdrs, unix.MSG_DONTWAIT)
	if err != nil {
		xlog.Debug("udpreceiver: recvmmsg on fd %d: %v", fd, err)
		return
	}

	for k := 0; k < n; k++ {
		status := packet.StatusOK
		if r.hdrs[k].hdr.Flags&unix.MSG_TRUNC != 0 {
			status |= packet.StatusTruncated
		}

		length := int(r.hdrs[k].len)
		if length > r.cfg.BufferSize {
			length = r.cfg.BufferSize
		}
		if length <= 0 {
			r.substrate.RecordDropped()
			continue
		}

		ts := extractTimestamp(r.controlBufs[k][:r.hdrs[k].hdr.Controllen])
		data := r.substrate.Arena.Slot(k)[:length]
		r.substrate.RecordDelivered(length)
		sub.Handler(sub.Context, data, status, ts)
	}
}

func extractTimestamp(control []byte) packet.Timestamp {
	msgs, err := unix.ParseSocketControlMessage(control)
	if err != nil {
		return packet.Timestamp{}
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_TIMESTAMPNS && len(m.Data) >= sizeofTimespec {
			sec := int64(binary.LittleEndian.Uint64(m.Data[0:8]))
			nsec := int64(binary.LittleEndian.Uint64(m.Data[8:16]))
			return packet.Timestamp{Sec: sec, Nsec: nsec}
		}
	}
	return packet.Timestamp{}
}
