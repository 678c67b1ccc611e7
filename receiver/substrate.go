package receiver

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/atupone/AtuReactor/packet"
	"github.com/atupone/AtuReactor/reactorerr"
)

// Config carries the tuning knobs shared by every receiver: how many
// concurrent subscriptions it may hold, how many packets it drains per
// batch, and (for the live receiver) how large each packet slot is.
type Config struct {
	MaxFds     int
	BatchSize  int
	BufferSize int
}

// DefaultConfig returns the documented default tuning knobs.
func DefaultConfig() Config {
	return Config{MaxFds: 128, BatchSize: 64, BufferSize: 2048}
}

// Subscription binds one port to a caller-supplied context and handler.
// FD is the backing socket for a live subscription, or -1 for a replay
// (pcap/pcapng) subscription, which has no descriptor of its own.
type Subscription struct {
	Context unsafe.Pointer
	Handler packet.HandlerFunc
	FD      int
}

// SubscriptionTable is a fixed 65536-entry dense array, indexed directly
// by UDP port, mapping each subscribed port to its Subscription.
type SubscriptionTable struct {
	table  [PortTableSize]*Subscription
	count  int
	maxFds int
}

func newSubscriptionTable(maxFds int) *SubscriptionTable {
	return &SubscriptionTable{maxFds: maxFds}
}

// Preflight validates a prospective subscription before any side effect
// (socket creation, cursor state) is committed.
func (t *SubscriptionTable) Preflight(port uint16, handler packet.HandlerFunc) error {
	if handler == nil {
		return reactorerr.ErrInvalidArgument
	}
	if t.maxFds > 0 && t.count >= t.maxFds {
		return reactorerr.ErrTooManyDescriptors
	}
	if t.table[port] != nil {
		return reactorerr.ErrAddressInUse
	}
	return nil
}

// Commit records sub as the subscriber for port. Callers must have
// already validated via Preflight.
func (t *SubscriptionTable) Commit(port uint16, sub *Subscription) {
	t.table[port] = sub
	t.count++
}

// Peek returns the subscription for port without removing it.
func (t *SubscriptionTable) Peek(port uint16) (*Subscription, error) {
	sub := t.table[port]
	if sub == nil {
		return nil, reactorerr.ErrNotFound
	}
	return sub, nil
}

// Remove deletes and returns the subscription for port.
func (t *SubscriptionTable) Remove(port uint16) (*Subscription, error) {
	sub, err := t.Peek(port)
	if err != nil {
		return nil, err
	}
	t.table[port] = nil
	t.count--
	return sub, nil
}

// Len reports the number of active subscriptions.
func (t *SubscriptionTable) Len() int { return t.count }

// Stats reports cumulative packet counters for a receiver, mirroring the
// figures a caller would otherwise have to derive from its own handler.
type Stats struct {
	PacketsReceived uint64
	PacketsDropped  uint64
	BytesReceived   uint64
}

// Substrate composes the pieces shared by every receiver: an optional
// packet arena (nil for replay-only substrates, which read directly out
// of a memory-mapped capture file instead), the port subscription table,
// and the owner thread that created it.
type Substrate struct {
	Arena    *Arena
	Subs     *SubscriptionTable
	ownerTid int
	stats    Stats
}

// Stats returns a snapshot of the cumulative packet counters. Must be
// called from the substrate's owner thread, like every other substrate
// method.
func (s *Substrate) Stats() Stats {
	s.CheckThread()
	return s.stats
}

// RecordDelivered accounts for one payload of size bytes handed to a
// subscriber's handler.
func (s *Substrate) RecordDelivered(bytes int) {
	s.stats.PacketsReceived++
	s.stats.BytesReceived += uint64(bytes)
}

// RecordDropped accounts for one payload that was read but discarded
// before reaching a handler (truncated, unmatched port, malformed).
func (s *Substrate) RecordDropped() {
	s.stats.PacketsDropped++
}

// NewLiveSubstrate builds a substrate backed by a packet arena, for use
// by receivers that drain sockets into their own buffers (the UDP
// receiver).
func NewLiveSubstrate(cfg Config) (*Substrate, error) {
	arena, err := NewArena(cfg.BatchSize, cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	return &Substrate{Arena: arena, Subs: newSubscriptionTable(cfg.MaxFds), ownerTid: unix.Gettid()}, nil
}

// NewReplaySubstrate builds an arena-less substrate, for use by
// receivers that hand out slices directly into memory they already own
// (the pcap/pcapng receiver's memory-mapped capture file).
func NewReplaySubstrate(maxFds int) (*Substrate, error) {
	return &Substrate{Subs: newSubscriptionTable(maxFds), ownerTid: unix.Gettid()}, nil
}

// CheckThread panics if called from a goroutine pinned to an OS thread
// other than the one that created this substrate.
func (s *Substrate) CheckThread() {
	if got := unix.Gettid(); got != s.ownerTid {
		panic(fmt.Sprintf("receiver substrate accessed from wrong thread (owner tid %d, got %d)", s.ownerTid, got))
	}
}

// Close releases the arena, if any.
func (s *Substrate) Close() error {
	if s.Arena != nil {
		return s.Arena.Close()
	}
	return nil
}
