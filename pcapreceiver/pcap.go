// Package pcapreceiver replays UDP payloads extracted from a
// memory-mapped classic pcap or pcapng capture file through the same
// handler contract as the live UDP receiver, under three pacing
// disciplines: wall-clock-paced (TIMED), unpaced batch drain (FLOOD),
// and caller-driven (STEP).
package pcapreceiver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/atupone/AtuReactor/internal/xlog"
	"github.com/atupone/AtuReactor/packet"
	"github.com/atupone/AtuReactor/reactor"
	"github.com/atupone/AtuReactor/receiver"
)

// Mode selects the pacing discipline used by Start and processBatch.
type Mode int

const (
	// ModeTimed paces replay to the wall clock, using the first
	// packet's capture timestamp as an anchor for every subsequent one.
	ModeTimed Mode = iota

	// ModeFlood drains the capture as fast as the reactor can service
	// it, in bounded batches, without any pacing.
	ModeFlood

	// ModeStep dispatches exactly one packet per caller-driven Step call.
	ModeStep
)

// Config extends receiver.Config with pcap/pcapng replay tuning knobs.
type Config struct {
	receiver.Config
	Mode            Mode
	SpeedMultiplier float64
}

// DefaultConfig returns the documented default tuning knobs.
func DefaultConfig() Config {
	return Config{
		Config:          receiver.DefaultConfig(),
		Mode:            ModeTimed,
		SpeedMultiplier: 1.0,
	}
}

type pcapngInterface struct {
	LinkType uint16
	Divisor  uint64
}

// Receiver replays UDP payloads extracted from a memory-mapped pcap or
// pcapng capture file.
//
// A Receiver is thread-hostile: it must only ever be used from the
// goroutine (and underlying OS thread) that created it, matching its
// owning Reactor.
type Receiver struct {
	substrate *receiver.Substrate
	loop      *reactor.Reactor
	cfg       Config

	mapped []byte
	cursor int

	linkType     int
	byteSwap     bool
	isNanosecond bool

	isPcapng   bool
	order      binary.ByteOrder
	interfaces []pcapngInterface

	finished    bool
	firstPacket bool
	pcapStartTs packet.Timestamp
	wallStart   time.Time
}

// New creates a pcap/pcapng replay receiver bound to loop.
func New(loop *reactor.Reactor, cfg Config) (*Receiver, error) {
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}

	substrate, err := receiver.NewReplaySubstrate(cfg.MaxFds)
	if err != nil {
		return nil, err
	}

	return &Receiver{substrate: substrate, loop: loop, cfg: cfg}, nil
}

// Open memory-maps path read-only and parses its global (classic pcap)
// or section (pcapng) header, leaving the cursor positioned at the start
// of the packet stream.
func (r *Receiver) Open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open capture file %q: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat capture file %q: %w", path, err)
	}
	size := int(st.Size())
	if size < minHeaderSize {
		return fmt.Errorf("capture file %q is too small (%d bytes)", path, size)
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("failed to mmap capture file %q: %w", path, err)
	}
	if err := unix.Madvise(mapped, unix.MADV_SEQUENTIAL); err != nil {
		xlog.Debug("pcapreceiver: madvise failed for %q: %v", path, err)
	}

	magic := binary.LittleEndian.Uint32(mapped[0:4])
	switch magic {
	case magicPcapUsecLE:
		r.byteSwap, r.isNanosecond = false, false
	case magicPcapUsecSwapped:
		r.byteSwap, r.isNanosecond = true, false
	case magicPcapNsecLE:
		r.byteSwap, r.isNanosecond = false, true
	case magicPcapNsecSwapped:
		r.byteSwap, r.isNanosecond = true, true
	case pcapngMagic:
		r.isPcapng = true
	default:
		_ = unix.Munmap(mapped)
		return fmt.Errorf("unrecognized capture file magic: %#x", magic)
	}

	r.mapped = mapped

	if r.isPcapng {
		if size < 12 {
			_ = unix.Munmap(mapped)
			r.mapped = nil
			return errors.New("pcapng file too small for a section header block")
		}
		bom := binary.LittleEndian.Uint32(mapped[8:12])
		switch bom {
		case pcapngBOMNative:
			r.order = binary.LittleEndian
		case pcapngBOMSwapped:
			r.order = binary.BigEndian
		default:
			_ = unix.Munmap(mapped)
			r.mapped = nil
			return fmt.Errorf("unrecognized pcapng byte-order magic: %#x", bom)
		}
		r.cursor = 0
	} else {
		gh := readGlobalHeader(mapped[:headerSize], r.byteSwap)
		r.linkType = int(gh.Network)
		r.cursor = headerSize
	}

	r.finished = false
	r.firstPacket = true
	return nil
}

// Subscribe registers a handler for UDP payloads destined for localPort.
func (r *Receiver) Subscribe(localPort uint16, ctx unsafe.Pointer, handler packet.HandlerFunc) (uint16, error) {
	if err := r.substrate.Subs.Preflight(localPort, handler); err != nil {
		return 0, err
	}
	sub := &receiver.Subscription{Context: ctx, Handler: handler, FD: -1}
	r.substrate.Subs.Commit(localPort, sub)
	return localPort, nil
}

// Unsubscribe removes a previously registered port.
func (r *Receiver) Unsubscribe(localPort uint16) error {
	_, err := r.substrate.Subs.Remove(localPort)
	return err
}

// Start begins replay. In ModeStep it does nothing, since the caller
// drives replay via Step; otherwise it schedules the first batch via a
// zero-delay timer.
func (r *Receiver) Start() {
	r.firstPacket = true
	if r.cfg.Mode == ModeStep {
		return
	}
	if _, err := r.loop.ScheduleAfter(0, r.processBatch); err != nil {
		xlog.Error("pcapreceiver: failed to schedule initial batch: %v", err)
	}
}

// Step dispatches exactly one packet (or skips exactly one non-packet
// pcapng block), returning false once the capture is exhausted.
func (r *Receiver) Step() (bool, error) {
	if r.mapped == nil {
		return false, errors.New("pcap receiver is not open")
	}
	if r.finished {
		return false, nil
	}
	stepped, _ := r.step()
	return stepped, nil
}

// Finished reports whether the capture has been fully replayed.
func (r *Receiver) Finished() bool { return r.finished }

// Stats returns cumulative delivery counters. Rewind does not reset it:
// counters accumulate across every replay of the same open capture.
func (r *Receiver) Stats() receiver.Stats {
	return r.substrate.Stats()
}

// Rewind resets replay to the start of the packet stream, so the same
// open capture can be replayed again.
func (r *Receiver) Rewind() error {
	if r.mapped == nil {
		return errors.New("pcap receiver is not open")
	}
	if r.isPcapng {
		r.cursor = 0
	} else {
		r.cursor = headerSize
	}
	r.finished = false
	r.firstPacket = true
	return nil
}

// Close unmaps the capture file.
func (r *Receiver) Close() error {
	if r.mapped == nil {
		return nil
	}
	err := unix.Munmap(r.mapped)
	r.mapped = nil
	return err
}

func (r *Receiver) processBatch() {
	if r.mapped == nil || r.finished {
		return
	}

	limit := r.cfg.BatchSize
	if r.cfg.Mode == ModeFlood {
		limit = 10000
	}

	processed := 0
	for processed < limit {
		stepped, waiting := r.step()
		if waiting || r.finished {
			return
		}
		if stepped {
			processed++
		}
	}

	switch r.cfg.Mode {
	case ModeFlood:
		// Requeue via the deferred-task queue rather than a zero-delay
		// timer: a fresh timer at every batch boundary would starve
		// every other source registered with the reactor.
		r.loop.RunInLoop(r.processBatch)
	case ModeTimed:
		if _, err := r.loop.ScheduleAfter(0, r.processBatch); err != nil {
			xlog.Error("pcapreceiver: failed to schedule batch continuation: %v", err)
		}
	}
}

// step advances exactly one packet record (classic pcap) or one block
// (pcapng), returning (stepped, waiting). waiting means a TIMED-mode
// packet's target time is in the future: the cursor is left untouched
// and a timer has already been scheduled to resume replay.
func (r *Receiver) step() (stepped, waiting bool) {
	if r.isPcapng {
		return r.pcapngNextBlock()
	}
	return r.legacyStep()
}

func (r *Receiver) legacyStep() (stepped, waiting bool) {
	pos := r.cursor
	if pos+packetHeaderSize > len(r.mapped) {
		r.finished = true
		return false, false
	}

	hdr := readPacketHeader(r.mapped[pos:pos+packetHeaderSize], r.byteSwap)

	var ts packet.Timestamp
	ts.Sec = int64(hdr.TSSec)
	if r.isNanosecond {
		ts.Nsec = int64(hdr.TSFraction)
	} else {
		ts.Nsec = int64(hdr.TSFraction) * 1000
	}

	if r.cfg.Mode == ModeTimed && r.armTimedWait(ts) {
		return false, true
	}

	dataStart := pos + packetHeaderSize
	dataEnd := dataStart + int(hdr.CaptureLen)
	if dataEnd > len(r.mapped) {
		r.finished = true
		return false, false
	}

	r.parseAndDispatch(hdr.CaptureLen, hdr.OriginalLen, r.mapped[dataStart:dataEnd], ts, r.linkType)
	r.cursor = dataEnd
	return true, false
}

// armTimedWait schedules a resume timer and reports whether ts's replay
// target is still in the future (in which case the caller must leave
// its cursor untouched).
func (r *Receiver) armTimedWait(ts packet.Timestamp) bool {
	target := r.replayTarget(ts)
	now := time.Now()
	if !target.After(now) {
		return false
	}
	if _, err := r.loop.ScheduleAfter(target.Sub(now), r.processBatch); err != nil {
		xlog.Error("pcapreceiver: failed to schedule TIMED wait: %v", err)
	}
	return true
}

func (r *Receiver) replayTarget(ts packet.Timestamp) time.Time {
	if r.firstPacket {
		r.pcapStartTs = ts
		r.wallStart = time.Now()
		r.firstPacket = false
		return r.wallStart
	}

	deltaSec := ts.Sec - r.pcapStartTs.Sec
	deltaNsec := ts.Nsec - r.pcapStartTs.Nsec
	if deltaNsec < 0 {
		deltaNsec += int64(time.Second)
		deltaSec--
	}
	delta := time.Duration(deltaSec)*time.Second + time.Duration(deltaNsec)

	if r.cfg.SpeedMultiplier != 1.0 {
		delta = time.Duration(float64(delta) / r.cfg.SpeedMultiplier)
	}

	return r.wallStart.Add(delta)
}
