package pcapreceiver

import (
	"encoding/binary"
	"time"
)

// buildEthernetIPv4UDP hand-assembles a minimal untagged Ethernet II frame
// carrying an IPv4/UDP datagram. Checksums are left zero: nothing in this
// package's decode path validates them.
func buildEthernetIPv4UDP(dstPort uint16, payload []byte) []byte {
	udp := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(udp[0:2], 40000)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(8+len(payload)))
	copy(udp[8:], payload)

	ip := make([]byte, 20+len(udp))
	ip[0] = 0x45 // version 4, IHL 5 (20 bytes)
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(ip)))
	ip[8] = 64          // TTL
	ip[9] = 17          // UDP
	copy(ip[12:16], []byte{127, 0, 0, 1})
	copy(ip[16:20], []byte{127, 0, 0, 1})
	copy(ip[20:], udp)

	frame := make([]byte, 14+len(ip))
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], []byte{0x02, 0, 0, 0, 0, 1})
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	copy(frame[14:], ip)
	return frame
}

// buildEthernetIPv6Stub assembles a minimal untagged Ethernet II frame
// carrying an IPv6 EtherType with an arbitrary, undecoded payload: this
// package's replay path recognizes IPv6 as a valid IP layer but does not
// decode it any further.
func buildEthernetIPv6Stub(payload []byte) []byte {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], []byte{0x02, 0, 0, 0, 0, 1})
	binary.BigEndian.PutUint16(frame[12:14], 0x86DD)
	copy(frame[14:], payload)
	return frame
}

// buildClassicPcap assembles a minimal little-endian, microsecond-resolution
// classic pcap byte stream with the given frames, one record each, at
// second offsets 0, 1, 2, ...
func buildClassicPcap(frames [][]byte) []byte {
	buf := make([]byte, 0, 256)
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], magicPcapUsecLE)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], 65535)
	binary.LittleEndian.PutUint32(hdr[20:24], 1) // LINKTYPE_ETHERNET
	buf = append(buf, hdr...)

	for i, frame := range frames {
		rec := make([]byte, packetHeaderSize)
		binary.LittleEndian.PutUint32(rec[0:4], uint32(i))
		binary.LittleEndian.PutUint32(rec[4:8], 0)
		binary.LittleEndian.PutUint32(rec[8:12], uint32(len(frame)))
		binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))
		buf = append(buf, rec...)
		buf = append(buf, frame...)
	}
	return buf
}

// buildClassicPcapWithOffsets is buildClassicPcap but with each record's
// capture timestamp set to a caller-chosen offset from a fixed epoch,
// instead of one second per frame, so TIMED-mode pacing tests can use
// sub-second inter-packet spacing.
func buildClassicPcapWithOffsets(frames [][]byte, offsets []time.Duration) []byte {
	buf := make([]byte, 0, 256)
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], magicPcapUsecLE)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], 65535)
	binary.LittleEndian.PutUint32(hdr[20:24], 1) // LINKTYPE_ETHERNET
	buf = append(buf, hdr...)

	for i, frame := range frames {
		off := offsets[i]
		rec := make([]byte, packetHeaderSize)
		binary.LittleEndian.PutUint32(rec[0:4], uint32(off/time.Second))
		binary.LittleEndian.PutUint32(rec[4:8], uint32((off%time.Second)/time.Microsecond))
		binary.LittleEndian.PutUint32(rec[8:12], uint32(len(frame)))
		binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))
		buf = append(buf, rec...)
		buf = append(buf, frame...)
	}
	return buf
}

// buildPcapng assembles a minimal little-endian pcapng byte stream: one
// section header block, one interface description block (Ethernet), and
// one enhanced packet block per frame.
func buildPcapng(frames [][]byte) []byte {
	rawTimestamps := make([]uint64, len(frames))
	for i := range frames {
		rawTimestamps[i] = uint64(i) * 1_000_000 // us resolution, one second apart
	}
	return buildPcapngWithResolution(frames, nil, rawTimestamps)
}

// buildPcapngWithResolution is buildPcapng but lets the caller set the
// IDB's if_tsresol option (nil omits the option entirely, so the reader
// falls back to the pcapng-default microsecond divisor) and each EPB's
// raw 64-bit timestamp directly, so tests can exercise a chosen
// resolution end to end instead of always assuming microseconds.
func buildPcapngWithResolution(frames [][]byte, tsResol []byte, rawTimestamps []uint64) []byte {
	buf := make([]byte, 0, 256)

	shb := make([]byte, 28)
	binary.LittleEndian.PutUint32(shb[0:4], pcapngMagic)
	binary.LittleEndian.PutUint32(shb[4:8], 28)
	binary.LittleEndian.PutUint32(shb[8:12], pcapngBOMNative)
	binary.LittleEndian.PutUint16(shb[12:14], 1)
	binary.LittleEndian.PutUint16(shb[14:16], 0)
	binary.LittleEndian.PutUint64(shb[16:24], 0xFFFFFFFFFFFFFFFF)
	binary.LittleEndian.PutUint32(shb[24:28], 28)
	buf = append(buf, shb...)

	idbOptions := make([]byte, 0, 8)
	if tsResol != nil {
		opt := make([]byte, 4+align4(len(tsResol)))
		binary.LittleEndian.PutUint16(opt[0:2], optionTSResol)
		binary.LittleEndian.PutUint16(opt[2:4], uint16(len(tsResol)))
		copy(opt[4:], tsResol)
		idbOptions = append(idbOptions, opt...)
		idbOptions = append(idbOptions, 0, 0, 0, 0) // opt_endofopt
	}

	idbBodyLen := 8 + len(idbOptions)
	idbTotal := 12 + idbBodyLen
	idb := make([]byte, idbTotal)
	binary.LittleEndian.PutUint32(idb[0:4], blockTypeIDB)
	binary.LittleEndian.PutUint32(idb[4:8], uint32(idbTotal))
	binary.LittleEndian.PutUint16(idb[8:10], 1) // LINKTYPE_ETHERNET
	binary.LittleEndian.PutUint32(idb[12:16], 65535)
	copy(idb[16:16+len(idbOptions)], idbOptions)
	binary.LittleEndian.PutUint32(idb[idbTotal-4:idbTotal], uint32(idbTotal))
	buf = append(buf, idb...)

	for i, frame := range frames {
		padded := align4(len(frame))
		total := 8 + 20 + padded + 4
		epb := make([]byte, total)
		binary.LittleEndian.PutUint32(epb[0:4], blockTypeEPB)
		binary.LittleEndian.PutUint32(epb[4:8], uint32(total))
		binary.LittleEndian.PutUint32(epb[8:12], 0) // interface id
		raw := rawTimestamps[i]
		binary.LittleEndian.PutUint32(epb[12:16], uint32(raw>>32)) // timestamp high
		binary.LittleEndian.PutUint32(epb[16:20], uint32(raw))     // timestamp low
		binary.LittleEndian.PutUint32(epb[20:24], uint32(len(frame))) // captured length
		binary.LittleEndian.PutUint32(epb[24:28], uint32(len(frame))) // original length
		copy(epb[28:28+len(frame)], frame)
		binary.LittleEndian.PutUint32(epb[total-4:total], uint32(total))
		buf = append(buf, epb...)
	}
	return buf
}
