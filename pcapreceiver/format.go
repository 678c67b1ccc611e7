package pcapreceiver

import "encoding/binary"

const (
	headerSize       = 24 // classic pcap global header
	packetHeaderSize = 16 // classic pcap per-record header
	minHeaderSize    = 24

	// magicPcapUsecLE/magicPcapNsecLE are the classic pcap magic numbers
	// as they appear when the first four file bytes are read as a
	// little-endian uint32 on a host with matching byte order; the
	// "Swapped" variants indicate the writer used the opposite order.
	magicPcapUsecLE      = 0xa1b2c3d4
	magicPcapUsecSwapped = 0xd4c3b2a1
	magicPcapNsecLE      = 0xa1b23c4d
	magicPcapNsecSwapped = 0x4d3c2b1a

	pcapngMagic      = 0x0a0d0d0a
	pcapngBOMNative  = 0x1a2b3c4d
	pcapngBOMSwapped = 0x4d3c2b1a

	blockTypeIDB = 1
	blockTypeEPB = 6

	optionEndOfOpt = 0
	optionTSResol  = 9

	defaultTSResolDivisor = 1_000_000 // pcapng default: microseconds

	udpProtocolNumber = 17
)

type globalHeader struct {
	VersionMajor uint16
	VersionMinor uint16
	Thiszone     int32
	Sigfigs      uint32
	Snaplen      uint32
	Network      uint32
}

func readGlobalHeader(b []byte, swap bool) globalHeader {
	order := pickOrder(swap)
	return globalHeader{
		VersionMajor: order.Uint16(b[4:6]),
		VersionMinor: order.Uint16(b[6:8]),
		Thiszone:     int32(order.Uint32(b[8:12])),
		Sigfigs:      order.Uint32(b[12:16]),
		Snaplen:      order.Uint32(b[16:20]),
		Network:      order.Uint32(b[20:24]),
	}
}

type packetRecordHeader struct {
	TSSec       uint32
	TSFraction  uint32
	CaptureLen  uint32
	OriginalLen uint32
}

func readPacketHeader(b []byte, swap bool) packetRecordHeader {
	order := pickOrder(swap)
	return packetRecordHeader{
		TSSec:       order.Uint32(b[0:4]),
		TSFraction:  order.Uint32(b[4:8]),
		CaptureLen:  order.Uint32(b[8:12]),
		OriginalLen: order.Uint32(b[12:16]),
	}
}

// pickOrder returns the byte order to apply to every subsequent
// multi-byte field once the magic number has revealed whether the
// writer's endianness matches the reader's. Reading a little-endian
// stream as big-endian is byte-for-byte equivalent to reversing it, so
// this needs no separate bit-twiddling swap routine.
func pickOrder(swap bool) binary.ByteOrder {
	if swap {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
