package pcapreceiver

import (
	"encoding/binary"

	"golang.org/x/net/ipv4"

	"github.com/atupone/AtuReactor/link"
	"github.com/atupone/AtuReactor/packet"
)

// parseAndDispatch decodes the L2-L4 headers of a captured frame and, if
// it carries a UDP payload for a subscribed port, invokes that
// subscriber's handler. Per the strict replay policy, packets truncated
// during capture (capLen != origLen) are dropped rather than delivered
// with a truncation status: there is no way to reconstruct what the
// kernel would have reported as the truncated length, since the capture
// file itself only ever stored capLen bytes.
func (r *Receiver) parseAndDispatch(capLen, origLen uint32, data []byte, ts packet.Timestamp, linkType int) {
	if capLen != origLen {
		r.substrate.RecordDropped()
		return
	}

	etherType, offset, ok := decodeL2(linkType, data)
	if !ok {
		r.substrate.RecordDropped()
		return
	}
	data = data[offset:]

	if !etherType.HasValidIPLayer() {
		r.substrate.RecordDropped()
		return
	}
	if etherType != link.EtherTypeIPv4 {
		// IPv6 is a valid IP layer but this replay path only decodes IPv4.
		r.substrate.RecordDropped()
		return
	}

	dstPort, payload, ok := decodeIPv4UDP(data)
	if !ok {
		r.substrate.RecordDropped()
		return
	}

	sub, err := r.substrate.Subs.Peek(dstPort)
	if err != nil {
		// Port 0 is reserved as a wildcard subscription: a receiver that
		// wants every UDP payload in the capture, regardless of
		// destination port, subscribes to it instead of a real port.
		sub, err = r.substrate.Subs.Peek(0)
	}
	if err != nil || sub.Handler == nil {
		r.substrate.RecordDropped()
		return
	}

	r.substrate.RecordDelivered(len(payload))
	sub.Handler(sub.Context, payload, packet.StatusOK, ts)
}

func decodeL2(linkType int, data []byte) (etherType link.EtherType, offset int, ok bool) {
	offset, ok = link.Type(linkType).IPHeaderOffset()
	if !ok || len(data) < offset {
		return 0, 0, false
	}

	switch link.Type(linkType) {
	case link.TypeEthernet:
		etherType = link.EtherType(binary.BigEndian.Uint16(data[12:14]))
		if etherType == link.EtherTypeVLAN {
			if len(data) < offset+link.HeaderLenVLANTag {
				return 0, 0, false
			}
			etherType = link.EtherType(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
			offset += link.HeaderLenVLANTag
		}

	case link.TypeLinuxSLL:
		etherType = link.EtherType(binary.BigEndian.Uint16(data[14:16]))
	}

	return etherType, offset, true
}

func decodeIPv4UDP(data []byte) (dstPort uint16, payload []byte, ok bool) {
	if len(data) < ipv4.HeaderLen {
		return 0, nil, false
	}
	if data[0]>>4 != 4 {
		return 0, nil, false
	}

	ihl := int(data[0]&0x0F) * 4
	if ihl < ipv4.HeaderLen || len(data) < ihl {
		return 0, nil, false
	}
	if data[9] != udpProtocolNumber {
		return 0, nil, false
	}

	udpHdr := data[ihl:]
	if len(udpHdr) < 8 {
		return 0, nil, false
	}

	dstPort = binary.BigEndian.Uint16(udpHdr[2:4])
	udpLen := binary.BigEndian.Uint16(udpHdr[4:6])
	if udpLen < 8 {
		return 0, nil, false
	}

	payloadLen := int(udpLen) - 8
	rest := udpHdr[8:]
	if len(rest) < payloadLen {
		return 0, nil, false
	}

	return dstPort, rest[:payloadLen], true
}
