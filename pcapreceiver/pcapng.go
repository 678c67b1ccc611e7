package pcapreceiver

import (
	"time"

	"github.com/atupone/AtuReactor/link"
	"github.com/atupone/AtuReactor/packet"
)

func align4(n int) int { return (n + 3) &^ 3 }

func pow10(n uint) uint64 {
	result := uint64(1)
	for i := uint(0); i < n; i++ {
		result *= 10
	}
	return result
}

func (r *Receiver) pcapngNextBlock() (stepped, waiting bool) {
	pos := r.cursor
	if pos+8 > len(r.mapped) {
		r.finished = true
		return false, false
	}

	blockType := r.order.Uint32(r.mapped[pos : pos+4])
	totalLen := r.order.Uint32(r.mapped[pos+4 : pos+8])
	if totalLen < 12 || pos+int(totalLen) > len(r.mapped) {
		r.finished = true
		return false, false
	}

	body := r.mapped[pos+8 : pos+int(totalLen)-4]

	switch blockType {
	case blockTypeIDB:
		r.handleIDB(body)
		r.cursor = pos + int(totalLen)
		return true, false

	case blockTypeEPB:
		return r.handleEPB(pos, int(totalLen), body)

	default:
		r.cursor = pos + int(totalLen)
		return true, false
	}
}

func (r *Receiver) handleIDB(body []byte) {
	iface := pcapngInterface{Divisor: defaultTSResolDivisor}
	if len(body) < 8 {
		r.interfaces = append(r.interfaces, iface)
		return
	}

	iface.LinkType = r.order.Uint16(body[0:2])

	// Walk the block's options looking for if_tsresol (code 9): a single
	// byte whose high bit selects base-2 vs. base-10, and whose low 7
	// bits give the exponent of the per-tick divisor.
	off := 8
	for off+4 <= len(body) {
		code := r.order.Uint16(body[off : off+2])
		length := int(r.order.Uint16(body[off+2 : off+4]))
		if code == optionEndOfOpt {
			break
		}
		valStart := off + 4
		valEnd := valStart + length
		if valEnd > len(body) {
			break
		}
		if code == optionTSResol && length == 1 {
			v := body[valStart]
			if v&0x80 != 0 {
				iface.Divisor = uint64(1) << (v & 0x7F)
			} else {
				iface.Divisor = pow10(uint(v))
			}
		}
		off = valStart + align4(length)
	}

	r.interfaces = append(r.interfaces, iface)
}

func (r *Receiver) handleEPB(pos, totalLen int, body []byte) (stepped, waiting bool) {
	if len(body) < 20 {
		r.cursor = pos + totalLen
		return true, false
	}

	ifaceID := r.order.Uint32(body[0:4])
	tsHigh := r.order.Uint32(body[4:8])
	tsLow := r.order.Uint32(body[8:12])
	capLen := r.order.Uint32(body[12:16])
	origLen := r.order.Uint32(body[16:20])

	iface := pcapngInterface{LinkType: uint16(link.TypeEthernet), Divisor: defaultTSResolDivisor}
	if int(ifaceID) < len(r.interfaces) {
		iface = r.interfaces[ifaceID]
		if iface.Divisor == 0 {
			iface.Divisor = defaultTSResolDivisor
		}
	}

	raw := uint64(tsHigh)<<32 | uint64(tsLow)
	ts := packet.Timestamp{
		Sec:  int64(raw / iface.Divisor),
		Nsec: int64((raw % iface.Divisor) * uint64(time.Second) / iface.Divisor),
	}

	if r.cfg.Mode == ModeTimed && r.armTimedWait(ts) {
		return false, true
	}

	if int(capLen) > len(body)-20 {
		r.cursor = pos + totalLen
		return true, false
	}

	payload := body[20 : 20+int(capLen)]
	r.parseAndDispatch(capLen, origLen, payload, ts, int(iface.LinkType))
	r.cursor = pos + totalLen
	return true, false
}
