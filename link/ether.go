package link

// EtherType denotes the protocol encapsulated in the payload of an
// Ethernet frame (or, for a VLAN-tagged frame, of the tag itself).
type EtherType uint16

const (
	// EtherTypeIPv4 denotes an IPv4 ethernet frame.
	EtherTypeIPv4 EtherType = 0x0800

	// EtherTypeIPv6 denotes an IPv6 ethernet frame.
	EtherTypeIPv6 EtherType = 0x86DD

	// EtherTypeVLAN denotes a single 802.1Q VLAN tag; the real EtherType
	// follows immediately after the tag's 2-byte TCI field.
	EtherTypeVLAN EtherType = 0x8100
)

// HasValidIPLayer reports whether t denotes an IPv4 or IPv6 payload.
func (t EtherType) HasValidIPLayer() bool {
	return t == EtherTypeIPv4 || t == EtherTypeIPv6
}
