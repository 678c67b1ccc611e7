// Package link describes the small set of pcap/pcapng link-layer types
// this module decodes, and the byte offset at which the IP header starts
// for each of them.
package link

// Type denotes a pcap/pcapng LINKTYPE_* / DLT_* value.
type Type int

const (
	// TypeInvalid denotes an unrecognized link type.
	TypeInvalid Type = -1

	// TypeEthernet denotes DLT_EN10MB / LINKTYPE_ETHERNET framed captures.
	TypeEthernet Type = 1

	// TypeLinuxSLL denotes DLT_LINUX_SLL / LINKTYPE_LINUX_SLL, the
	// "cooked" capture format used for e.g. "any" interface captures.
	TypeLinuxSLL Type = 113
)

const (
	// HeaderLenEthernet is the fixed length of an untagged Ethernet II header.
	HeaderLenEthernet = 14

	// HeaderLenVLANTag is the additional length contributed by a single
	// 802.1Q VLAN tag inserted after the source MAC address.
	HeaderLenVLANTag = 4

	// HeaderLenLinuxSLL is the fixed length of a Linux cooked-capture header.
	HeaderLenLinuxSLL = 16
)

// IPHeaderOffset returns the byte offset of the IP header for an untagged
// frame of this link type, and whether t is a link type this package
// decodes at all. A VLAN-tagged Ethernet frame's real offset is larger
// still; callers adjust for that themselves once they've inspected the
// EtherType in the two bytes just before this offset.
func (t Type) IPHeaderOffset() (offset int, ok bool) {
	switch t {
	case TypeEthernet:
		return HeaderLenEthernet, true
	case TypeLinuxSLL:
		return HeaderLenLinuxSLL, true
	}
	return 0, false
}
