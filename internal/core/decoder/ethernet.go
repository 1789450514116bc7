package decoder

import (
	"encoding/binary"

	"firestige.xyz/pktmask/internal/core"
)

const (
	// Ethernet constants
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4
	linuxSLLHeaderLen = 16
	loopbackHeaderLen = 4

	// EtherType values
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
)

// decodeEthernet walks the Ethernet header (including VLAN tags) and returns
// the offset of the IP header, or -1 for non-IP frames.
func decodeEthernet(data []byte) (int, error) {
	if len(data) < ethernetHeaderLen {
		return -1, core.ErrPacketTooShort
	}

	etherType := binary.BigEndian.Uint16(data[12:14])
	offset := ethernetHeaderLen

	// VLAN tags can be nested (QinQ)
	for etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(data) < offset+vlanHeaderLen {
			return -1, core.ErrPacketTooShort
		}
		// VLAN header: 2 bytes TCI + 2 bytes EtherType
		etherType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += vlanHeaderLen
	}

	return ipOffset(etherType, offset), nil
}

// decodeLinuxSLL handles Linux cooked capture v1 headers.
func decodeLinuxSLL(data []byte) (int, error) {
	if len(data) < linuxSLLHeaderLen {
		return -1, core.ErrPacketTooShort
	}
	return ipOffset(binary.BigEndian.Uint16(data[14:16]), linuxSLLHeaderLen), nil
}

// decodeLoopback handles DLT_NULL (host byte order) and DLT_LOOP (network
// byte order) address family headers.
func decodeLoopback(data []byte) (int, error) {
	if len(data) < loopbackHeaderLen {
		return -1, core.ErrPacketTooShort
	}
	family := binary.LittleEndian.Uint32(data[0:4])
	if family > 0xFFFF {
		family = binary.BigEndian.Uint32(data[0:4])
	}
	switch family {
	case 2: // AF_INET
		return loopbackHeaderLen, nil
	case 10, 24, 28, 30: // AF_INET6 on Linux, NetBSD/OpenBSD, FreeBSD, Darwin
		return loopbackHeaderLen, nil
	}
	return -1, nil
}

func ipOffset(etherType uint16, offset int) int {
	if etherType != etherTypeIPv4 && etherType != etherTypeIPv6 {
		return -1
	}
	return offset
}
