package decoder

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/pktmask/internal/core"
)

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40

	// IPv6 extension header next-header values
	ipv6HopByHop    = 0
	ipv6Routing     = 43
	ipv6Fragment    = 44
	ipv6AuthHeader  = 51
	ipv6DestOptions = 60
	ipv6NoNext      = 59

	ipv6MaxExtHeaders = 8
)

// decodeIP decodes an IPv4 or IPv6 header.
func decodeIP(data []byte) (core.IPHeader, error) {
	if len(data) < 1 {
		return core.IPHeader{}, core.ErrPacketTooShort
	}

	// Check IP version (first 4 bits)
	switch data[0] >> 4 {
	case 4:
		return decodeIPv4(data)
	case 6:
		return decodeIPv6(data)
	default:
		return core.IPHeader{}, core.ErrUnsupportedProto
	}
}

// decodeIPv4 decodes an IPv4 header.
func decodeIPv4(data []byte) (core.IPHeader, error) {
	if len(data) < ipv4HeaderMinLen {
		return core.IPHeader{}, core.ErrPacketTooShort
	}

	// IHL is in 32-bit words
	headerLen := int(data[0]&0x0F) * 4
	if headerLen < ipv4HeaderMinLen || len(data) < headerLen {
		return core.IPHeader{}, core.ErrPacketTooShort
	}

	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen < headerLen {
		return core.IPHeader{}, core.ErrPacketTooShort
	}

	flags := binary.BigEndian.Uint16(data[6:8])
	ip := core.IPHeader{
		Version:    4,
		Protocol:   data[9],
		HeaderLen:  headerLen,
		TotalLen:   totalLen,
		Fragment:   flags&0x2000 != 0 || flags&0x1FFF != 0,
		FragOffset: flags & 0x1FFF,
	}
	ip.SrcIP, _ = netip.AddrFromSlice(data[12:16])
	ip.DstIP, _ = netip.AddrFromSlice(data[16:20])
	return ip, nil
}

// decodeIPv6 decodes the fixed IPv6 header and walks extension headers up
// to the upper-layer protocol.
func decodeIPv6(data []byte) (core.IPHeader, error) {
	if len(data) < ipv6HeaderLen {
		return core.IPHeader{}, core.ErrPacketTooShort
	}

	ip := core.IPHeader{
		Version:  6,
		TotalLen: ipv6HeaderLen + int(binary.BigEndian.Uint16(data[4:6])),
	}
	ip.SrcIP, _ = netip.AddrFromSlice(data[8:24])
	ip.DstIP, _ = netip.AddrFromSlice(data[24:40])

	next := data[6]
	offset := ipv6HeaderLen
	for i := 0; i < ipv6MaxExtHeaders; i++ {
		var extLen int
		switch next {
		case ipv6HopByHop, ipv6Routing, ipv6DestOptions:
			if len(data) < offset+2 {
				return ip, core.ErrPacketTooShort
			}
			extLen = (int(data[offset+1]) + 1) * 8
		case ipv6Fragment:
			if len(data) < offset+8 {
				return ip, core.ErrPacketTooShort
			}
			// Offset is the top 13 bits of bytes 2-3; a later fragment
			// starts inside the upper-layer payload.
			ip.Fragment = true
			ip.FragOffset = binary.BigEndian.Uint16(data[offset+2:offset+4]) >> 3
			extLen = 8
		case ipv6AuthHeader:
			if len(data) < offset+2 {
				return ip, core.ErrPacketTooShort
			}
			extLen = (int(data[offset+1]) + 2) * 4
		default:
			ip.Protocol = next
			ip.HeaderLen = offset
			if ip.TotalLen < offset {
				return ip, core.ErrPacketTooShort
			}
			return ip, nil
		}
		if len(data) < offset+extLen {
			return ip, core.ErrPacketTooShort
		}
		next = data[offset]
		offset += extLen
	}

	// Too many extension headers; treat as opaque
	ip.Protocol = ipv6NoNext
	ip.HeaderLen = offset
	return ip, nil
}
