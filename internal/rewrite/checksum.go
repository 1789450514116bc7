package rewrite

import (
	"encoding/binary"

	"firestige.xyz/pktmask/internal/core"
)

// Header field offsets.
const (
	ipv4ChecksumOffset = 10
	tcpChecksumOffset  = 16
)

// sum adds b to acc as a sequence of big-endian 16-bit words (RFC 1071).
func sum(b []byte, acc uint32) uint32 {
	n := len(b) &^ 1
	for i := 0; i < n; i += 2 {
		acc += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)&1 == 1 {
		acc += uint32(b[len(b)-1]) << 8
	}
	return acc
}

func fold(acc uint32) uint16 {
	for acc>>16 != 0 {
		acc = acc&0xffff + acc>>16
	}
	return ^uint16(acc)
}

// pseudoHeaderSum returns the partial sum of the TCP pseudo header.
func pseudoHeaderSum(p *core.Packet, tcpLen int) uint32 {
	var acc uint32
	src, dst := p.IP.SrcIP.AsSlice(), p.IP.DstIP.AsSlice()
	acc = sum(src, acc)
	acc = sum(dst, acc)
	if p.IP.Version == 4 {
		acc += uint32(p.IP.Protocol)
		acc += uint32(tcpLen)
		return acc
	}
	// IPv6: 32-bit upper-layer length and next header.
	acc += uint32(tcpLen>>16) + uint32(tcpLen&0xffff)
	acc += uint32(p.IP.Protocol)
	return acc
}

// fixChecksums recomputes the TCP checksum and, for IPv4, the header
// checksum of p in place. The whole datagram must be captured.
func fixChecksums(p *core.Packet) {
	b := p.Data
	tcpLen := p.IP.TotalLen - p.IP.HeaderLen
	seg := b[p.TransportOffset : p.TransportOffset+tcpLen]

	binary.BigEndian.PutUint16(seg[tcpChecksumOffset:], 0)
	acc := pseudoHeaderSum(p, tcpLen)
	binary.BigEndian.PutUint16(seg[tcpChecksumOffset:], fold(sum(seg, acc)))

	if p.IP.Version == 4 {
		hdr := b[p.NetOffset : p.NetOffset+p.IP.HeaderLen]
		binary.BigEndian.PutUint16(hdr[ipv4ChecksumOffset:], 0)
		binary.BigEndian.PutUint16(hdr[ipv4ChecksumOffset:], fold(sum(hdr, 0)))
	}
}
