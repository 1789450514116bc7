// Package core defines core types with zero external dependencies.
package core

import (
	"net/netip"
	"time"
)

// LinkType mirrors the capture file link-layer type (DLT numbering).
type LinkType uint32

// Link types understood by the decoder.
const (
	LinkNull     LinkType = 0
	LinkEthernet LinkType = 1
	LinkRawA     LinkType = 12
	LinkRawB     LinkType = 14
	LinkRaw      LinkType = 101
	LinkLoop     LinkType = 108
	LinkLinuxSLL LinkType = 113
	LinkIPv4     LinkType = 228
	LinkIPv6     LinkType = 229
)

// CaptureInfo is the per-record metadata of the capture container.
type CaptureInfo struct {
	Timestamp      time.Time
	CaptureLength  int
	Length         int
	InterfaceIndex int
}

// IPHeader represents the L3 fields the masker needs.
type IPHeader struct {
	Version   uint8
	SrcIP     netip.Addr
	DstIP     netip.Addr
	Protocol  uint8 // TCP=6, UDP=17
	HeaderLen int   // IPv4 IHL*4, IPv6 40 + extension headers
	TotalLen  int   // datagram length claimed by the header
	Fragment  bool
	// FragOffset is the fragment offset in 8-byte units. Only a datagram
	// with offset 0 carries the transport header.
	FragOffset uint16
}

// TCPHeader represents the L4 fields the masker needs.
type TCPHeader struct {
	SrcPort   uint16
	DstPort   uint16
	Seq       uint32
	Ack       uint32
	Flags     uint8
	HeaderLen int
}
