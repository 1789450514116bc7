// Package core defines core data structures with zero external dependencies.
package core

import "net/netip"

// TCP flag bits.
const (
	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
)

// Packet is one capture record plus the parsed header fields. Data is the
// whole frame and is owned by the current pass; the rewriter mutates it in
// place.
type Packet struct {
	Frame    int // 1-based position in the capture
	Data     []byte
	Info     CaptureInfo
	LinkType LinkType

	// Offsets into Data. NetOffset is -1 when no IP layer was found.
	NetOffset       int
	TransportOffset int
	PayloadOffset   int
	PayloadLen      int

	IP  IPHeader
	TCP TCPHeader

	IsTCP     bool
	Truncated bool // capture shorter than the IP datagram
}

// Payload returns the TCP payload slice (aliases Data).
func (p *Packet) Payload() []byte {
	if !p.IsTCP || p.PayloadLen == 0 {
		return nil
	}
	end := p.PayloadOffset + p.PayloadLen
	if end > len(p.Data) {
		end = len(p.Data)
	}
	return p.Data[p.PayloadOffset:end]
}

// Src returns the source endpoint.
func (p *Packet) Src() netip.AddrPort {
	return netip.AddrPortFrom(p.IP.SrcIP, p.TCP.SrcPort)
}

// Dst returns the destination endpoint.
func (p *Packet) Dst() netip.AddrPort {
	return netip.AddrPortFrom(p.IP.DstIP, p.TCP.DstPort)
}

// Stream derives the canonical stream identity of a TCP packet.
func (p *Packet) Stream() (StreamID, Direction) {
	return DeriveStream(p.Src(), p.Dst())
}
