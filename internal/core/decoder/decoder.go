// Package decoder parses capture frames into core.Packet with the byte
// offsets the rewriter needs. Only the fields used for stream identity,
// sequence arithmetic and checksum repair are decoded.
package decoder

import (
	"fmt"

	"firestige.xyz/pktmask/internal/core"
)

// Decoder decodes frames of one link type. It holds no per-packet state and
// is safe for concurrent use.
type Decoder struct {
	linkType core.LinkType
	link     func(data []byte) (int, error)
}

// New returns a decoder for linkType.
func New(linkType core.LinkType) (*Decoder, error) {
	d := &Decoder{linkType: linkType}
	switch linkType {
	case core.LinkEthernet:
		d.link = decodeEthernet
	case core.LinkLinuxSLL:
		d.link = decodeLinuxSLL
	case core.LinkNull, core.LinkLoop:
		d.link = decodeLoopback
	case core.LinkRaw, core.LinkRawA, core.LinkRawB, core.LinkIPv4, core.LinkIPv6:
		d.link = func([]byte) (int, error) { return 0, nil }
	default:
		return nil, fmt.Errorf("%w: %d", core.ErrUnsupportedLink, linkType)
	}
	return d, nil
}

// LinkType returns the link type this decoder was built for.
func (d *Decoder) LinkType() core.LinkType { return d.linkType }

// Decode parses data. Frames that are not IP or not TCP decode successfully
// with IsTCP=false; an error means the frame claims a protocol it could not
// carry (too short, bad header length).
func (d *Decoder) Decode(frame int, data []byte, ci core.CaptureInfo) (core.Packet, error) {
	pkt := core.Packet{
		Frame:     frame,
		Data:      data,
		Info:      ci,
		LinkType:  d.linkType,
		NetOffset: -1,
	}

	netOff, err := d.link(data)
	if err != nil {
		return pkt, err
	}
	if netOff < 0 {
		// Non-IP frame (ARP, LLDP, ...)
		return pkt, nil
	}

	ip, err := decodeIP(data[netOff:])
	if err != nil {
		return pkt, err
	}
	pkt.NetOffset = netOff
	pkt.IP = ip

	available := len(data) - netOff
	if available < ip.TotalLen {
		pkt.Truncated = true
	}
	if ip.Protocol != protocolTCP || ip.FragOffset != 0 {
		return pkt, nil
	}

	transportOff := netOff + ip.HeaderLen
	tcp, err := decodeTCP(data[transportOff:])
	if err != nil {
		return pkt, err
	}

	payloadLen := ip.TotalLen - ip.HeaderLen - tcp.HeaderLen
	if payloadLen < 0 {
		return pkt, fmt.Errorf("%w: tcp header exceeds ip datagram", core.ErrPacketTooShort)
	}

	pkt.IsTCP = true
	pkt.TCP = tcp
	pkt.TransportOffset = transportOff
	pkt.PayloadOffset = transportOff + tcp.HeaderLen
	pkt.PayloadLen = payloadLen
	return pkt, nil
}

// Set lazily builds one Decoder per link type, for captures (pcapng) whose
// interfaces use different link types. Not safe for concurrent use.
type Set struct {
	decoders map[core.LinkType]*Decoder
}

// NewSet returns an empty decoder set.
func NewSet() *Set {
	return &Set{decoders: make(map[core.LinkType]*Decoder)}
}

// Decode decodes data with the decoder for linkType.
func (s *Set) Decode(linkType core.LinkType, frame int, data []byte, ci core.CaptureInfo) (core.Packet, error) {
	d, ok := s.decoders[linkType]
	if !ok {
		var err error
		if d, err = New(linkType); err != nil {
			return core.Packet{Frame: frame, Data: data, Info: ci, LinkType: linkType, NetOffset: -1}, err
		}
		s.decoders[linkType] = d
	}
	return d.Decode(frame, data, ci)
}
