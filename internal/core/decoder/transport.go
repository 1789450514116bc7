package decoder

import (
	"encoding/binary"

	"firestige.xyz/pktmask/internal/core"
)

const (
	tcpHeaderMinLen = 20

	protocolTCP = 6
)

// decodeTCP decodes a TCP header.
func decodeTCP(data []byte) (core.TCPHeader, error) {
	if len(data) < tcpHeaderMinLen {
		return core.TCPHeader{}, core.ErrPacketTooShort
	}

	tcp := core.TCPHeader{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Seq:     binary.BigEndian.Uint32(data[4:8]),
		Ack:     binary.BigEndian.Uint32(data[8:12]),
	}

	// Data offset is in 32-bit words (upper 4 bits of byte 12)
	headerLen := int(data[12]>>4) * 4
	if headerLen < tcpHeaderMinLen || len(data) < headerLen {
		return tcp, core.ErrPacketTooShort
	}
	tcp.HeaderLen = headerLen

	// Byte 13: | CWR | ECE | URG | ACK | PSH | RST | SYN | FIN |
	tcp.Flags = data[13] & 0x3F
	return tcp, nil
}
