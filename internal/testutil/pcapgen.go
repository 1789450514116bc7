// Package testutil builds TCP/TLS captures for tests with gopacket.
package testutil

import (
	"encoding/binary"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Segment describes one TCP packet to serialize.
type Segment struct {
	Src, Dst netip.AddrPort
	Seq, Ack uint32
	SYN, ACK bool
	FIN, PSH bool
	Payload  []byte
}

// TCPFrame serializes seg as Ethernet/IP/TCP with valid lengths and checksums.
func TCPFrame(t testing.TB, seg Segment) []byte {
	t.Helper()

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(seg.Src.Port()),
		DstPort: layers.TCPPort(seg.Dst.Port()),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		SYN:     seg.SYN,
		ACK:     seg.ACK,
		FIN:     seg.FIN,
		PSH:     seg.PSH,
		Window:  65535,
	}

	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC}
	var network gopacket.SerializableLayer
	if seg.Src.Addr().Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Id:       uint16(seg.Seq),
			Flags:    layers.IPv4DontFragment,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP(seg.Src.Addr().AsSlice()),
			DstIP:    net.IP(seg.Dst.Addr().AsSlice()),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatalf("set network layer: %v", err)
		}
		network = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      net.IP(seg.Src.Addr().AsSlice()),
			DstIP:      net.IP(seg.Dst.Addr().AsSlice()),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatalf("set network layer: %v", err)
		}
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, network, tcp, gopacket.Payload(seg.Payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

// TLSRecord frames body as a TLS 1.2 record of content type ct.
func TLSRecord(ct uint8, body []byte) []byte {
	rec := make([]byte, 5+len(body))
	rec[0] = ct
	rec[1], rec[2] = 0x03, 0x03
	rec[3], rec[4] = byte(len(body)>>8), byte(len(body))
	copy(rec[5:], body)
	return rec
}

// Filled returns n bytes of b.
func Filled(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// Conversation tracks sequence numbers of a client/server TCP connection.
type Conversation struct {
	t          testing.TB
	Client     netip.AddrPort
	Server     netip.AddrPort
	clientNext uint32
	serverNext uint32
	frames     [][]byte
}

// NewConversation starts a connection with the given initial sequence
// numbers and emits the three-way handshake.
func NewConversation(t testing.TB, client, server netip.AddrPort, clientISN, serverISN uint32) *Conversation {
	c := &Conversation{t: t, Client: client, Server: server}
	c.frames = append(c.frames,
		TCPFrame(t, Segment{Src: client, Dst: server, Seq: clientISN, SYN: true}),
		TCPFrame(t, Segment{Src: server, Dst: client, Seq: serverISN, Ack: clientISN + 1, SYN: true, ACK: true}),
		TCPFrame(t, Segment{Src: client, Dst: server, Seq: clientISN + 1, Ack: serverISN + 1, ACK: true}),
	)
	c.clientNext = clientISN + 1
	c.serverNext = serverISN + 1
	return c
}

// ClientSend emits payload from client to server as one segment.
func (c *Conversation) ClientSend(payload []byte) {
	c.frames = append(c.frames, TCPFrame(c.t, Segment{
		Src: c.Client, Dst: c.Server, Seq: c.clientNext, Ack: c.serverNext, ACK: true, PSH: true, Payload: payload,
	}))
	c.clientNext += uint32(len(payload))
}

// ServerSend emits payload from server to client as one segment.
func (c *Conversation) ServerSend(payload []byte) {
	c.frames = append(c.frames, TCPFrame(c.t, Segment{
		Src: c.Server, Dst: c.Client, Seq: c.serverNext, Ack: c.clientNext, ACK: true, PSH: true, Payload: payload,
	}))
	c.serverNext += uint32(len(payload))
}

// ServerSendSplit emits payload from server to client cut into segments at
// the given lengths; any remainder goes in a final segment.
func (c *Conversation) ServerSendSplit(payload []byte, sizes ...int) {
	for _, n := range sizes {
		if n > len(payload) {
			n = len(payload)
		}
		c.ServerSend(payload[:n])
		payload = payload[n:]
	}
	if len(payload) > 0 {
		c.ServerSend(payload)
	}
}

// Raw appends an arbitrary frame.
func (c *Conversation) Raw(frame []byte) {
	c.frames = append(c.frames, frame)
}

// Frames returns the frames emitted so far.
func (c *Conversation) Frames() [][]byte { return c.frames }

// WritePcap writes frames to path as an Ethernet pcap, one millisecond apart.
func WritePcap(t testing.TB, path string, frames [][]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("write header: %v", err)
	}
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, data := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatalf("write packet %d: %v", i+1, err)
		}
	}
}

// BigEndianPcap builds a classic microsecond pcap the way a big-endian
// writer lays it out, with thiszone 3600 and sigfigs 7. Record i is stamped
// 1700000000+i seconds plus 250ms and claims 4 bytes more than captured.
func BigEndianPcap(frames [][]byte) []byte {
	be := binary.BigEndian
	var b []byte
	b = be.AppendUint32(b, 0xa1b2c3d4)
	b = be.AppendUint16(b, 2)
	b = be.AppendUint16(b, 4)
	b = be.AppendUint32(b, 3600)
	b = be.AppendUint32(b, 7)
	b = be.AppendUint32(b, 65535)
	b = be.AppendUint32(b, uint32(layers.LinkTypeEthernet))
	for i, f := range frames {
		b = be.AppendUint32(b, 1700000000+uint32(i))
		b = be.AppendUint32(b, 250000)
		b = be.AppendUint32(b, uint32(len(f)))
		b = be.AppendUint32(b, uint32(len(f)+4))
		b = append(b, f...)
	}
	return b
}

// ReadPcap reads every frame of a classic pcap file.
func ReadPcap(t testing.TB, path string) ([][]byte, []gopacket.CaptureInfo) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		t.Fatalf("pcap reader: %v", err)
	}
	var frames [][]byte
	var infos []gopacket.CaptureInfo
	for {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			break
		}
		frames = append(frames, append([]byte(nil), data...))
		infos = append(infos, ci)
	}
	return frames, infos
}
