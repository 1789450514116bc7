package decoder

import "testing"

func TestDecodeTCP(t *testing.T) {
	// Minimal TCP header (20 bytes)
	data := []byte{
		0x13, 0x88, // Src Port: 5000
		0x01, 0xBB, // Dst Port: 443
		0x00, 0x00, 0x03, 0xE8, // Seq Num: 1000
		0x00, 0x00, 0x00, 0x02, // Ack Num: 2
		0x50,       // Data Offset: 5 (20 bytes)
		0x18,       // Flags: ACK + PSH
		0x20, 0x00, // Window Size
		0x00, 0x00, // Checksum
		0x00, 0x00, // Urgent Pointer
		0x16, 0x03, 0x03, 0x00, // Payload
	}

	tcp, err := decodeTCP(data)
	if err != nil {
		t.Fatalf("decodeTCP failed: %v", err)
	}
	if tcp.SrcPort != 5000 {
		t.Errorf("Expected SrcPort 5000, got %d", tcp.SrcPort)
	}
	if tcp.DstPort != 443 {
		t.Errorf("Expected DstPort 443, got %d", tcp.DstPort)
	}
	if tcp.Seq != 1000 {
		t.Errorf("Expected Seq 1000, got %d", tcp.Seq)
	}
	if tcp.Ack != 2 {
		t.Errorf("Expected Ack 2, got %d", tcp.Ack)
	}
	if tcp.Flags != 0x18 {
		t.Errorf("Expected Flags 0x18, got 0x%02x", tcp.Flags)
	}
	if tcp.HeaderLen != 20 {
		t.Errorf("Expected HeaderLen 20, got %d", tcp.HeaderLen)
	}
}

func TestDecodeTCPWithOptions(t *testing.T) {
	data := make([]byte, 32)
	data[12] = 0x80 // 8 words = 32 bytes
	tcp, err := decodeTCP(data)
	if err != nil {
		t.Fatalf("decodeTCP failed: %v", err)
	}
	if tcp.HeaderLen != 32 {
		t.Errorf("Expected HeaderLen 32, got %d", tcp.HeaderLen)
	}
}

func TestDecodeTCPTooShort(t *testing.T) {
	if _, err := decodeTCP([]byte{0x13, 0x88, 0x13, 0x89, 0x00}); err == nil {
		t.Error("Expected error for too short TCP packet, got nil")
	}

	data := make([]byte, 20)
	data[12] = 0x30 // 12 bytes < minimum
	if _, err := decodeTCP(data); err == nil {
		t.Error("Expected error for data offset below minimum")
	}
}
