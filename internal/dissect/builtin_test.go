package dissect

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pktmask/internal/testutil"
)

var (
	tlsClient = netip.MustParseAddrPort("10.1.0.1:51000")
	tlsServer = netip.MustParseAddrPort("10.1.0.2:443")
)

func dissectFrames(t *testing.T, frames [][]byte) *Result {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.pcap")
	testutil.WritePcap(t, path, frames)

	res, err := NewBuiltin(nil).Dissect(context.Background(), path)
	require.NoError(t, err)
	return res
}

func recordsByFrame(res *Result) map[int][]Record {
	out := make(map[int][]Record)
	for _, f := range res.Frames {
		if len(f.Records) > 0 {
			out[f.Number] = f.Records
		}
	}
	return out
}

func TestBuiltinFramesRecords(t *testing.T) {
	conv := testutil.NewConversation(t, tlsClient, tlsServer, 999, 5000)
	conv.ClientSend(testutil.TLSRecord(22, testutil.Filled(295, 0x11))) // frame 4, seq 1000
	conv.ClientSend(testutil.TLSRecord(23, testutil.Filled(995, 0x22))) // frame 5, seq 1300

	res := dissectFrames(t, conv.Frames())
	assert.Equal(t, "builtin", res.Tool)
	assert.True(t, res.AbsoluteSeq)
	assert.Len(t, res.Frames, 5)

	byFrame := recordsByFrame(res)
	assert.Equal(t, []Record{{ContentType: 22, Length: 295, Seq: 1000, HasSeq: true}}, byFrame[4])
	assert.Equal(t, []Record{{ContentType: 23, Length: 995, Seq: 1300, HasSeq: true}}, byFrame[5])

	assert.Equal(t, uint32(1000), res.Frames[3].Seq)
	assert.Equal(t, 300, res.Frames[3].PayloadLen)
	assert.Equal(t, tlsClient, res.Frames[3].Src)
}

func TestBuiltinRecordSpanningSegments(t *testing.T) {
	conv := testutil.NewConversation(t, tlsClient, tlsServer, 100, 7999)
	// Two records cut across three segments: [8000,8300) and [8300,8800).
	payload := append(testutil.TLSRecord(22, testutil.Filled(295, 1)), testutil.TLSRecord(23, testutil.Filled(495, 2))...)
	conv.ServerSendSplit(payload, 200, 400) // frames 4, 5, 6

	byFrame := recordsByFrame(dissectFrames(t, conv.Frames()))
	assert.Empty(t, byFrame[4])
	assert.Equal(t, []Record{{ContentType: 22, Length: 295, Seq: 8000, HasSeq: true}}, byFrame[5])
	assert.Equal(t, []Record{{ContentType: 23, Length: 495, Seq: 8300, HasSeq: true}}, byFrame[6])
}

func TestBuiltinOutOfOrderSegments(t *testing.T) {
	conv := testutil.NewConversation(t, tlsClient, tlsServer, 100, 7999)
	rec := testutil.TLSRecord(22, testutil.Filled(95, 3)) // [8000,8100)

	// Second half arrives first.
	conv.Raw(testutil.TCPFrame(t, testutil.Segment{Src: tlsServer, Dst: tlsClient, Seq: 8050, ACK: true, Payload: rec[50:]}))
	conv.Raw(testutil.TCPFrame(t, testutil.Segment{Src: tlsServer, Dst: tlsClient, Seq: 8000, ACK: true, Payload: rec[:50]}))

	byFrame := recordsByFrame(dissectFrames(t, conv.Frames()))
	// The last byte arrived in frame 4.
	assert.Equal(t, []Record{{ContentType: 22, Length: 95, Seq: 8000, HasSeq: true}}, byFrame[4])
	assert.Empty(t, byFrame[5])
}

func TestBuiltinNonTLSStream(t *testing.T) {
	conv := testutil.NewConversation(t, tlsClient, netip.MustParseAddrPort("10.1.0.2:80"), 1, 2)
	conv.ClientSend([]byte("GET / HTTP/1.1\r\nHost: example\r\n\r\n"))
	conv.ServerSend([]byte("HTTP/1.1 200 OK\r\n\r\n"))

	res := dissectFrames(t, conv.Frames())
	assert.Equal(t, 0, res.RecordCount())
	assert.Len(t, res.Frames, 5)
}

func TestBuiltinStopsAtGap(t *testing.T) {
	conv := testutil.NewConversation(t, tlsClient, tlsServer, 100, 7999)
	conv.ServerSend(testutil.TLSRecord(22, testutil.Filled(45, 1))) // [8000,8050)
	// [8050,8100) lost; the record after the gap cannot be framed.
	conv.Raw(testutil.TCPFrame(t, testutil.Segment{
		Src: tlsServer, Dst: tlsClient, Seq: 8100, ACK: true,
		Payload: testutil.TLSRecord(23, testutil.Filled(45, 2)),
	}))

	res := dissectFrames(t, conv.Frames())
	assert.Equal(t, 1, res.RecordCount())
}

func TestBuiltinSequenceWrap(t *testing.T) {
	conv := testutil.NewConversation(t, tlsClient, tlsServer, 100, 0xFFFFFF00-1)
	payload := append(testutil.TLSRecord(22, testutil.Filled(195, 1)), testutil.TLSRecord(23, testutil.Filled(195, 2))...)
	// Records at 0xFFFFFF00 and 0xFFFFFFC8; the second crosses 2^32 and
	// ends in frame 5.
	conv.ServerSendSplit(payload, 300)

	byFrame := recordsByFrame(dissectFrames(t, conv.Frames()))
	assert.Equal(t, []Record{{ContentType: 22, Length: 195, Seq: 0xFFFFFF00, HasSeq: true}}, byFrame[4])
	assert.Equal(t, []Record{{ContentType: 23, Length: 195, Seq: 0xFFFFFFC8, HasSeq: true}}, byFrame[5])
}
