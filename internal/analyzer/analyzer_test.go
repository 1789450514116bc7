package analyzer

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pktmask/internal/core"
	"firestige.xyz/pktmask/internal/dissect"
)

var (
	client = netip.MustParseAddrPort("10.0.0.1:51000")
	server = netip.MustParseAddrPort("10.0.0.2:443")
)

func frame(num int, src, dst netip.AddrPort, seq uint32, n int, recs ...dissect.Record) dissect.Frame {
	return dissect.Frame{Number: num, Src: src, Dst: dst, Seq: seq, PayloadLen: n, Records: recs}
}

func rec(ct uint8, length int) dissect.Record {
	return dissect.Record{ContentType: ct, Length: length}
}

func recAt(ct uint8, length int, seq uint32) dissect.Record {
	return dissect.Record{ContentType: ct, Length: length, Seq: seq, HasSeq: true}
}

type span3 struct {
	start, end int64
	policy     core.Policy
}

func spans(rules []core.KeepRule) []span3 {
	out := make([]span3, len(rules))
	for i, r := range rules {
		out[i] = span3{r.Start, r.End, r.Policy}
	}
	return out
}

func analyze(t *testing.T, table PolicyTable, frames ...dissect.Frame) *Analysis {
	t.Helper()
	a, err := New(table, nil).Analyze(&dissect.Result{Tool: "test", Frames: frames})
	require.NoError(t, err)
	return a
}

func TestHandshakeThenApplicationData(t *testing.T) {
	// Handshake [1000,1300) followed by 1000 bytes of application data.
	a := analyze(t, DefaultPolicyTable(),
		frame(4, client, server, 1000, 1300, rec(22, 295), rec(23, 995)),
	)

	id, dir := core.DeriveStream(client, server)
	require.Len(t, a.Rules, 2)
	for _, r := range a.Rules {
		assert.Equal(t, id, r.Stream)
		assert.Equal(t, dir, r.Dir)
	}
	assert.Equal(t, []span3{
		{1000, 1300, core.FullPreserve()},
		{1300, 2300, core.HeaderOnly(5)},
	}, spans(a.Rules))
	assert.Equal(t, 1, a.Stats.TLSStreams)
	assert.Equal(t, 2, a.Stats.Records)
	assert.Equal(t, 1, a.Stats.RecordsByType[23])
}

func TestRecordsSpanningSegments(t *testing.T) {
	a := analyze(t, DefaultPolicyTable(),
		frame(4, client, server, 1000, 200),
		frame(5, client, server, 1200, 300, rec(22, 295)),
		frame(6, client, server, 1500, 800, rec(23, 995)),
	)

	assert.Equal(t, []span3{
		{1000, 1200, core.FullPreserve()},
		{1200, 1300, core.FullPreserve()},
		{1300, 1500, core.HeaderOnly(5)},
		{1500, 2300, core.Masked()},
	}, spans(a.Rules))
}

func TestHeaderSplitAcrossSegments(t *testing.T) {
	a := analyze(t, DefaultPolicyTable(),
		frame(4, server, client, 1300, 2),
		frame(5, server, client, 1302, 998, rec(23, 995)),
	)

	assert.Equal(t, []span3{
		{1300, 1302, core.HeaderOnly(2)},
		{1302, 2300, core.HeaderOnly(3)},
	}, spans(a.Rules))
}

func TestExplicitSequenceNumbers(t *testing.T) {
	// Absolute numbers across the 2^32 boundary.
	a := analyze(t, DefaultPolicyTable(),
		frame(4, server, client, 0xFFFFFF00, 300, recAt(22, 195, 0xFFFFFF00)),
		frame(5, server, client, 44, 100, recAt(23, 195, 0xFFFFFFC8)),
	)

	base := int64(0xFFFFFF00)
	assert.Equal(t, []span3{
		{base, base + 200, core.FullPreserve()},
		{base + 200, base + 300, core.HeaderOnly(5)},
		{base + 300, base + 400, core.Masked()},
	}, spans(a.Rules))
}

func TestUnrecognizedStream(t *testing.T) {
	frames := []dissect.Frame{
		frame(4, client, server, 1, 40),
		frame(5, server, client, 1, 1000),
		frame(6, server, client, 1001, 500),
	}

	t.Run("FailOpen", func(t *testing.T) {
		a := analyze(t, DefaultPolicyTable(), frames...)
		assert.Equal(t, 1, a.Stats.UnrecognizedStreams)
		require.Len(t, a.Rules, 2)
		assert.ElementsMatch(t, []span3{
			{1, 41, core.FullPreserve()},
			{1, 1501, core.FullPreserve()},
		}, spans(a.Rules))
	})

	t.Run("Mask", func(t *testing.T) {
		table := DefaultPolicyTable()
		table.Unrecognized = core.Masked()
		a := analyze(t, table, frames...)
		require.Len(t, a.Rules, 2)
		for _, r := range a.Rules {
			assert.Equal(t, core.Masked(), r.Policy)
		}
	})
}

func TestTLSStreamDirectionWithoutRecordsIsMasked(t *testing.T) {
	a := analyze(t, DefaultPolicyTable(),
		frame(4, client, server, 1, 100, rec(22, 95)),
		frame(5, server, client, 1, 64),
	)

	_, serverDir := core.DeriveStream(server, client)
	var masked []core.KeepRule
	for _, r := range a.Rules {
		if r.Dir == serverDir {
			masked = append(masked, r)
		}
	}
	require.Len(t, masked, 1)
	assert.Equal(t, core.Masked(), masked[0].Policy)
	assert.Equal(t, int64(1), masked[0].Start)
	assert.Equal(t, int64(65), masked[0].End)
}

func TestUnknownContentTypeUsesUnrecognizedPolicy(t *testing.T) {
	table := DefaultPolicyTable()
	table.Unrecognized = core.Masked()
	a := analyze(t, table, frame(4, client, server, 1, 100, rec(99, 95)))
	assert.Equal(t, []span3{{1, 101, core.Masked()}}, spans(a.Rules))
}

func TestRetransmissionDeduplicated(t *testing.T) {
	a := analyze(t, DefaultPolicyTable(),
		frame(4, client, server, 1, 100, rec(22, 95)),
		frame(5, client, server, 1, 100),
	)
	assert.Len(t, a.Rules, 1)
}

func TestRulesAreSorted(t *testing.T) {
	other := netip.MustParseAddrPort("10.0.0.3:443")
	a := analyze(t, DefaultPolicyTable(),
		frame(4, client, other, 1, 10),
		frame(5, server, client, 500, 100, rec(22, 95)),
		frame(6, client, server, 1, 100, rec(22, 95)),
	)
	for i := 1; i < len(a.Rules); i++ {
		assert.LessOrEqual(t, core.CompareRules(a.Rules[i-1], a.Rules[i]), 0)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	tests := []struct {
		name   string
		frames []dissect.Frame
	}{
		{"record past frame end", []dissect.Frame{frame(4, client, server, 1, 50, rec(22, 95))}},
		{"record ends before frame", []dissect.Frame{
			frame(4, client, server, 1, 100, rec(22, 95)),
			frame(5, client, server, 101, 100, recAt(22, 10, 1)),
		}},
		{"records without payload", []dissect.Frame{frame(4, client, server, 1, 0, rec(22, 95))}},
		{"overlapping records", []dissect.Frame{
			frame(4, client, server, 1, 100, recAt(22, 95, 1)),
			frame(5, client, server, 101, 100, recAt(22, 150, 46)),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(DefaultPolicyTable(), nil).Analyze(&dissect.Result{Frames: tt.frames})
			if !errors.Is(err, core.ErrParse) {
				t.Errorf("expected ErrParse, got %v", err)
			}
		})
	}

	_, err := New(DefaultPolicyTable(), nil).Analyze(nil)
	assert.ErrorIs(t, err, core.ErrParse)
}

func TestPolicyTable(t *testing.T) {
	table := DefaultPolicyTable()
	tests := []struct {
		ct   uint8
		want core.Policy
	}{
		{20, core.FullPreserve()},
		{21, core.FullPreserve()},
		{22, core.FullPreserve()},
		{23, core.HeaderOnly(5)},
		{24, core.FullPreserve()},
		{17, core.FullPreserve()}, // unrecognized, fail-open
	}
	for _, tt := range tests {
		if got := table.For(tt.ct); got != tt.want {
			t.Errorf("For(%d) = %v, want %v", tt.ct, got, tt.want)
		}
	}

	table.PreserveApplicationData = true
	table.PreserveHandshake = false
	table.HeaderPreserveBytes = 0
	assert.Equal(t, core.FullPreserve(), table.For(23))
	assert.Equal(t, core.Masked(), table.For(22), "zero header bytes collapses to masked")
}
