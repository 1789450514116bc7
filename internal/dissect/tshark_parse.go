package dissect

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"firestige.xyz/pktmask/internal/core"
)

// Field order of the tshark -T fields output.
var tsharkFields = []string{
	"frame.number",
	"ip.src",
	"ip.dst",
	"ipv6.src",
	"ipv6.dst",
	"tcp.srcport",
	"tcp.dstport",
	"tcp.seq",
	"tcp.len",
	"tls.record.content_type",
	"tls.record.opaque_type",
	"tls.record.length",
}

const (
	fieldFrame = iota
	fieldIPSrc
	fieldIPDst
	fieldIPv6Src
	fieldIPv6Dst
	fieldSrcPort
	fieldDstPort
	fieldSeq
	fieldLen
	fieldContentType
	fieldOpaqueType
	fieldRecordLen
)

const maxLineLen = 4 << 20

// ParseFields parses tshark -T fields output produced with the arguments of
// TShark.Args. Lines without an IP layer are skipped.
func ParseFields(r io.Reader) ([]Frame, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineLen)

	var frames []Frame
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			continue
		}
		f, ok, err := parseLine(text)
		if err != nil {
			return nil, fmt.Errorf("%w: tshark output line %d: %v", core.ErrParse, line, err)
		}
		if ok {
			frames = append(frames, f)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: tshark output: %v", core.ErrParse, err)
	}
	return frames, nil
}

func parseLine(text string) (Frame, bool, error) {
	cols := strings.Split(text, "\t")
	if len(cols) != len(tsharkFields) {
		return Frame{}, false, fmt.Errorf("expected %d fields, got %d", len(tsharkFields), len(cols))
	}

	var f Frame
	n, err := strconv.Atoi(cols[fieldFrame])
	if err != nil || n <= 0 {
		return f, false, fmt.Errorf("bad frame number %q", cols[fieldFrame])
	}
	f.Number = n

	srcCol, dstCol := cols[fieldIPSrc], cols[fieldIPDst]
	if srcCol == "" {
		srcCol, dstCol = cols[fieldIPv6Src], cols[fieldIPv6Dst]
	}
	if srcCol == "" || cols[fieldSrcPort] == "" {
		return f, false, nil
	}

	// Tunnelled traffic repeats fields per layer; the innermost comes last.
	src, err := addrPort(lastValue(srcCol), lastValue(cols[fieldSrcPort]))
	if err != nil {
		return f, false, err
	}
	dst, err := addrPort(lastValue(dstCol), lastValue(cols[fieldDstPort]))
	if err != nil {
		return f, false, err
	}
	f.Src, f.Dst = src, dst

	seq, err := strconv.ParseUint(lastValue(cols[fieldSeq]), 10, 32)
	if err != nil {
		return f, false, fmt.Errorf("bad tcp.seq %q", cols[fieldSeq])
	}
	f.Seq = uint32(seq)
	if f.PayloadLen, err = strconv.Atoi(lastValue(cols[fieldLen])); err != nil || f.PayloadLen < 0 {
		return f, false, fmt.Errorf("bad tcp.len %q", cols[fieldLen])
	}

	f.Records, err = parseRecords(cols[fieldContentType], cols[fieldOpaqueType], cols[fieldRecordLen])
	return f, true, err
}

// parseRecords zips content types with record lengths. TLS 1.3 encrypted
// records report an opaque type instead; plaintext records always precede
// them within one frame.
func parseRecords(contentTypes, opaqueTypes, lengths string) ([]Record, error) {
	types := append(splitValues(contentTypes), splitValues(opaqueTypes)...)
	lens := splitValues(lengths)
	if len(types) != len(lens) {
		return nil, fmt.Errorf("%d record types but %d record lengths", len(types), len(lens))
	}
	if len(types) == 0 {
		return nil, nil
	}

	records := make([]Record, len(types))
	for i := range types {
		ct, err := strconv.ParseUint(types[i], 0, 8)
		if err != nil {
			return nil, fmt.Errorf("bad record content type %q", types[i])
		}
		l, err := strconv.Atoi(lens[i])
		if err != nil || l < 0 {
			return nil, fmt.Errorf("bad record length %q", lens[i])
		}
		records[i] = Record{ContentType: uint8(ct), Length: l}
	}
	return records, nil
}

func addrPort(addr, port string) (netip.AddrPort, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad address %q", addr)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad port %q", port)
	}
	return netip.AddrPortFrom(a, uint16(p)), nil
}

func splitValues(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func lastValue(s string) string {
	if i := strings.LastIndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return s
}
