// Package dissect defines the dissection collaborator: given a capture file
// it reports, per TCP frame, the stream endpoints, the sequence number and
// the TLS records completed in that frame.
package dissect

import (
	"context"
	"net/netip"
)

// Record is one TLS record reported by a dissector. Length is the value of
// the record header length field, excluding the 5 header bytes.
type Record struct {
	ContentType uint8
	Length      int
	// Seq is the sequence number of the first header byte, when the
	// dissector knows it. Otherwise records are laid out contiguously.
	Seq    uint32
	HasSeq bool
}

// Frame is the dissector's view of one TCP frame. Records lists the TLS
// records whose last byte lies in this frame.
type Frame struct {
	Number     int
	Src        netip.AddrPort
	Dst        netip.AddrPort
	Seq        uint32
	PayloadLen int
	Records    []Record
}

// Result is the output of one dissection run.
type Result struct {
	Tool   string
	Frames []Frame
	// AbsoluteSeq is set when Frame.Seq values are raw TCP sequence numbers.
	AbsoluteSeq bool
}

// RecordCount returns the number of TLS records across all frames.
func (r *Result) RecordCount() int {
	n := 0
	for i := range r.Frames {
		n += len(r.Frames[i].Records)
	}
	return n
}

// Dissector is implemented by TShark and Builtin. Implementations return
// errors wrapping core.ErrToolUnavailable or core.ErrParse so the executor
// can choose a fallback.
type Dissector interface {
	Name() string
	Dissect(ctx context.Context, path string) (*Result, error)
}
