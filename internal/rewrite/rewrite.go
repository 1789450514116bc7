// Package rewrite applies a rule index to the packets of a capture: covered
// bytes are kept, everything else in a matched stream is replaced with the
// fill byte, and transport and network checksums are repaired in place.
package rewrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"firestige.xyz/pktmask/internal/capture"
	"firestige.xyz/pktmask/internal/core"
	"firestige.xyz/pktmask/internal/core/decoder"
	"firestige.xyz/pktmask/internal/ruleindex"
)

// maxPacketErrors bounds the per-packet errors kept for the result; all of
// them are counted.
const maxPacketErrors = 256

// Action is what happened to one packet.
type Action string

const (
	ActionPassthrough Action = "passthrough" // no rules for the stream, or no payload
	ActionUnchanged   Action = "unchanged"   // rules applied, bytes already as required
	ActionMasked      Action = "masked"
	ActionError       Action = "error" // needed masking, left unmodified
)

// Options configures a Rewriter.
type Options struct {
	FillByte byte
	// MaskUnmatched fills the payload of TCP packets whose stream has no
	// rules instead of passing them through.
	MaskUnmatched bool
}

// PacketError is a non-fatal failure on one packet.
type PacketError struct {
	Frame int
	Err   error
}

func (e PacketError) Error() string { return fmt.Sprintf("frame %d: %v", e.Frame, e.Err) }

func (e PacketError) Unwrap() error { return e.Err }

// Stats counts packets and bytes of one rewrite.
type Stats struct {
	Packets      int
	Passthrough  int
	Unchanged    int
	Masked       int
	Errors       int
	BytesFilled  int64
	Undecodable  int
	OutputCount  int
	PacketErrors []PacketError
}

// Rewriter applies one index to one capture. It keeps per-direction
// sequence anchors and is not safe for concurrent use.
type Rewriter struct {
	index   *ruleindex.Index
	opts    Options
	logger  *slog.Logger
	anchors map[core.HalfStream]int64
	scratch []byte
	stats   Stats
}

// New returns a rewriter for index. A nil index behaves like
// ruleindex.Empty().
func New(index *ruleindex.Index, opts Options, logger *slog.Logger) *Rewriter {
	if index == nil {
		index = ruleindex.Empty()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{
		index:   index,
		opts:    opts,
		logger:  logger,
		anchors: make(map[core.HalfStream]int64),
	}
}

// Stats returns the counters accumulated so far.
func (w *Rewriter) Stats() Stats { return w.stats }

// Rewrite masks the payload of pkt in place.
func (w *Rewriter) Rewrite(pkt *core.Packet) Action {
	w.stats.Packets++
	action := w.rewrite(pkt)
	switch action {
	case ActionPassthrough:
		w.stats.Passthrough++
	case ActionUnchanged:
		w.stats.Unchanged++
	case ActionMasked:
		w.stats.Masked++
	case ActionError:
		w.stats.Errors++
	}
	return action
}

func (w *Rewriter) rewrite(pkt *core.Packet) Action {
	if !pkt.IsTCP || pkt.PayloadLen == 0 {
		return ActionPassthrough
	}
	id, dir := pkt.Stream()
	ranges, ok := w.index.Lookup(id, dir)
	if !ok && !w.opts.MaskUnmatched {
		return ActionPassthrough
	}

	payload := pkt.Payload()
	buf := w.buffer(len(payload))
	for i := range buf {
		buf[i] = w.opts.FillByte
	}

	if ok {
		half := core.HalfStream{Stream: id, Dir: dir}
		anchor, seen := w.anchors[half]
		if !seen {
			anchor = ranges.Anchor()
		}
		start := core.ExtendSeq(anchor, pkt.TCP.Seq)
		w.anchors[half] = start
		end := start + int64(len(payload))

		for _, r := range ranges.FullOverlapping(start, end) {
			copyRange(buf, payload, start, r.Start, r.End)
		}
		for _, h := range ranges.HeaderOverlapping(start, end) {
			k := h.Kept()
			copyRange(buf, payload, start, k.Start, k.End)
		}
	}

	if bytes.Equal(buf, payload) {
		return ActionUnchanged
	}

	var reason error
	switch {
	case pkt.Truncated || len(payload) < pkt.PayloadLen:
		reason = core.ErrTruncated
	case pkt.IP.Fragment:
		reason = core.ErrFragmented
	}
	if reason != nil {
		w.packetError(pkt.Frame, reason)
		return ActionError
	}

	for i := range buf {
		if buf[i] != payload[i] {
			w.stats.BytesFilled++
		}
	}
	copy(payload, buf)
	fixChecksums(pkt)
	return ActionMasked
}

// copyRange copies the bytes of [s, e) from src to dst, both of which start
// at sequence number base.
func copyRange(dst, src []byte, base, s, e int64) {
	lo := max(s-base, 0)
	hi := min(e-base, int64(len(src)))
	if lo < hi {
		copy(dst[lo:hi], src[lo:hi])
	}
}

func (w *Rewriter) buffer(n int) []byte {
	if cap(w.scratch) < n {
		w.scratch = make([]byte, n)
	}
	return w.scratch[:n]
}

func (w *Rewriter) packetError(frame int, err error) {
	if len(w.stats.PacketErrors) < maxPacketErrors {
		w.stats.PacketErrors = append(w.stats.PacketErrors, PacketError{Frame: frame, Err: err})
	}
	w.logger.Warn("packet left unmodified", "frame", frame, "error", err)
}

// passthrough reports whether the rewriter can never modify a packet, so
// records can be copied without decoding.
func (w *Rewriter) passthrough() bool {
	return w.index.Stats().Halves == 0 && !w.opts.MaskUnmatched
}

// File rewrites the capture at in into out. Out is a byte-for-byte copy of
// in apart from masked payload bytes and the checksums covering them. The
// number of records written must equal the number read.
func (w *Rewriter) File(ctx context.Context, in, out string) (Stats, error) {
	r, err := capture.Open(in)
	if err != nil {
		return w.stats, err
	}
	defer r.Close()

	cw, err := capture.Create(out, r)
	if err != nil {
		return w.stats, err
	}
	defer cw.Abort()

	decoders := decoder.NewSet()
	copyOnly := w.passthrough()
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return w.stats, err
		}
		if r.Count()%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return w.stats, err
			}
		}

		if copyOnly {
			w.stats.Packets++
			w.stats.Passthrough++
		} else {
			pkt, err := decoders.Decode(rec.LinkType, r.Count(), rec.Data, rec.Info)
			if errors.Is(err, core.ErrUnsupportedLink) {
				return w.stats, err
			}
			if err != nil {
				// Malformed frame: it cannot be placed in a stream, so it
				// is written as captured and reported.
				w.stats.Packets++
				w.stats.Undecodable++
				w.stats.Errors++
				w.packetError(r.Count(), err)
			} else {
				w.Rewrite(&pkt)
			}
		}

		if err := cw.Write(rec); err != nil {
			return w.stats, err
		}
	}

	if err := cw.Close(); err != nil {
		return w.stats, err
	}
	w.stats.OutputCount = cw.Count()
	if cw.Count() != r.Count() {
		return w.stats, fmt.Errorf("%w: wrote %d records, read %d", core.ErrIO, cw.Count(), r.Count())
	}

	w.logger.Debug("rewrite finished",
		"input", in,
		"packets", w.stats.Packets,
		"masked", w.stats.Masked,
		"unchanged", w.stats.Unchanged,
		"passthrough", w.stats.Passthrough,
		"errors", w.stats.Errors,
		"bytes_filled", w.stats.BytesFilled)
	return w.stats, nil
}
