package dissect

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"firestige.xyz/pktmask/internal/capture"
	"firestige.xyz/pktmask/internal/core"
	"firestige.xyz/pktmask/internal/core/decoder"
)

// Builtin dissects TLS in process. It reassembles each stream direction
// from the raw segments and frames TLS records from the first payload byte
// until the first gap or the first bytes that are not a record header.
// Sequence numbers are reported as seen on the wire.
type Builtin struct {
	logger *slog.Logger
}

// NewBuiltin returns an in-process dissector. A nil logger uses
// slog.Default().
func NewBuiltin(logger *slog.Logger) *Builtin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builtin{logger: logger}
}

func (b *Builtin) Name() string { return "builtin" }

type direction struct {
	last int64 // extended seq of the latest segment, anchor for the next
	base int64 // first payload byte seen
	segs segmentList
}

type located struct {
	frame  int
	record Record
}

// Dissect reads path and returns one Frame per TCP packet.
func (b *Builtin) Dissect(ctx context.Context, path string) (*Result, error) {
	decoders := decoder.NewSet()
	dirs := make(map[core.HalfStream]*direction)
	var order []core.HalfStream
	var frames []Frame
	index := make(map[int]int)
	number, skipped := 0, 0

	_, _, err := capture.Each(path, func(rec capture.Record) error {
		number++
		if number%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		pkt, err := decoders.Decode(rec.LinkType, number, rec.Data, rec.Info)
		if err != nil || !pkt.IsTCP {
			if err != nil {
				skipped++
			}
			return nil
		}

		index[number] = len(frames)
		frames = append(frames, Frame{
			Number:     number,
			Src:        pkt.Src(),
			Dst:        pkt.Dst(),
			Seq:        pkt.TCP.Seq,
			PayloadLen: pkt.PayloadLen,
		})

		payload := pkt.Payload()
		if len(payload) == 0 {
			return nil
		}
		id, dir := pkt.Stream()
		half := core.HalfStream{Stream: id, Dir: dir}
		d, ok := dirs[half]
		if !ok {
			seq := int64(pkt.TCP.Seq)
			d = &direction{last: seq, base: seq}
			dirs[half] = d
			order = append(order, half)
		}
		start := core.ExtendSeq(d.last, pkt.TCP.Seq)
		d.last = start
		if start < d.base {
			d.base = start
		}
		d.segs.insert(start, payload, number)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("builtin dissection of %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tlsDirs := 0
	for _, half := range order {
		recs := dirs[half].frameRecords()
		if len(recs) > 0 {
			tlsDirs++
		}
		for _, l := range recs {
			i, ok := index[l.frame]
			if !ok {
				return nil, fmt.Errorf("%w: record delivered by unknown frame %d", core.ErrParse, l.frame)
			}
			frames[i].Records = append(frames[i].Records, l.record)
		}
	}

	res := &Result{Tool: b.Name(), Frames: frames, AbsoluteSeq: true}
	b.logger.Debug("builtin dissection finished",
		"input", path,
		"packets", number,
		"tcp_frames", len(frames),
		"directions", len(order),
		"tls_directions", tlsDirs,
		"records", res.RecordCount(),
		"undecodable", skipped)
	return res, nil
}

// frameRecords frames TLS records from the start of the direction.
func (d *direction) frameRecords() []located {
	var out []located
	var hdr [core.TLSRecordHeaderLen]byte

	pos := d.base
	end := d.segs.contiguousEnd(pos)
	for pos+core.TLSRecordHeaderLen <= end {
		if !d.segs.read(hdr[:], pos) || !validHeader(hdr) {
			break
		}
		length := int(binary.BigEndian.Uint16(hdr[3:5]))
		recEnd := pos + core.TLSRecordHeaderLen + int64(length)
		if recEnd > end {
			break
		}
		out = append(out, located{
			frame: d.segs.frameAt(recEnd - 1),
			record: Record{
				ContentType: hdr[0],
				Length:      length,
				Seq:         uint32(pos),
				HasSeq:      true,
			},
		})
		pos = recEnd
	}
	return out
}

func validHeader(hdr [core.TLSRecordHeaderLen]byte) bool {
	if !core.ContentType(hdr[0]).Known() {
		return false
	}
	// SSL 3.0 through TLS 1.3 all use major version 3.
	if hdr[1] != 3 || hdr[2] > 4 {
		return false
	}
	return int(binary.BigEndian.Uint16(hdr[3:5])) <= core.TLSMaxRecordLen
}
