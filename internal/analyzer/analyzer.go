// Package analyzer turns dissector output into keep rules. Every TLS record
// is laid out in its stream direction's sequence space, classified through a
// PolicyTable and intersected with the raw segments that carried it, so each
// segment gets rules for exactly the record bytes it holds.
package analyzer

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"firestige.xyz/pktmask/internal/core"
	"firestige.xyz/pktmask/internal/dissect"
)

// Stats summarizes one analysis.
type Stats struct {
	Streams             int
	TLSStreams          int
	UnrecognizedStreams int
	Records             int
	RecordsByType       map[uint8]int
	Rules               int
}

// Analysis is the analyzer output. Rules are in the dissector's sequence
// space, sorted with core.CompareRules and free of exact duplicates.
type Analysis struct {
	Rules []core.KeepRule
	Stats Stats
}

// Analyzer is stateless between calls and safe for concurrent use.
type Analyzer struct {
	table  PolicyTable
	logger *slog.Logger
}

// New returns an analyzer. A nil logger uses slog.Default().
func New(table PolicyTable, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{table: table, logger: logger}
}

// span is a half-open range of extended sequence numbers.
type span struct {
	start int64
	end   int64
}

type record struct {
	span
	contentType uint8
	policy      core.Policy
}

// half collects one stream direction.
type half struct {
	key      core.HalfStream
	last     int64
	base     int64
	segments []span
	records  []record
	pending  []pendingRecord
}

// pendingRecord is a record without an explicit sequence number, waiting
// for cumulative layout.
type pendingRecord struct {
	rec   dissect.Record
	frame span
	num   int
}

// Analyze builds the keep rules for res.
func (a *Analyzer) Analyze(res *dissect.Result) (*Analysis, error) {
	if res == nil {
		return nil, fmt.Errorf("%w: no dissection result", core.ErrParse)
	}

	halves := make(map[core.HalfStream]*half)
	var order []*half
	for i := range res.Frames {
		f := &res.Frames[i]
		if f.PayloadLen <= 0 {
			if len(f.Records) > 0 {
				return nil, fmt.Errorf("%w: frame %d reports records without payload", core.ErrParse, f.Number)
			}
			continue
		}

		id, dir := core.DeriveStream(f.Src, f.Dst)
		key := core.HalfStream{Stream: id, Dir: dir}
		h, ok := halves[key]
		if !ok {
			seq := int64(f.Seq)
			h = &half{key: key, last: seq, base: seq}
			halves[key] = h
			order = append(order, h)
		}

		start := core.ExtendSeq(h.last, f.Seq)
		h.last = start
		h.base = min(h.base, start)
		seg := span{start, start + int64(f.PayloadLen)}
		h.segments = append(h.segments, seg)

		for _, r := range f.Records {
			if r.HasSeq {
				rs := core.ExtendSeq(seg.start, r.Seq)
				if err := h.addRecord(a.table, r, rs, seg, f.Number); err != nil {
					return nil, err
				}
				continue
			}
			h.pending = append(h.pending, pendingRecord{rec: r, frame: seg, num: f.Number})
		}
	}

	for _, h := range order {
		if err := h.layoutPending(a.table); err != nil {
			return nil, err
		}
		if err := h.normalize(); err != nil {
			return nil, err
		}
	}

	out := &Analysis{Stats: Stats{RecordsByType: make(map[uint8]int)}}
	streams := make(map[core.StreamID][]*half)
	var ids []core.StreamID
	for _, h := range order {
		if _, ok := streams[h.key.Stream]; !ok {
			ids = append(ids, h.key.Stream)
		}
		streams[h.key.Stream] = append(streams[h.key.Stream], h)
	}

	for _, id := range ids {
		hs := streams[id]
		out.Stats.Streams++

		tls := false
		for _, h := range hs {
			if len(h.records) > 0 {
				tls = true
			}
		}

		if !tls {
			out.Stats.UnrecognizedStreams++
			for _, h := range hs {
				out.Rules = append(out.Rules, h.wholeRule(a.table.Unrecognized))
			}
			continue
		}

		out.Stats.TLSStreams++
		for _, h := range hs {
			if len(h.records) == 0 {
				// Payload in a TLS stream that could not be framed.
				out.Rules = append(out.Rules, h.wholeRule(core.Masked()))
				continue
			}
			for _, r := range h.records {
				out.Stats.Records++
				out.Stats.RecordsByType[r.contentType]++
			}
			out.Rules = append(out.Rules, h.intersect()...)
		}
	}

	slices.SortFunc(out.Rules, core.CompareRules)
	out.Rules = slices.Compact(out.Rules)
	out.Stats.Rules = len(out.Rules)

	a.logger.Debug("record analysis finished",
		"tool", res.Tool,
		"streams", out.Stats.Streams,
		"tls_streams", out.Stats.TLSStreams,
		"unrecognized_streams", out.Stats.UnrecognizedStreams,
		"records", out.Stats.Records,
		"rules", out.Stats.Rules)
	return out, nil
}

func (h *half) addRecord(table PolicyTable, r dissect.Record, start int64, frame span, num int) error {
	if r.Length < 0 {
		return fmt.Errorf("%w: frame %d: negative record length", core.ErrParse, num)
	}
	end := start + core.TLSRecordHeaderLen + int64(r.Length)
	if end <= frame.start || end > frame.end {
		return fmt.Errorf("%w: %s: frame %d reports a record ending at %d outside its payload [%d,%d)",
			core.ErrParse, h.key, num, end, frame.start, frame.end)
	}
	h.records = append(h.records, record{
		span:        span{start, end},
		contentType: r.ContentType,
		policy:      table.For(r.ContentType),
	})
	return nil
}

// layoutPending places records without explicit sequence numbers back to
// back from the first payload byte of the direction.
func (h *half) layoutPending(table PolicyTable) error {
	cursor := h.base
	for _, p := range h.pending {
		if err := h.addRecord(table, p.rec, cursor, p.frame, p.num); err != nil {
			return err
		}
		cursor = h.records[len(h.records)-1].end
	}
	h.pending = nil
	return nil
}

// normalize sorts records and segments. Identical records reported twice
// are merged; partially overlapping records are a parse error.
func (h *half) normalize() error {
	sort.Slice(h.records, func(i, j int) bool {
		if h.records[i].start != h.records[j].start {
			return h.records[i].start < h.records[j].start
		}
		return h.records[i].end < h.records[j].end
	})
	h.records = slices.CompactFunc(h.records, func(a, b record) bool { return a.span == b.span })
	for i := 1; i < len(h.records); i++ {
		if h.records[i].start < h.records[i-1].end {
			return fmt.Errorf("%w: %s: overlapping records at %d and %d",
				core.ErrParse, h.key, h.records[i-1].start, h.records[i].start)
		}
	}

	sort.Slice(h.segments, func(i, j int) bool {
		if h.segments[i].start != h.segments[j].start {
			return h.segments[i].start < h.segments[j].start
		}
		return h.segments[i].end < h.segments[j].end
	})
	h.segments = slices.Compact(h.segments)
	return nil
}

// intersect emits one rule per (segment, record) overlap.
func (h *half) intersect() []core.KeepRule {
	var rules []core.KeepRule
	for _, seg := range h.segments {
		i := sort.Search(len(h.records), func(i int) bool { return h.records[i].end > seg.start })
		for ; i < len(h.records) && h.records[i].start < seg.end; i++ {
			r := h.records[i]
			lo, hi := max(seg.start, r.start), min(seg.end, r.end)
			if lo >= hi {
				continue
			}
			rules = append(rules, core.KeepRule{
				Stream: h.key.Stream,
				Dir:    h.key.Dir,
				Start:  lo,
				End:    hi,
				Policy: clip(r, lo, hi),
			})
		}
	}
	return rules
}

// clip restricts the policy of r to the part [lo, hi) of the record. A
// header-only policy keeps only the header bytes that fall inside [lo, hi).
func clip(r record, lo, hi int64) core.Policy {
	if r.policy.Kind != core.PolicyHeaderOnly {
		return r.policy
	}
	headerEnd := min(r.start+int64(r.policy.HeaderBytes), r.end)
	keep := min(headerEnd, hi) - lo
	if keep <= 0 {
		return core.Masked()
	}
	return core.HeaderOnly(int(keep))
}

// wholeRule covers every observed payload byte of the direction.
func (h *half) wholeRule(p core.Policy) core.KeepRule {
	end := h.base
	for _, s := range h.segments {
		end = max(end, s.end)
	}
	return core.KeepRule{Stream: h.key.Stream, Dir: h.key.Dir, Start: h.base, End: end, Policy: p}
}
