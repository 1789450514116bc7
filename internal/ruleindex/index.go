// Package ruleindex partitions keep rules into sorted, non-overlapping
// full-preserve and header-only range lists per stream direction.
// Overlapping rules resolve to the most preserving policy.
package ruleindex

import (
	"fmt"
	"slices"
	"sort"

	"firestige.xyz/pktmask/internal/core"
)

// Range is a half-open range of extended sequence numbers kept verbatim.
type Range struct {
	Start int64
	End   int64
}

// HeaderRange covers bytes of header-only rules. Bytes in
// [Start, min(KeepEnd, End)) are kept, the rest of the range is filled.
type HeaderRange struct {
	Start   int64
	End     int64
	KeepEnd int64
}

// Kept returns the preserved prefix of the range.
func (h HeaderRange) Kept() Range {
	return Range{Start: h.Start, End: min(max(h.KeepEnd, h.Start), h.End)}
}

// Ranges is the index entry of one stream direction.
type Ranges struct {
	Full   []Range
	Header []HeaderRange
	anchor int64
}

// Anchor returns the lowest rule start of the direction. Raw sequence
// numbers are extended relative to it.
func (r *Ranges) Anchor() int64 { return r.anchor }

// FullOverlapping returns the full-preserve ranges that intersect [s, e).
// The result aliases the index.
func (r *Ranges) FullOverlapping(s, e int64) []Range {
	i := sort.Search(len(r.Full), func(i int) bool { return r.Full[i].End > s })
	j := sort.Search(len(r.Full), func(j int) bool { return r.Full[j].Start >= e })
	if i >= j {
		return nil
	}
	return r.Full[i:j]
}

// HeaderOverlapping returns the header ranges that intersect [s, e).
func (r *Ranges) HeaderOverlapping(s, e int64) []HeaderRange {
	i := sort.Search(len(r.Header), func(i int) bool { return r.Header[i].End > s })
	j := sort.Search(len(r.Header), func(j int) bool { return r.Header[j].Start >= e })
	if i >= j {
		return nil
	}
	return r.Header[i:j]
}

// Stats counts index contents.
type Stats struct {
	Rules        int
	Halves       int
	FullRanges   int
	HeaderRanges int
}

// Index is read-only after Build and safe for concurrent lookups.
type Index struct {
	halves map[core.HalfStream]*Ranges
	stats  Stats
}

// Empty returns an index without streams; every packet passes through it
// unchanged.
func Empty() *Index {
	return &Index{halves: make(map[core.HalfStream]*Ranges)}
}

// Lookup returns the ranges of a stream direction.
func (ix *Index) Lookup(id core.StreamID, dir core.Direction) (*Ranges, bool) {
	r, ok := ix.halves[core.HalfStream{Stream: id, Dir: dir}]
	return r, ok
}

// HasStream reports whether any rule, masked ones included, was given for
// the stream direction.
func (ix *Index) HasStream(id core.StreamID, dir core.Direction) bool {
	_, ok := ix.halves[core.HalfStream{Stream: id, Dir: dir}]
	return ok
}

// Halves returns the indexed stream directions in canonical order.
func (ix *Index) Halves() []core.HalfStream {
	out := make([]core.HalfStream, 0, len(ix.halves))
	for h := range ix.halves {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b core.HalfStream) int {
		if c := a.Stream.Compare(b.Stream); c != 0 {
			return c
		}
		return int(a.Dir) - int(b.Dir)
	})
	return out
}

// Stats returns index counters.
func (ix *Index) Stats() Stats { return ix.stats }

// Build indexes rules. It depends on nothing but its input.
func Build(rules []core.KeepRule) (*Index, error) {
	groups := make(map[core.HalfStream][]core.KeepRule)
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		groups[r.Half()] = append(groups[r.Half()], r)
	}

	ix := Empty()
	for half, rs := range groups {
		ranges := sweep(rs)
		ix.halves[half] = ranges
		ix.stats.FullRanges += len(ranges.Full)
		ix.stats.HeaderRanges += len(ranges.Header)
	}
	ix.stats.Rules = len(rules)
	ix.stats.Halves = len(ix.halves)
	return ix, nil
}

// Coverage classes, ordered by how much they preserve.
const (
	classNone = iota
	classHeaderMasked
	classHeaderKeep
	classFull
	numClasses
)

type event struct {
	pos   int64
	class int
	delta int
}

// sweep resolves the rules of one direction. Each elementary interval
// between rule edges takes the highest class covering it.
func sweep(rules []core.KeepRule) *Ranges {
	out := &Ranges{anchor: rules[0].Start}
	events := make([]event, 0, 4*len(rules))
	add := func(s, e int64, class int) {
		if s < e {
			events = append(events, event{s, class, 1}, event{e, class, -1})
		}
	}

	for _, r := range rules {
		out.anchor = min(out.anchor, r.Start)
		switch r.Policy.Kind {
		case core.PolicyFullPreserve:
			add(r.Start, r.End, classFull)
		case core.PolicyHeaderOnly:
			keepEnd := min(r.Start+int64(r.Policy.HeaderBytes), r.End)
			add(r.Start, keepEnd, classHeaderKeep)
			add(keepEnd, r.End, classHeaderMasked)
		}
	}
	if len(events) == 0 {
		return out
	}
	sort.Slice(events, func(i, j int) bool { return events[i].pos < events[j].pos })

	var active [numClasses]int
	for i := 0; i < len(events); {
		pos := events[i].pos
		for ; i < len(events) && events[i].pos == pos; i++ {
			active[events[i].class] += events[i].delta
		}
		if i == len(events) {
			break
		}
		next := events[i].pos

		top := classNone
		for c := classFull; c > classNone; c-- {
			if active[c] > 0 {
				top = c
				break
			}
		}
		switch top {
		case classFull:
			out.addFull(pos, next)
		case classHeaderKeep:
			out.addHeader(HeaderRange{Start: pos, End: next, KeepEnd: next})
		case classHeaderMasked:
			out.addHeader(HeaderRange{Start: pos, End: next, KeepEnd: pos})
		}
	}
	return out
}

func (r *Ranges) addFull(s, e int64) {
	if n := len(r.Full); n > 0 && r.Full[n-1].End == s {
		r.Full[n-1].End = e
		return
	}
	r.Full = append(r.Full, Range{Start: s, End: e})
}

// addHeader appends h, merging with the previous piece when the result
// keeps exactly the same bytes: a fully kept piece absorbs any successor,
// and a successor with no kept prefix extends any piece.
func (r *Ranges) addHeader(h HeaderRange) {
	if n := len(r.Header); n > 0 && r.Header[n-1].End == h.Start {
		prev := &r.Header[n-1]
		switch {
		case prev.KeepEnd >= prev.End:
			prev.End, prev.KeepEnd = h.End, h.KeepEnd
			return
		case h.KeepEnd <= h.Start:
			prev.End = h.End
			return
		}
	}
	r.Header = append(r.Header, h)
}

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }
