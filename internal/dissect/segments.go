package dissect

import "sort"

// segment is a run of stream bytes with the frame that delivered them.
type segment struct {
	start int64
	end   int64
	frame int
	data  []byte
}

// segmentList keeps the bytes of one stream direction ordered by sequence
// number without overlap. On overlap the bytes that arrived first win and
// only the uncovered gaps of a later segment are stored, however many
// existing segments it spans.
type segmentList struct {
	segs  []segment
	bytes int64
}

// insert adds data at [start, start+len(data)). data is copied.
func (l *segmentList) insert(start int64, data []byte, frame int) {
	end := start + int64(len(data))
	if start >= end {
		return
	}

	// First segment that ends after start.
	i := sort.Search(len(l.segs), func(i int) bool { return l.segs[i].end > start })

	var gaps []segment
	cursor := start
	for ; i < len(l.segs) && l.segs[i].start < end; i++ {
		s := l.segs[i]
		if s.start > cursor {
			gaps = append(gaps, l.piece(cursor, s.start, start, data, frame))
		}
		if s.end > cursor {
			cursor = s.end
		}
	}
	if cursor < end {
		gaps = append(gaps, l.piece(cursor, end, start, data, frame))
	}
	if len(gaps) == 0 {
		return
	}

	l.segs = append(l.segs, gaps...)
	sort.Slice(l.segs, func(a, b int) bool { return l.segs[a].start < l.segs[b].start })
}

func (l *segmentList) piece(from, to, base int64, data []byte, frame int) segment {
	buf := make([]byte, to-from)
	copy(buf, data[from-base:to-base])
	l.bytes += to - from
	return segment{start: from, end: to, frame: frame, data: buf}
}

// contiguousEnd returns the end of the gap-free run of bytes starting at
// from, or from itself if that byte is missing.
func (l *segmentList) contiguousEnd(from int64) int64 {
	i := l.find(from)
	if i < 0 {
		return from
	}
	end := l.segs[i].end
	for i++; i < len(l.segs) && l.segs[i].start == end; i++ {
		end = l.segs[i].end
	}
	return end
}

// read fills dst with the bytes starting at pos. It reports false when the
// range is not fully present.
func (l *segmentList) read(dst []byte, pos int64) bool {
	i := l.find(pos)
	if i < 0 {
		return false
	}
	off, at := 0, pos
	for off < len(dst) {
		if i >= len(l.segs) || l.segs[i].start > at {
			return false
		}
		s := l.segs[i]
		off += copy(dst[off:], s.data[at-s.start:])
		at = pos + int64(off)
		i++
	}
	return true
}

// frameAt returns the frame that delivered the byte at pos, or 0.
func (l *segmentList) frameAt(pos int64) int {
	if i := l.find(pos); i >= 0 {
		return l.segs[i].frame
	}
	return 0
}

// find returns the index of the segment holding pos, or -1.
func (l *segmentList) find(pos int64) int {
	i := sort.Search(len(l.segs), func(i int) bool { return l.segs[i].end > pos })
	if i < len(l.segs) && l.segs[i].start <= pos {
		return i
	}
	return -1
}
