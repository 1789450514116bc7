package dissect

import (
	"bytes"
	"testing"
)

func TestSegmentListInsertInOrder(t *testing.T) {
	var l segmentList
	l.insert(100, []byte("hello"), 1)
	l.insert(105, []byte(" world"), 2)

	if got := l.contiguousEnd(100); got != 111 {
		t.Fatalf("contiguousEnd = %d, want 111", got)
	}
	buf := make([]byte, 11)
	if !l.read(buf, 100) || string(buf) != "hello world" {
		t.Errorf("read = %q", buf)
	}
	if l.frameAt(104) != 1 || l.frameAt(105) != 2 {
		t.Errorf("frameAt mismatch: %d %d", l.frameAt(104), l.frameAt(105))
	}
	if l.frameAt(111) != 0 {
		t.Error("byte past the end has no frame")
	}
}

func TestSegmentListFirstArrivalWins(t *testing.T) {
	var l segmentList
	l.insert(10, []byte("AAAA"), 1)   // [10,14)
	l.insert(12, []byte("BBBBBB"), 2) // [12,18), only [14,18) is new

	buf := make([]byte, 8)
	if !l.read(buf, 10) {
		t.Fatal("range should be contiguous")
	}
	if want := []byte("AAAABBBB"); !bytes.Equal(buf, want) {
		t.Errorf("got %q, want %q", buf, want)
	}
	if l.bytes != 8 {
		t.Errorf("stored %d unique bytes, want 8", l.bytes)
	}
}

func TestSegmentListSpanningInsertFillsEveryGap(t *testing.T) {
	var l segmentList
	l.insert(0, []byte("aa"), 1) // [0,2)
	l.insert(4, []byte("bb"), 2) // [4,6)
	l.insert(8, []byte("cc"), 3) // [8,10)
	l.insert(0, []byte("XXXXXXXXXXXX"), 4)

	buf := make([]byte, 12)
	if !l.read(buf, 0) {
		t.Fatal("all gaps should have been filled")
	}
	if want := "aaXXbbXXccXX"; string(buf) != want {
		t.Errorf("got %q, want %q", buf, want)
	}
	if l.frameAt(2) != 4 || l.frameAt(5) != 2 || l.frameAt(11) != 4 {
		t.Errorf("gap pieces attributed to wrong frames")
	}
	if len(l.segs) != 6 {
		t.Errorf("expected 6 pieces, got %d", len(l.segs))
	}
}

func TestSegmentListOutOfOrder(t *testing.T) {
	var l segmentList
	l.insert(20, []byte("world"), 2)
	if l.contiguousEnd(15) != 15 {
		t.Error("missing start byte means no contiguous data")
	}
	l.insert(15, []byte("hello"), 1)
	if got := l.contiguousEnd(15); got != 25 {
		t.Errorf("contiguousEnd = %d, want 25", got)
	}
}

func TestSegmentListReadAcrossGap(t *testing.T) {
	var l segmentList
	l.insert(0, []byte("abc"), 1)
	l.insert(5, []byte("fgh"), 2)

	buf := make([]byte, 6)
	if l.read(buf, 0) {
		t.Error("read across a gap must fail")
	}
	short := make([]byte, 2)
	if !l.read(short, 1) || string(short) != "bc" {
		t.Errorf("read from the middle of a segment: %q", short)
	}
	if l.contiguousEnd(1) != 3 {
		t.Errorf("contiguousEnd from mid-segment = %d", l.contiguousEnd(1))
	}
}

func TestSegmentListDuplicateIgnored(t *testing.T) {
	var l segmentList
	l.insert(0, []byte("abcd"), 1)
	l.insert(0, []byte("wxyz"), 2)
	l.insert(1, []byte("q"), 3)
	if len(l.segs) != 1 || l.bytes != 4 {
		t.Errorf("retransmissions must not add pieces: %d pieces, %d bytes", len(l.segs), l.bytes)
	}
}
