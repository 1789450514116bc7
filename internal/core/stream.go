package core

import (
	"fmt"
	"net/netip"
)

// Direction labels the two halves of a stream. Forward always runs from the
// lower endpoint to the higher one, independent of which side spoke first.
type Direction uint8

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Reverse {
		return Forward
	}
	return Reverse
}

// StreamID is the canonical identity of a TCP connection: the endpoint pair
// ordered so that Lo < Hi.
type StreamID struct {
	Lo netip.AddrPort
	Hi netip.AddrPort
}

func (s StreamID) String() string {
	return fmt.Sprintf("%s-%s", s.Lo, s.Hi)
}

// Compare orders stream ids by Lo then Hi.
func (s StreamID) Compare(o StreamID) int {
	if c := s.Lo.Compare(o.Lo); c != 0 {
		return c
	}
	return s.Hi.Compare(o.Hi)
}

// Endpoint returns the sending endpoint for a direction.
func (s StreamID) Endpoint(d Direction) netip.AddrPort {
	if d == Reverse {
		return s.Hi
	}
	return s.Lo
}

// DeriveStream is the single stream derivation rule. Every component that
// maps a packet or a dissector frame to a stream must go through it.
func DeriveStream(src, dst netip.AddrPort) (StreamID, Direction) {
	src = unmap(src)
	dst = unmap(dst)
	if src.Compare(dst) <= 0 {
		return StreamID{Lo: src, Hi: dst}, Forward
	}
	return StreamID{Lo: dst, Hi: src}, Reverse
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// HalfStream keys one direction of a stream.
type HalfStream struct {
	Stream StreamID
	Dir    Direction
}

func (h HalfStream) String() string {
	return h.Stream.String() + "/" + h.Dir.String()
}

// ExtendSeq maps a 32-bit TCP sequence number into the int64 space anchored at
// anchor. Values within 2^31 of the anchor map to anchor + signed distance, so
// a stream that wraps past 2^32 stays monotonic.
func ExtendSeq(anchor int64, seq uint32) int64 {
	return anchor + int64(int32(seq-uint32(anchor)))
}
