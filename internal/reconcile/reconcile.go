// Package reconcile aligns the dissector's sequence numbering with the raw
// packets of the same capture. Each stream direction gets one additive
// offset, verified against every frame both views share.
package reconcile

import (
	"fmt"
	"net/netip"

	"firestige.xyz/pktmask/internal/core"
	"firestige.xyz/pktmask/internal/dissect"
)

// Raw is the raw-packet view of one TCP frame.
type Raw struct {
	Number     int
	Src        netip.AddrPort
	Dst        netip.AddrPort
	Seq        uint32
	PayloadLen int
}

// FromPacket extracts the reconciliation fields of a decoded TCP packet.
func FromPacket(p *core.Packet) Raw {
	return Raw{
		Number:     p.Frame,
		Src:        p.Src(),
		Dst:        p.Dst(),
		Seq:        p.TCP.Seq,
		PayloadLen: p.PayloadLen,
	}
}

// Mapping converts dissector sequence numbers into raw ones. It is frozen
// once built.
type Mapping struct {
	offsets  map[core.HalfStream]uint32
	absolute bool
	samples  int
}

// Build cross-references frames with raw (keyed by frame number). Frames
// without payload carry no sample. absolute asserts that the dissector
// already reports raw numbers.
func Build(frames []dissect.Frame, absolute bool, raw map[int]Raw) (*Mapping, error) {
	m := &Mapping{offsets: make(map[core.HalfStream]uint32), absolute: absolute}

	for i := range frames {
		f := &frames[i]
		r, ok := raw[f.Number]
		if !ok {
			return nil, fmt.Errorf("%w: frame %d is tcp for the dissector but not in the capture",
				core.ErrRuleInconsistency, f.Number)
		}

		dID, dDir := core.DeriveStream(f.Src, f.Dst)
		rID, rDir := core.DeriveStream(r.Src, r.Dst)
		if dID != rID || dDir != rDir {
			return nil, fmt.Errorf("%w: frame %d: dissector stream %s/%s, capture stream %s/%s",
				core.ErrRuleInconsistency, f.Number, dID, dDir, rID, rDir)
		}
		if f.PayloadLen != r.PayloadLen {
			return nil, fmt.Errorf("%w: frame %d: dissector payload %d bytes, capture %d bytes",
				core.ErrRuleInconsistency, f.Number, f.PayloadLen, r.PayloadLen)
		}
		if f.PayloadLen == 0 {
			continue
		}

		half := core.HalfStream{Stream: dID, Dir: dDir}
		offset := r.Seq - f.Seq
		if absolute && offset != 0 {
			return nil, fmt.Errorf("%w: frame %d: absolute dissector seq %d differs from capture seq %d",
				core.ErrRuleInconsistency, f.Number, f.Seq, r.Seq)
		}
		if prev, ok := m.offsets[half]; ok && prev != offset {
			return nil, fmt.Errorf("%w: %s: frame %d implies seq offset %d, earlier frames %d",
				core.ErrRuleInconsistency, half, f.Number, offset, prev)
		}
		m.offsets[half] = offset
		m.samples++
	}
	return m, nil
}

// Offset returns the offset of a stream direction.
func (m *Mapping) Offset(half core.HalfStream) (uint32, bool) {
	off, ok := m.offsets[half]
	return off, ok
}

// Len returns the number of mapped stream directions.
func (m *Mapping) Len() int { return len(m.offsets) }

// Samples returns the number of frames that contributed an offset.
func (m *Mapping) Samples() int { return m.samples }

// Absolute reports whether the mapping was asserted to be the identity.
func (m *Mapping) Absolute() bool { return m.absolute }

// Apply returns rules moved into the raw sequence space. A rule for a stream
// direction without samples cannot be placed and is an inconsistency.
func (m *Mapping) Apply(rules []core.KeepRule) ([]core.KeepRule, error) {
	out := make([]core.KeepRule, len(rules))
	for i, r := range rules {
		off, ok := m.offsets[r.Half()]
		if !ok {
			return nil, fmt.Errorf("%w: rule for %s has no sequence samples", core.ErrRuleInconsistency, r.Half())
		}
		r.Start += int64(off)
		r.End += int64(off)
		out[i] = r
	}
	return out, nil
}
