package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"firestige.xyz/pktmask/internal/core"
)

// pcapng block types carrying packet data.
const (
	ngBlockPacket         = 0x00000002
	ngBlockSimplePacket   = 0x00000003
	ngBlockEnhancedPacket = 0x00000006
	ngBlockSectionHeader  = 0x0a0d0d0a
	ngByteOrderMagic      = 0x1a2b3c4d
)

const (
	pcapFileHeaderLen   = 24
	pcapRecordHeaderLen = 16
)

// location is where the packet bytes of one record sit in the file.
type location struct {
	offset int64
	room   int64
}

// layout walks the record framing of a capture file on its own handle and
// reports the file offset of each record's packet bytes. pcapgo decodes the
// records but does not expose where they are, and the writer needs that to
// splice masked bytes into an otherwise verbatim copy.
type layout struct {
	path  string
	file  *os.File
	r     *bufio.Reader
	pos   int64
	ng    bool
	order binary.ByteOrder
	hdr   [32]byte
}

func newLayout(path string, format Format) (*layout, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open capture: %v", core.ErrIO, err)
	}
	l := &layout{path: path, file: f, r: bufio.NewReaderSize(f, 1<<16), ng: format == FormatPcapNG}
	if !l.ng {
		if err := l.fill(0, pcapFileHeaderLen); err != nil {
			f.Close()
			return nil, err
		}
		switch binary.BigEndian.Uint32(l.hdr[:4]) {
		case magicMicros, magicNanos:
			l.order = binary.BigEndian
		default:
			l.order = binary.LittleEndian
		}
	}
	return l, nil
}

// fill reads the header bytes [lo, hi) into l.hdr.
func (l *layout) fill(lo, hi int) error {
	if _, err := io.ReadFull(l.r, l.hdr[lo:hi]); err != nil {
		return fmt.Errorf("%w: %s: record framing at offset %d: %v", core.ErrParse, l.path, l.pos, err)
	}
	l.pos += int64(hi - lo)
	return nil
}

func (l *layout) skip(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: %s: bad block length at offset %d", core.ErrParse, l.path, l.pos)
	}
	if _, err := l.r.Discard(int(n)); err != nil {
		return fmt.Errorf("%w: %s: record framing at offset %d: %v", core.ErrParse, l.path, l.pos, err)
	}
	l.pos += n
	return nil
}

// next returns the location of the next packet record.
func (l *layout) next() (location, error) {
	if !l.ng {
		if err := l.fill(0, pcapRecordHeaderLen); err != nil {
			return location{}, err
		}
		n := int64(l.order.Uint32(l.hdr[8:12]))
		loc := location{offset: l.pos, room: n}
		return loc, l.skip(n)
	}

	for {
		start := l.pos
		if err := l.fill(0, 8); err != nil {
			return location{}, err
		}
		// The section header type reads the same in both byte orders; every
		// other block follows the order of its section.
		typ := binary.BigEndian.Uint32(l.hdr[:4])
		consumed := int64(8)
		if typ == ngBlockSectionHeader {
			if err := l.fill(8, 12); err != nil {
				return location{}, err
			}
			consumed += 4
			if binary.BigEndian.Uint32(l.hdr[8:12]) == ngByteOrderMagic {
				l.order = binary.BigEndian
			} else {
				l.order = binary.LittleEndian
			}
		}
		if l.order == nil {
			return location{}, fmt.Errorf("%w: %s: block before section header", core.ErrParse, l.path)
		}
		if typ != ngBlockSectionHeader {
			typ = l.order.Uint32(l.hdr[:4])
		}
		total := int64(l.order.Uint32(l.hdr[4:8]))
		if total < 12 || total%4 != 0 {
			return location{}, fmt.Errorf("%w: %s: block at offset %d has length %d", core.ErrParse, l.path, start, total)
		}

		var fixed int64
		switch typ {
		case ngBlockEnhancedPacket, ngBlockPacket:
			fixed = 20
		case ngBlockSimplePacket:
			fixed = 4
		default:
			if err := l.skip(total - consumed); err != nil {
				return location{}, err
			}
			continue
		}
		if total < 8+fixed+4 {
			return location{}, fmt.Errorf("%w: %s: packet block at offset %d too short", core.ErrParse, l.path, start)
		}
		if err := l.skip(fixed); err != nil {
			return location{}, err
		}
		loc := location{offset: l.pos, room: total - 8 - fixed - 4}
		return loc, l.skip(total - 8 - fixed)
	}
}

func (l *layout) close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
