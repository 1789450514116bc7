// Package capture reads pcap and pcapng files through gopacket/pcapgo and
// writes rewritten copies of them. A copy keeps every byte of the input
// container, including file and block headers, options and byte order; only
// the packet bytes of records passed to the Writer are replaced.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/pktmask/internal/core"
)

// Format is the capture container type.
type Format uint8

const (
	FormatPcap Format = iota
	FormatPcapNG
)

func (f Format) String() string {
	if f == FormatPcapNG {
		return "pcapng"
	}
	return "pcap"
}

// File magic numbers, as read big-endian from the first four bytes.
const (
	magicMicros        = 0xa1b2c3d4
	magicMicrosSwapped = 0xd4c3b2a1
	magicNanos         = 0xa1b23c4d
	magicNanosSwapped  = 0x4d3cb2a1
	magicNgSection     = 0x0a0d0d0a
)

// Header describes the container of a capture file.
type Header struct {
	Format   Format
	LinkType core.LinkType
	Snaplen  uint32
	// Nanos is set for classic pcap files with nanosecond timestamps.
	Nanos bool
	// Interfaces holds the pcapng interface descriptions read so far.
	Interfaces []pcapgo.NgInterface
}

// Record is one packet record of a capture file. Data may be modified in
// place but must keep its length.
type Record struct {
	Data     []byte
	Info     core.CaptureInfo
	LinkType core.LinkType

	at   location
	size int
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Reader reads packet records sequentially.
type Reader struct {
	path  string
	file  *os.File
	src   packetReader
	ng    *pcapgo.NgReader
	hdr   Header
	lay   *layout
	links map[int]core.LinkType
	count int
}

// Open opens path and detects its container format from the file magic.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open capture: %v", core.ErrIO, err)
	}

	r, err := newReader(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if r.lay, err = newLayout(path, r.hdr.Format); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(path string, f *os.File) (*Reader, error) {
	br := bufio.NewReaderSize(f, 1<<16)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read file magic: %v", core.ErrParse, path, err)
	}

	r := &Reader{path: path, file: f, links: make(map[int]core.LinkType)}
	switch binary.BigEndian.Uint32(magic) {
	case magicMicros, magicMicrosSwapped, magicNanos, magicNanosSwapped:
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrParse, path, err)
		}
		m := binary.BigEndian.Uint32(magic)
		r.src = pr
		r.hdr = Header{
			Format:   FormatPcap,
			LinkType: core.LinkType(pr.LinkType()),
			Snaplen:  pr.Snaplen(),
			Nanos:    m == magicNanos || m == magicNanosSwapped,
		}
	case magicNgSection:
		// Mixed link types must be delivered, not skipped, or records
		// would go missing from the output.
		ng, err := pcapgo.NewNgReader(br, pcapgo.NgReaderOptions{WantMixedLinkType: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrParse, path, err)
		}
		r.src = ng
		r.ng = ng
		r.hdr = Header{Format: FormatPcapNG}
	default:
		return nil, fmt.Errorf("%w: %s: unknown capture format (magic %x)", core.ErrParse, path, magic)
	}
	return r, nil
}

// Header returns the container description. For pcapng the interface list
// grows as description blocks are read, so it is complete after the last
// record.
func (r *Reader) Header() Header {
	if r.ng == nil {
		return r.hdr
	}
	for i := len(r.hdr.Interfaces); i < r.ng.NInterfaces(); i++ {
		intf, err := r.ng.Interface(i)
		if err != nil {
			break
		}
		if i == 0 {
			r.hdr.LinkType = core.LinkType(intf.LinkType)
		}
		r.hdr.Snaplen = max(r.hdr.Snaplen, intf.SnapLength)
		r.hdr.Interfaces = append(r.hdr.Interfaces, intf)
	}
	return r.hdr
}

// Count returns the number of records read so far.
func (r *Reader) Count() int { return r.count }

// Next returns the next record, or io.EOF at the end of the file. The
// returned Data is owned by the caller.
func (r *Reader) Next() (Record, error) {
	data, ci, err := r.src.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: %s: record %d: %v", core.ErrParse, r.path, r.count+1, err)
	}
	at, err := r.lay.next()
	if err != nil {
		return Record{}, err
	}
	if int64(len(data)) > at.room {
		return Record{}, fmt.Errorf("%w: %s: record %d: %d bytes do not fit the %d byte block at offset %d",
			core.ErrParse, r.path, r.count+1, len(data), at.room, at.offset)
	}
	r.count++

	return Record{
		at:   at,
		size: len(data),
		Data: data,
		Info: core.CaptureInfo{
			Timestamp:      ci.Timestamp,
			CaptureLength:  ci.CaptureLength,
			Length:         ci.Length,
			InterfaceIndex: ci.InterfaceIndex,
		},
		LinkType: r.linkTypeOf(ci.InterfaceIndex),
	}, nil
}

func (r *Reader) linkTypeOf(ifIndex int) core.LinkType {
	if r.ng == nil {
		return r.hdr.LinkType
	}
	if lt, ok := r.links[ifIndex]; ok {
		return lt
	}
	lt := r.hdr.LinkType
	if intf, err := r.ng.Interface(ifIndex); err == nil {
		lt = core.LinkType(intf.LinkType)
	}
	r.links[ifIndex] = lt
	return lt
}

// Path returns the file the reader was opened on.
func (r *Reader) Path() string { return r.path }

// Close releases the file handles.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	if lerr := r.lay.close(); err == nil {
		err = lerr
	}
	r.file = nil
	return err
}

// Each opens path and calls fn for every record in order. It stops at the
// first error returned by fn.
func Each(path string, fn func(Record) error) (Header, int, error) {
	r, err := Open(path)
	if err != nil {
		return Header{}, 0, err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return r.Header(), r.Count(), nil
		}
		if err != nil {
			return r.Header(), r.Count(), err
		}
		if err := fn(rec); err != nil {
			return r.Header(), r.Count(), err
		}
	}
}
