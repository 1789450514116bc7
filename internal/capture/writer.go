package capture

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"firestige.xyz/pktmask/internal/core"
)

// Writer produces a copy of the file a Reader was opened on. Bytes between
// records are copied from the source as they are; the packet bytes of each
// record given to Write come from the record, so masking shows up in the
// copy without re-encoding anything else.
type Writer struct {
	path  string
	file  *os.File
	out   *bufio.Writer
	src   *os.File
	in    *bufio.Reader
	pos   int64
	count int
}

// Create creates path as a copy of src's file.
func Create(path string, src *Reader) (*Writer, error) {
	in, err := os.Open(src.Path())
	if err != nil {
		return nil, fmt.Errorf("%w: reopen capture: %v", core.ErrIO, err)
	}
	f, err := os.Create(path)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("%w: create capture: %v", core.ErrIO, err)
	}
	return &Writer{
		path: path,
		file: f,
		out:  bufio.NewWriterSize(f, 1<<16),
		src:  in,
		in:   bufio.NewReaderSize(in, 1<<16),
	}, nil
}

// copyTo copies source bytes up to offset.
func (w *Writer) copyTo(offset int64) error {
	n := offset - w.pos
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(w.out, w.in, n); err != nil {
		return fmt.Errorf("%w: %s: copy at offset %d: %v", core.ErrIO, w.path, w.pos, err)
	}
	w.pos = offset
	return nil
}

// Write emits rec in place of the record it was read as. Records must come
// in file order and keep their length.
func (w *Writer) Write(rec Record) error {
	if rec.at.offset == 0 {
		return fmt.Errorf("%w: %s: record %d was not read from the source", core.ErrIO, w.path, w.count+1)
	}
	if rec.at.offset < w.pos {
		return fmt.Errorf("%w: %s: record %d out of file order", core.ErrIO, w.path, w.count+1)
	}
	if len(rec.Data) != rec.size {
		return fmt.Errorf("%w: %s: record %d changed length from %d to %d",
			core.ErrIO, w.path, w.count+1, rec.size, len(rec.Data))
	}

	if err := w.copyTo(rec.at.offset); err != nil {
		return err
	}
	if _, err := w.out.Write(rec.Data); err != nil {
		return fmt.Errorf("%w: %s: write record %d: %v", core.ErrIO, w.path, w.count+1, err)
	}
	if _, err := w.in.Discard(rec.size); err != nil {
		return fmt.Errorf("%w: %s: skip record %d: %v", core.ErrIO, w.path, w.count+1, err)
	}
	w.pos += int64(rec.size)
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int { return w.count }

// Close copies the rest of the source and closes the copy.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	_, err := w.out.ReadFrom(w.in)
	if ferr := w.out.Flush(); err == nil {
		err = ferr
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.src.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("%w: %s: close: %v", core.ErrIO, w.path, err)
	}
	return nil
}

// Abort closes both files without finishing the copy. The partial file is
// left for the caller to remove. It is a no-op after Close.
func (w *Writer) Abort() {
	if w.file == nil {
		return
	}
	w.file.Close()
	w.src.Close()
	w.file = nil
}
