// Package reader is the consumer side of the trace: it opens file or socket
// backed record streams and answers the snapshot queries reporters build on.
package reader

import (
	"io"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/memtrace/memtrace/pkg/frame"
	"github.com/memtrace/memtrace/pkg/liveset"
	"github.com/memtrace/memtrace/pkg/record"
)

// ErrClosedReader reports an operation on a reader after Close.
var ErrClosedReader = errors.New("reader is closed")

// FileReader reads a capture file. Replays are independent: every query
// opens its own cursor over the immutable file, so queries may run
// concurrently and repeatedly against the same reader.
type FileReader struct {
	mu     sync.Mutex
	f      *os.File
	closed bool

	meta record.Metadata
	// bodyEnd bounds replay to the records before the footer. Zero when the
	// capture was interrupted and carries no trailer; replays then stop at
	// the last whole record.
	bodyEnd int64
	size    int64

	logger log.Logger
}

// OpenFile opens a capture file and loads its metadata. A finalized file
// yields the footer metadata; an interrupted one falls back to the header.
func OpenFile(logger log.Logger, path string) (*FileReader, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open capture %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r := &FileReader{f: f, size: st.Size(), logger: logger}

	dec := record.NewDecoder(io.NewSectionReader(f, 0, r.size))
	if r.meta, err = dec.ReadHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := r.loadFooter(); err != nil {
		// Not fatal: an interrupted capture has no trailer.
		level.Debug(logger).Log("msg", "no usable footer, capture looks interrupted", "path", path, "err", err)
	}
	return r, nil
}

func (r *FileReader) loadFooter() error {
	if r.size < record.TrailerSize {
		return errors.New("file too small for trailer")
	}
	buf := make([]byte, record.TrailerSize)
	if _, err := r.f.ReadAt(buf, r.size-record.TrailerSize); err != nil {
		return err
	}
	footerOffset, err := record.ParseTrailer(buf)
	if err != nil {
		return err
	}
	if footerOffset <= 0 || footerOffset >= r.size-record.TrailerSize {
		return errors.New("trailer offset out of bounds")
	}
	// Frame definitions are not needed to decode the footer; skip straight
	// to it with a decoder positioned at the offset.
	fdec := newFooterDecoder(r.f, footerOffset, r.size-record.TrailerSize-footerOffset)
	footer, err := fdec.Next()
	if err != nil {
		return err
	}
	ftr, ok := footer.(*record.Footer)
	if !ok {
		return errors.New("trailer does not point at a footer record")
	}
	r.meta = ftr.Metadata
	r.bodyEnd = footerOffset
	return nil
}

// newFooterDecoder builds a decoder positioned directly at a record
// boundary inside the body.
func newFooterDecoder(f *os.File, off, n int64) *record.Decoder {
	return record.NewDecoderAt(io.NewSectionReader(f, off, n))
}

// Metadata returns the capture metadata. Finalized totals are only present
// when the capture closed cleanly.
func (r *FileReader) Metadata() (record.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return record.Metadata{}, ErrClosedReader
	}
	return r.meta, nil
}

// Stream adapts a Decoder into a truncation-tolerant replay source.
type Stream struct {
	dec *record.Decoder
}

func (s *Stream) Next() (record.Record, error) {
	rec, err := s.dec.Next()
	if errors.Is(err, record.ErrTruncated) {
		return nil, io.EOF
	}
	return rec, err
}

// Frames exposes the frame table accumulated by this replay cursor.
func (s *Stream) Frames() *frame.Table {
	return s.dec.Frames()
}

// Records opens a fresh replay cursor from position zero.
func (r *FileReader) Records() (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosedReader
	}
	end := r.size
	if r.bodyEnd > 0 {
		end = r.bodyEnd
	}
	dec := record.NewDecoder(io.NewSectionReader(r.f, 0, end))
	if _, err := dec.ReadHeader(); err != nil {
		return nil, err
	}
	return &Stream{dec: dec}, nil
}

// CurrentSnapshot replays the whole file and returns the live set at its
// end: the allocations that were never freed.
func (r *FileReader) CurrentSnapshot() (*liveset.Snapshot, *frame.Table, error) {
	src, err := r.Records()
	if err != nil {
		return nil, nil, err
	}
	snap, err := liveset.CurrentSnapshot(src)
	if err != nil {
		return nil, nil, err
	}
	return snap, src.Frames(), nil
}

// HighWatermarkSnapshot runs the two-pass peak search over the file.
func (r *FileReader) HighWatermarkSnapshot() (*liveset.Snapshot, liveset.HighWatermark, *frame.Table, error) {
	first, err := r.Records()
	if err != nil {
		return nil, liveset.HighWatermark{}, nil, err
	}
	hw, err := liveset.FindHighWatermark(first)
	if err != nil {
		return nil, hw, nil, err
	}
	second, err := r.Records()
	if err != nil {
		return nil, hw, nil, err
	}
	x := liveset.NewIndex()
	if err := x.Replay(second, hw.Position); err != nil {
		return nil, hw, nil, err
	}
	return x.Snapshot(), hw, second.Frames(), nil
}

// Stats replays the file once and summarizes it.
func (r *FileReader) Stats() (liveset.Stats, error) {
	src, err := r.Records()
	if err != nil {
		return liveset.Stats{}, err
	}
	return liveset.ComputeStats(src)
}

// Close releases the file. Every operation afterwards fails with
// ErrClosedReader.
func (r *FileReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}
