package record

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/memtrace/memtrace/pkg/frame"
	"github.com/memtrace/memtrace/pkg/util/varint"
)

// Version is the wire format version understood by this package.
const Version uint16 = 1

var (
	headerMagic  = [4]byte{'M', 'T', 'R', 'C'}
	trailerMagic = [4]byte{'M', 'T', 'R', 'L'}
)

// HeaderSize is the fixed length of the stream preamble before the header
// metadata block.
const HeaderSize = 6

// TrailerSize is the fixed length of the file trailer: the footer offset
// followed by the trailer magic.
const TrailerSize = 12

// ErrCorruptRecord reports malformed or out-of-order wire data. The stream
// is assumed immutable, so the error is not retryable.
var ErrCorruptRecord = errors.New("corrupt record")

// ErrTruncated is the ErrCorruptRecord variant for a stream that ends in
// the middle of a record. Readers replaying an interrupted capture match on
// it to stop at the last whole record.
var ErrTruncated = fmt.Errorf("%w: truncated", ErrCorruptRecord)

func corruptf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorruptRecord, fmt.Sprintf(format, args...))
}

func (d *Decoder) fail(what string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %s", ErrTruncated, what)
	}
	return corruptf("%s: %v", what, err)
}

const (
	tagFrameDefine byte = iota + 1
	tagAllocation
	tagThreadName
	tagFooter
)

const (
	maxStringLen  = 64 << 10
	maxStackDepth = 64 << 10
)

// Encoder serializes records to a byte stream. Records are staged in an
// internal buffer and written out whole, so a consumer never observes a
// partial record on a transport boundary.
type Encoder struct {
	w   io.Writer
	buf bytes.Buffer
	off int64
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Offset returns the number of bytes written so far.
func (e *Encoder) Offset() int64 {
	return e.off
}

// WriteHeader writes the stream preamble followed by the provisional
// metadata block. Totals and end time are finalized by the footer.
func (e *Encoder) WriteHeader(meta Metadata) error {
	e.buf.Reset()
	e.buf.Write(headerMagic[:])
	var version [2]byte
	binary.BigEndian.PutUint16(version[:], Version)
	e.buf.Write(version[:])
	encodeMetadata(&e.buf, meta)
	return e.flush()
}

// Encode appends one record to the stream.
func (e *Encoder) Encode(r Record) error {
	e.buf.Reset()
	e.buf.WriteByte(r.tag())
	switch r := r.(type) {
	case *FrameDefine:
		putUvarint(&e.buf, uint64(r.ID))
		putString(&e.buf, r.Frame.Function)
		putString(&e.buf, r.Frame.File)
		putUvarint(&e.buf, uint64(r.Frame.Line))
	case *Allocation:
		putUvarint(&e.buf, r.Seq)
		putUvarint(&e.buf, r.TID)
		putUvarint(&e.buf, r.Address)
		putUvarint(&e.buf, r.Size)
		e.buf.WriteByte(byte(r.Kind))
		if r.Kind == KindRealloc {
			putUvarint(&e.buf, r.OldAddress)
		}
		putUvarint(&e.buf, uint64(len(r.Stack)))
		for _, id := range r.Stack {
			putUvarint(&e.buf, uint64(id))
		}
	case *ThreadName:
		putUvarint(&e.buf, r.TID)
		putString(&e.buf, r.Name)
	case *Footer:
		encodeMetadata(&e.buf, r.Metadata)
	default:
		return fmt.Errorf("unsupported record type %T", r)
	}
	return e.flush()
}

// WriteTrailer writes the fixed-size trailer pointing back at the footer
// record. Only the file transport carries a trailer.
func (e *Encoder) WriteTrailer(footerOffset int64) error {
	e.buf.Reset()
	var b [TrailerSize]byte
	binary.BigEndian.PutUint64(b[:8], uint64(footerOffset))
	copy(b[8:], trailerMagic[:])
	e.buf.Write(b[:])
	return e.flush()
}

func (e *Encoder) flush() error {
	n, err := e.w.Write(e.buf.Bytes())
	e.off += int64(n)
	return err
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	buf.Write(scratch[:n])
}

func putString(buf *bytes.Buffer, s string) {
	putUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func encodeMetadata(buf *bytes.Buffer, meta Metadata) {
	putUvarint(buf, uint64(timeToNanos(meta.StartTime)))
	putUvarint(buf, uint64(timeToNanos(meta.EndTime)))
	putUvarint(buf, meta.TotalAllocations)
	putUvarint(buf, meta.TotalFrames)
	putUvarint(buf, uint64(meta.PID))
	putString(buf, meta.CommandLine)
}

func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosToTime(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n))
}

// ParseTrailer decodes a trailer read from the last TrailerSize bytes of a
// file and returns the footer offset.
func ParseTrailer(b []byte) (int64, error) {
	if len(b) != TrailerSize || !bytes.Equal(b[8:], trailerMagic[:]) {
		return 0, corruptf("bad trailer")
	}
	return int64(binary.BigEndian.Uint64(b[:8])), nil
}

// Decoder reads records back from a stream. It validates frame references:
// every frame id used by an allocation must have been defined by an earlier
// FrameDefine record. A decoder may stop after any whole record and resume
// later without losing alignment.
type Decoder struct {
	r      *bufio.Reader
	frames *frame.Table
	meta   Metadata
	header bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:      bufio.NewReader(r),
		frames: frame.NewTable(),
	}
}

// NewDecoderAt builds a decoder over a stream already positioned at a
// record boundary past the header, e.g. at a footer offset taken from the
// file trailer. Records read this way must not reference frames.
func NewDecoderAt(r io.Reader) *Decoder {
	d := NewDecoder(r)
	d.header = true
	return d
}

// Frames exposes the frame table accumulated from definition records.
func (d *Decoder) Frames() *frame.Table {
	return d.frames
}

// ReadHeader consumes and returns the stream header metadata. It must be
// called before Next.
func (d *Decoder) ReadHeader() (Metadata, error) {
	var preamble [HeaderSize]byte
	if _, err := io.ReadFull(d.r, preamble[:]); err != nil {
		return Metadata{}, corruptf("short header: %v", err)
	}
	if !bytes.Equal(preamble[:4], headerMagic[:]) {
		return Metadata{}, corruptf("bad magic %q", preamble[:4])
	}
	if v := binary.BigEndian.Uint16(preamble[4:]); v != Version {
		return Metadata{}, corruptf("unsupported version %d", v)
	}
	meta, err := d.decodeMetadata()
	if err != nil {
		return Metadata{}, err
	}
	d.meta = meta
	d.header = true
	return meta, nil
}

// Next decodes the next record. It returns io.EOF exactly at a record
// boundary at the end of the stream; a stream ending inside a record is
// reported as ErrCorruptRecord.
func (d *Decoder) Next() (Record, error) {
	if !d.header {
		if _, err := d.ReadHeader(); err != nil {
			return nil, err
		}
	}
	tag, err := d.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	switch tag {
	case tagFrameDefine:
		return d.decodeFrameDefine()
	case tagAllocation:
		return d.decodeAllocation()
	case tagThreadName:
		return d.decodeThreadName()
	case tagFooter:
		meta, err := d.decodeMetadata()
		if err != nil {
			return nil, err
		}
		return &Footer{Metadata: meta}, nil
	default:
		return nil, corruptf("unknown record tag %#x", tag)
	}
}

func (d *Decoder) decodeFrameDefine() (*FrameDefine, error) {
	id, err := d.uvarint("frame id")
	if err != nil {
		return nil, err
	}
	function, err := d.string("frame function")
	if err != nil {
		return nil, err
	}
	file, err := d.string("frame file")
	if err != nil {
		return nil, err
	}
	line, err := d.uvarint("frame line")
	if err != nil {
		return nil, err
	}
	def := &FrameDefine{
		ID:    frame.ID(id),
		Frame: frame.Frame{Function: function, File: file, Line: int(line)},
	}
	if err := d.frames.Define(def.ID, def.Frame); err != nil {
		return nil, corruptf("%v", err)
	}
	return def, nil
}

func (d *Decoder) decodeAllocation() (*Allocation, error) {
	rec := &Allocation{}
	var err error
	if rec.Seq, err = d.uvarint("sequence number"); err != nil {
		return nil, err
	}
	if rec.TID, err = d.uvarint("tid"); err != nil {
		return nil, err
	}
	if rec.Address, err = d.uvarint("address"); err != nil {
		return nil, err
	}
	if rec.Size, err = d.uvarint("size"); err != nil {
		return nil, err
	}
	kind, err := d.r.ReadByte()
	if err != nil {
		return nil, d.fail("allocator kind", err)
	}
	rec.Kind = AllocatorKind(kind)
	if !rec.Kind.Valid() {
		return nil, corruptf("unknown allocator kind %d", kind)
	}
	if rec.Kind == KindRealloc {
		if rec.OldAddress, err = d.uvarint("realloc old address"); err != nil {
			return nil, err
		}
	}
	depth, err := d.uvarint("stack depth")
	if err != nil {
		return nil, err
	}
	if depth > maxStackDepth {
		return nil, corruptf("stack depth %d exceeds limit", depth)
	}
	if depth > 0 {
		rec.Stack = make([]frame.ID, depth)
		for i := range rec.Stack {
			id, err := d.uvarint("stack frame id")
			if err != nil {
				return nil, err
			}
			if int(id) >= d.frames.Len() {
				return nil, corruptf("reference to undefined frame %d", id)
			}
			rec.Stack[i] = frame.ID(id)
		}
	}
	return rec, nil
}

func (d *Decoder) decodeThreadName() (*ThreadName, error) {
	tid, err := d.uvarint("tid")
	if err != nil {
		return nil, err
	}
	name, err := d.string("thread name")
	if err != nil {
		return nil, err
	}
	return &ThreadName{TID: tid, Name: name}, nil
}

func (d *Decoder) decodeMetadata() (Metadata, error) {
	var meta Metadata
	start, err := d.uvarint("start time")
	if err != nil {
		return meta, err
	}
	end, err := d.uvarint("end time")
	if err != nil {
		return meta, err
	}
	if meta.TotalAllocations, err = d.uvarint("total allocations"); err != nil {
		return meta, err
	}
	if meta.TotalFrames, err = d.uvarint("total frames"); err != nil {
		return meta, err
	}
	pid, err := d.uvarint("pid")
	if err != nil {
		return meta, err
	}
	cmdline, err := d.string("command line")
	if err != nil {
		return meta, err
	}
	meta.StartTime = nanosToTime(start)
	meta.EndTime = nanosToTime(end)
	meta.PID = int(pid)
	meta.CommandLine = cmdline
	return meta, nil
}

func (d *Decoder) uvarint(what string) (uint64, error) {
	v, err := varint.Read(d.r)
	if err != nil {
		return 0, d.fail(what, err)
	}
	return v, nil
}

func (d *Decoder) string(what string) (string, error) {
	n, err := d.uvarint(what)
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", corruptf("%s length %d exceeds limit", what, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return "", d.fail(what, err)
	}
	return string(b), nil
}
