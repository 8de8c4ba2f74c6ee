package liveset

import (
	"io"

	"github.com/memtrace/memtrace/pkg/record"
)

// HighWatermark locates the peak of total live bytes in a stream.
type HighWatermark struct {
	// Bytes is the peak total of live bytes.
	Bytes uint64
	// Position is the number of allocation records replayed when the peak
	// was first reached. Later positions attaining the same total do not
	// move it.
	Position uint64
}

// OpenFunc opens a fresh replay of the same stream from position zero.
// The high-watermark search replays the stream twice.
type OpenFunc func() (Source, error)

// shadow tracks only live byte totals: an address to size map plus the live
// ranges, without retaining stacks or record payloads. Its memory is bounded
// by the peak live-set size, not the stream length.
type shadow struct {
	cells     map[uint64]uint64
	ranges    spanSet
	liveBytes uint64
}

func newShadow() *shadow {
	return &shadow{cells: make(map[uint64]uint64)}
}

func (s *shadow) apply(rec *record.Allocation) {
	switch rec.Kind {
	case record.KindFree:
		s.evict(rec.Address)
	case record.KindMunmap:
		s.liveBytes -= s.ranges.remove(rec.Address, rec.End())
	case record.KindMmap:
		s.liveBytes -= s.ranges.add(rec.Address, rec.End(), nil)
		s.liveBytes += rec.Size
	case record.KindRealloc:
		if rec.OldAddress != 0 && rec.OldAddress != rec.Address {
			s.evict(rec.OldAddress)
		}
		s.insert(rec.Address, rec.Size)
	default:
		s.insert(rec.Address, rec.Size)
	}
}

func (s *shadow) insert(addr, size uint64) {
	s.evict(addr)
	s.cells[addr] = size
	s.liveBytes += size
}

func (s *shadow) evict(addr uint64) {
	if prev, ok := s.cells[addr]; ok {
		s.liveBytes -= prev
		delete(s.cells, addr)
	}
}

// FindHighWatermark runs the first pass: a full replay maintaining only the
// running live-byte total, returning where it first peaked.
func FindHighWatermark(src Source) (HighWatermark, error) {
	sh := newShadow()
	var hw HighWatermark
	var pos uint64
	for {
		rec, err := src.Next()
		if err == io.EOF {
			return hw, nil
		}
		if err != nil {
			return hw, err
		}
		alloc, ok := rec.(*record.Allocation)
		if !ok {
			continue
		}
		pos++
		sh.apply(alloc)
		if sh.liveBytes > hw.Bytes {
			hw.Bytes = sh.liveBytes
			hw.Position = pos
		}
	}
}

// HighWatermarkSnapshot computes the peak of live bytes over the whole
// stream and materializes the live set at that point. The stream must be
// closed and complete; open is invoked twice, once per pass.
func HighWatermarkSnapshot(open OpenFunc) (*Snapshot, HighWatermark, error) {
	first, err := open()
	if err != nil {
		return nil, HighWatermark{}, err
	}
	hw, err := FindHighWatermark(first)
	if err != nil {
		return nil, HighWatermark{}, err
	}
	second, err := open()
	if err != nil {
		return nil, hw, err
	}
	x := NewIndex()
	if err := x.Replay(second, hw.Position); err != nil {
		return nil, hw, err
	}
	return x.Snapshot(), hw, nil
}
