package liveset

import (
	"sort"

	"github.com/memtrace/memtrace/pkg/record"
)

// span is one live mapped range [start, end). rec points at the mmap record
// that created the mapping; a partial munmap leaves several spans sharing
// the same record.
type span struct {
	start, end uint64
	rec        *record.Allocation
}

// spanSet keeps live ranges sorted by start address, non-overlapping.
type spanSet struct {
	spans []span
}

// remove drops [start, end) from the set, shrinking or splitting any
// overlapping spans, and returns the number of live bytes removed.
func (s *spanSet) remove(start, end uint64) uint64 {
	if start >= end || len(s.spans) == 0 {
		return 0
	}
	// First span that could overlap: the first one ending past start.
	lo := sort.Search(len(s.spans), func(i int) bool { return s.spans[i].end > start })
	hi := lo
	var removed uint64
	var pieces []span
	for hi < len(s.spans) && s.spans[hi].start < end {
		sp := s.spans[hi]
		overlapStart, overlapEnd := sp.start, sp.end
		if start > overlapStart {
			overlapStart = start
		}
		if end < overlapEnd {
			overlapEnd = end
		}
		removed += overlapEnd - overlapStart
		if sp.start < overlapStart {
			pieces = append(pieces, span{start: sp.start, end: overlapStart, rec: sp.rec})
		}
		if overlapEnd < sp.end {
			pieces = append(pieces, span{start: overlapEnd, end: sp.end, rec: sp.rec})
		}
		hi++
	}
	if hi == lo {
		return 0
	}
	tail := make([]span, 0, len(s.spans)-hi+len(pieces))
	tail = append(tail, pieces...)
	tail = append(tail, s.spans[hi:]...)
	s.spans = append(s.spans[:lo], tail...)
	return removed
}

// add inserts [start, end) backed by rec, evicting any previously live
// bytes in the range. It returns the number of bytes evicted.
func (s *spanSet) add(start, end uint64, rec *record.Allocation) uint64 {
	if start >= end {
		return 0
	}
	evicted := s.remove(start, end)
	i := sort.Search(len(s.spans), func(i int) bool { return s.spans[i].start > start })
	s.spans = append(s.spans, span{})
	copy(s.spans[i+1:], s.spans[i:])
	s.spans[i] = span{start: start, end: end, rec: rec}
	return evicted
}

// liveBytes returns the total length of all live spans.
func (s *spanSet) liveBytes() uint64 {
	var total uint64
	for _, sp := range s.spans {
		total += sp.end - sp.start
	}
	return total
}
