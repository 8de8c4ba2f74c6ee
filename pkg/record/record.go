// Package record defines the trace record model and the binary codec shared
// by the file and socket transports.
package record

import (
	"time"

	"github.com/memtrace/memtrace/pkg/frame"
)

// AllocatorKind identifies which allocator entry point produced an event.
type AllocatorKind uint8

const (
	KindMalloc AllocatorKind = iota
	KindCalloc
	KindValloc
	KindPvalloc
	KindMemalign
	KindPosixMemalign
	KindAlignedAlloc
	KindRealloc
	KindMmap
	KindFree
	KindMunmap

	kindCount
)

var kindNames = [...]string{
	KindMalloc:        "malloc",
	KindCalloc:        "calloc",
	KindValloc:        "valloc",
	KindPvalloc:       "pvalloc",
	KindMemalign:      "memalign",
	KindPosixMemalign: "posix_memalign",
	KindAlignedAlloc:  "aligned_alloc",
	KindRealloc:       "realloc",
	KindMmap:          "mmap",
	KindFree:          "free",
	KindMunmap:        "munmap",
}

func (k AllocatorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Valid reports whether k is a known allocator kind.
func (k AllocatorKind) Valid() bool {
	return k < kindCount
}

// IsAllocation reports whether k reserves memory at the record's address.
func (k AllocatorKind) IsAllocation() bool {
	return k != KindFree && k != KindMunmap
}

// IsRange reports whether k operates on a half-open byte range
// [address, address+size) rather than a single allocator cell.
func (k AllocatorKind) IsRange() bool {
	return k == KindMmap || k == KindMunmap
}

// MergedThreadID is the sentinel tid carried by records whose thread
// attribution has been folded away by a merge-threads aggregation.
const MergedThreadID = ^uint64(0)

// Allocation is one allocator event. Sequence numbers are globally monotonic
// across all threads of the traced process and totally order the stream.
type Allocation struct {
	Seq     uint64
	TID     uint64
	Address uint64
	// Size is the allocation or mapping length in bytes. Free records carry
	// zero; munmap records carry the length of the unmapped range.
	Size uint64
	Kind AllocatorKind
	// OldAddress is the address released by a realloc, zero otherwise.
	OldAddress uint64
	// Stack holds the interned call stack, innermost frame first. Empty
	// when no stack could be captured.
	Stack []frame.ID
}

// End returns the first address past the record's range. Only meaningful for
// range kinds.
func (a *Allocation) End() uint64 {
	return a.Address + a.Size
}

// FrameDefine introduces an interned frame. A definition always precedes the
// first record referencing its id.
type FrameDefine struct {
	ID    frame.ID
	Frame frame.Frame
}

// ThreadName attaches a display name to a thread id. It may be emitted
// before or after allocations attributed to the tid; consumers resolve names
// at render time.
type ThreadName struct {
	TID  uint64
	Name string
}

// Metadata describes a capture. It is written as the stream header with the
// totals unset and finalized in the footer when the stream closes.
type Metadata struct {
	StartTime        time.Time
	EndTime          time.Time
	TotalAllocations uint64
	TotalFrames      uint64
	CommandLine      string
	PID              int
}

// Footer carries the finalized metadata at the end of a file-backed stream.
type Footer struct {
	Metadata Metadata
}

// Record is one decoded stream element: *Allocation, *FrameDefine,
// *ThreadName or *Footer.
type Record interface {
	tag() byte
}

func (*Allocation) tag() byte  { return tagAllocation }
func (*FrameDefine) tag() byte { return tagFrameDefine }
func (*ThreadName) tag() byte  { return tagThreadName }
func (*Footer) tag() byte      { return tagFooter }
