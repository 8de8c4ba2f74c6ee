// Package liveset reconstructs the set of live allocations at any point of a
// trace by replaying records in sequence order. It also implements the
// two-pass high-watermark search over a closed stream.
package liveset

import (
	"io"

	"github.com/memtrace/memtrace/pkg/record"
)

// Source yields records in stream order. record.Decoder satisfies it.
// Next returns io.EOF after the last available record.
type Source interface {
	Next() (record.Record, error)
}

// Snapshot is the set of allocations live after replaying a prefix of the
// stream. It is a derived value: it holds copies and never changes once
// taken, so a reporter can render it without synchronization.
type Snapshot struct {
	// Records holds one entry per live allocation. Mapped ranges that were
	// partially unmapped appear as one entry per surviving piece.
	Records []record.Allocation
	// ThreadNames maps tids to display names gathered from the replayed
	// prefix, consulted at render time.
	ThreadNames map[uint64]string
	// Position is the number of allocation records replayed to produce the
	// snapshot.
	Position uint64
	// LiveBytes is the total size of all live allocations.
	LiveBytes uint64
}

// Index is the live allocation table. Replaying records keeps it equal, at
// every position, to the set of allocations live at that position.
//
// An Index is single-replay state: it is not safe for concurrent use, and
// independent queries against the same stream each build their own.
type Index struct {
	cells       map[uint64]*record.Allocation
	ranges      spanSet
	threadNames map[uint64]string
	liveBytes   uint64
	position    uint64
}

func NewIndex() *Index {
	return &Index{
		cells:       make(map[uint64]*record.Allocation),
		threadNames: make(map[uint64]string),
	}
}

// Apply replays one record. Allocation records insert or evict entries;
// thread-name records update the tid table; anything else is ignored.
func (x *Index) Apply(rec record.Record) {
	switch rec := rec.(type) {
	case *record.Allocation:
		x.applyAllocation(rec)
	case *record.ThreadName:
		x.threadNames[rec.TID] = rec.Name
	}
}

func (x *Index) applyAllocation(rec *record.Allocation) {
	x.position++
	switch rec.Kind {
	case record.KindFree:
		// A free with no live occupant is expected: the allocation may
		// predate tracking.
		x.evictCell(rec.Address)
	case record.KindMunmap:
		x.liveBytes -= x.ranges.remove(rec.Address, rec.End())
	case record.KindMmap:
		x.liveBytes -= x.ranges.add(rec.Address, rec.End(), rec)
		x.liveBytes += rec.Size
	case record.KindRealloc:
		if rec.OldAddress != 0 && rec.OldAddress != rec.Address {
			x.evictCell(rec.OldAddress)
		}
		x.insertCell(rec)
	default:
		x.insertCell(rec)
	}
}

func (x *Index) insertCell(rec *record.Allocation) {
	// Address reuse collapses to the newest occupant.
	x.evictCell(rec.Address)
	x.cells[rec.Address] = rec
	x.liveBytes += rec.Size
}

func (x *Index) evictCell(addr uint64) {
	if prev, ok := x.cells[addr]; ok {
		x.liveBytes -= prev.Size
		delete(x.cells, addr)
	}
}

// LiveBytes returns the current total of live bytes.
func (x *Index) LiveBytes() uint64 {
	return x.liveBytes
}

// Position returns the number of allocation records applied so far.
func (x *Index) Position() uint64 {
	return x.position
}

// ThreadName resolves a tid display name from the replayed prefix.
func (x *Index) ThreadName(tid uint64) (string, bool) {
	name, ok := x.threadNames[tid]
	return name, ok
}

// Snapshot materializes the current live set.
func (x *Index) Snapshot() *Snapshot {
	snap := &Snapshot{
		Records:     make([]record.Allocation, 0, len(x.cells)+len(x.ranges.spans)),
		ThreadNames: make(map[uint64]string, len(x.threadNames)),
		Position:    x.position,
		LiveBytes:   x.liveBytes,
	}
	for _, rec := range x.cells {
		snap.Records = append(snap.Records, *rec)
	}
	for _, sp := range x.ranges.spans {
		piece := *sp.rec
		piece.Address = sp.start
		piece.Size = sp.end - sp.start
		snap.Records = append(snap.Records, piece)
	}
	for tid, name := range x.threadNames {
		snap.ThreadNames[tid] = name
	}
	return snap
}

// Replay feeds records from src into the index until io.EOF or, when limit
// is positive, until limit allocation records have been applied.
func (x *Index) Replay(src Source, limit uint64) error {
	for {
		rec, err := src.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		x.Apply(rec)
		if limit > 0 && x.position >= limit {
			return nil
		}
	}
}

// CurrentSnapshot replays src to the end of the currently available records
// and returns the resulting live set.
func CurrentSnapshot(src Source) (*Snapshot, error) {
	x := NewIndex()
	if err := x.Replay(src, 0); err != nil {
		return nil, err
	}
	return x.Snapshot(), nil
}
