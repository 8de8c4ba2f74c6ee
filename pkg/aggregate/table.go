package aggregate

import (
	"fmt"
	"sort"

	"github.com/memtrace/memtrace/pkg/frame"
	"github.com/memtrace/memtrace/pkg/liveset"
	"github.com/memtrace/memtrace/pkg/record"
)

// Row is one line of the flat table aggregation: a live allocation reduced
// to its innermost interesting frame plus attribution columns.
type Row struct {
	// Frame is the representative call site; zero when the record carried
	// no stack or no interesting frame.
	Frame frame.Frame
	// TID is the owning thread, or record.MergedThreadID after merging.
	TID uint64
	// ThreadName is the resolved display name for TID, possibly empty.
	ThreadName string
	Kind       record.AllocatorKind
	Address    uint64
	Size       uint64
	// AllocationCount counts the raw records collapsed into this row.
	AllocationCount uint64
}

// Thread renders the row's thread attribution.
func (r *Row) Thread() string {
	if r.TID == record.MergedThreadID {
		return "merged thread"
	}
	if r.ThreadName != "" {
		return fmt.Sprintf("0x%x (%s)", r.TID, r.ThreadName)
	}
	return fmt.Sprintf("0x%x", r.TID)
}

// BuildRows produces one row per snapshot record. Thread names resolve from
// the snapshot's tid table at this point, never from the records themselves.
func BuildRows(snap *liveset.Snapshot, frames FrameResolver, opts Options) []Row {
	rows := make([]Row, 0, len(snap.Records))
	for i := range snap.Records {
		rec := &snap.Records[i]
		row := Row{
			Frame:           representativeFrame(rec, frames, opts.Filter),
			TID:             rec.TID,
			Kind:            rec.Kind,
			Address:         rec.Address,
			Size:            rec.Size,
			AllocationCount: 1,
		}
		if opts.MergeThreads {
			row.TID = record.MergedThreadID
		} else if name, ok := snap.ThreadNames[rec.TID]; ok {
			row.ThreadName = name
		}
		rows = append(rows, row)
	}
	return rows
}

// representativeFrame picks the innermost frame that survives the filter.
func representativeFrame(rec *record.Allocation, frames FrameResolver, filter *FrameFilter) frame.Frame {
	for _, id := range rec.Stack {
		f, ok := frames.Resolve(id)
		if !ok {
			continue
		}
		if filter.Interesting(f) {
			return f
		}
	}
	return frame.Frame{}
}

// CollapseRows merges rows sharing a call site, thread, and allocator kind
// into one logical allocation, summing sizes and counts. The address column
// keeps the first address seen for the group.
func CollapseRows(rows []Row) []Row {
	type key struct {
		f    frame.Frame
		tid  uint64
		kind record.AllocatorKind
	}
	index := make(map[key]int)
	out := rows[:0]
	for _, row := range rows {
		k := key{f: row.Frame, tid: row.TID, kind: row.Kind}
		if i, ok := index[k]; ok {
			out[i].Size += row.Size
			out[i].AllocationCount += row.AllocationCount
			continue
		}
		index[k] = len(out)
		out = append(out, row)
	}
	return out
}

// SortRowsBySize orders rows largest first, ties broken by address so the
// order is stable across replays.
func SortRowsBySize(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Size != rows[j].Size {
			return rows[i].Size > rows[j].Size
		}
		return rows[i].Address < rows[j].Address
	})
}
