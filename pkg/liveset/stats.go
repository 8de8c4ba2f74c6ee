package liveset

import (
	"io"

	"github.com/memtrace/memtrace/pkg/record"
)

// Stats summarizes a full replay of a stream.
type Stats struct {
	// TotalAllocations counts allocation records, frees and unmaps included.
	TotalAllocations uint64
	// TotalBytesAllocated sums the sizes of all allocating records.
	TotalBytesAllocated uint64
	// PeakLiveBytes is the high-watermark byte total.
	PeakLiveBytes uint64
	// AllocationsByKind counts records per allocator entry point.
	AllocationsByKind map[record.AllocatorKind]uint64
	// ThreadCount is the number of distinct tids observed.
	ThreadCount int
}

// ComputeStats replays src once and accumulates summary statistics.
func ComputeStats(src Source) (Stats, error) {
	stats := Stats{AllocationsByKind: make(map[record.AllocatorKind]uint64)}
	sh := newShadow()
	threads := make(map[uint64]struct{})
	for {
		rec, err := src.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		alloc, ok := rec.(*record.Allocation)
		if !ok {
			continue
		}
		stats.TotalAllocations++
		stats.AllocationsByKind[alloc.Kind]++
		threads[alloc.TID] = struct{}{}
		stats.ThreadCount = len(threads)
		if alloc.Kind.IsAllocation() {
			stats.TotalBytesAllocated += alloc.Size
		}
		sh.apply(alloc)
		if sh.liveBytes > stats.PeakLiveBytes {
			stats.PeakLiveBytes = sh.liveBytes
		}
	}
}
