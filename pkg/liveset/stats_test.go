package liveset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtrace/memtrace/pkg/record"
)

func TestComputeStats(t *testing.T) {
	stats, err := ComputeStats(sourceOf(
		alloc(1, 0xa0, 100),
		alloc(2, 0xb0, 200),
		free(3, 0xa0),
		mmap(4, 1000, 4096),
		&record.Allocation{Seq: 5, TID: 2, Address: 0xc0, Size: 30, Kind: record.KindCalloc},
		&record.ThreadName{TID: 2, Name: "worker"},
	))
	require.NoError(t, err)

	assert.Equal(t, uint64(5), stats.TotalAllocations)
	assert.Equal(t, uint64(100+200+4096+30), stats.TotalBytesAllocated)
	// The free lands before the mmap, so the peak excludes the first 100.
	assert.Equal(t, uint64(200+4096+30), stats.PeakLiveBytes)
	assert.Equal(t, 2, stats.ThreadCount)
	assert.Equal(t, uint64(2), stats.AllocationsByKind[record.KindMalloc])
	assert.Equal(t, uint64(1), stats.AllocationsByKind[record.KindFree])
	assert.Equal(t, uint64(1), stats.AllocationsByKind[record.KindMmap])
	assert.Equal(t, uint64(1), stats.AllocationsByKind[record.KindCalloc])
}

func TestComputeStatsEmpty(t *testing.T) {
	stats, err := ComputeStats(sourceOf())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalAllocations)
	assert.Zero(t, stats.PeakLiveBytes)
	assert.Zero(t, stats.ThreadCount)
	assert.Empty(t, stats.AllocationsByKind)
}
