package liveset

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtrace/memtrace/pkg/record"
)

func TestFindHighWatermark(t *testing.T) {
	// Running totals: 100, 300, 200, 250. The peak is at the second record.
	hw, err := FindHighWatermark(sourceOf(
		alloc(1, 0xa0, 100),
		alloc(2, 0xb0, 200),
		free(3, 0xa0),
		alloc(4, 0xc0, 50),
	))
	require.NoError(t, err)
	assert.Equal(t, uint64(300), hw.Bytes)
	assert.Equal(t, uint64(2), hw.Position)
}

func TestHighWatermarkFirstOccurrenceWins(t *testing.T) {
	// The 300-byte total is attained twice; the earlier position is kept.
	hw, err := FindHighWatermark(sourceOf(
		alloc(1, 0xa0, 300),
		free(2, 0xa0),
		alloc(3, 0xb0, 300),
	))
	require.NoError(t, err)
	assert.Equal(t, uint64(300), hw.Bytes)
	assert.Equal(t, uint64(1), hw.Position)
}

func TestHighWatermarkSkipsNonAllocationRecords(t *testing.T) {
	hw, err := FindHighWatermark(sourceOf(
		&record.ThreadName{TID: 1, Name: "main"},
		alloc(1, 0xa0, 100),
		&record.ThreadName{TID: 2, Name: "worker"},
		alloc(2, 0xb0, 200),
	))
	require.NoError(t, err)
	assert.Equal(t, uint64(300), hw.Bytes)
	// Positions count allocation records only.
	assert.Equal(t, uint64(2), hw.Position)
}

func TestHighWatermarkSnapshot(t *testing.T) {
	recs := []record.Record{
		alloc(1, 0xa0, 100),
		alloc(2, 0xb0, 200),
		free(3, 0xa0),
		alloc(4, 0xc0, 50),
	}
	snap, hw, err := HighWatermarkSnapshot(func() (Source, error) {
		return sourceOf(recs...), nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(300), hw.Bytes)
	require.Equal(t, uint64(300), snap.LiveBytes)
	require.Equal(t, uint64(2), snap.Position)

	got := sortedRecords(snap)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0xa0), got[0].Address)
	assert.Equal(t, uint64(100), got[0].Size)
	assert.Equal(t, uint64(0xb0), got[1].Address)
	assert.Equal(t, uint64(200), got[1].Size)
}

func TestHighWatermarkIncludesRanges(t *testing.T) {
	hw, err := FindHighWatermark(sourceOf(
		mmap(1, 1000, 100),
		alloc(2, 0xa0, 50),
		munmap(3, 1000, 100),
	))
	require.NoError(t, err)
	assert.Equal(t, uint64(150), hw.Bytes)
	assert.Equal(t, uint64(2), hw.Position)
}

func TestHighWatermarkEmptyStream(t *testing.T) {
	hw, err := FindHighWatermark(sourceOf())
	require.NoError(t, err)
	assert.Zero(t, hw.Bytes)
	assert.Zero(t, hw.Position)
}

func TestHighWatermarkSnapshotOpenError(t *testing.T) {
	boom := errors.New("boom")
	_, _, err := HighWatermarkSnapshot(func() (Source, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
}
