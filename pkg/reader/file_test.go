package reader

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtrace/memtrace/pkg/capture"
	"github.com/memtrace/memtrace/pkg/frame"
	"github.com/memtrace/memtrace/pkg/liveset"
	"github.com/memtrace/memtrace/pkg/record"
)

var testStack = []frame.Frame{
	{Function: "allocate", File: "app.py", Line: 7},
	{Function: "main", File: "app.py", Line: 1},
}

// writeCapture records a small session to a file and returns its path.
func writeCapture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.mtrc")
	reg := capture.NewRegistry(nil, nil)
	tracker, err := reg.StartFile(path, false)
	require.NoError(t, err)

	tracker.SetThreadName(1, "main")
	tracker.RecordAllocation(record.KindMalloc, 0xa0, 100, 1, testStack)
	tracker.RecordAllocation(record.KindMalloc, 0xb0, 200, 1, testStack)
	tracker.RecordFree(0xa0, 1)
	tracker.RecordAllocation(record.KindMalloc, 0xc0, 50, 1, testStack)
	require.NoError(t, tracker.Close())
	return path
}

func sortedSnapshot(snap *liveset.Snapshot) []record.Allocation {
	recs := append([]record.Allocation(nil), snap.Records...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Address < recs[j].Address })
	return recs
}

func TestFileReaderFinalizedCapture(t *testing.T) {
	rd, err := OpenFile(nil, writeCapture(t))
	require.NoError(t, err)
	defer rd.Close()

	meta, err := rd.Metadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), meta.TotalAllocations)
	assert.Equal(t, uint64(2), meta.TotalFrames)
	assert.False(t, meta.EndTime.IsZero())

	snap, frames, err := rd.CurrentSnapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(250), snap.LiveBytes)
	assert.Equal(t, "main", snap.ThreadNames[1])
	require.Equal(t, 2, frames.Len())

	recs := sortedSnapshot(snap)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(0xb0), recs[0].Address)
	assert.Equal(t, uint64(0xc0), recs[1].Address)

	f, ok := frames.Resolve(recs[0].Stack[0])
	require.True(t, ok)
	assert.Equal(t, "allocate", f.Function)
}

func TestFileReaderHighWatermark(t *testing.T) {
	rd, err := OpenFile(nil, writeCapture(t))
	require.NoError(t, err)
	defer rd.Close()

	snap, hw, frames, err := rd.HighWatermarkSnapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(300), hw.Bytes)
	assert.Equal(t, uint64(2), hw.Position)
	assert.Equal(t, uint64(300), snap.LiveBytes)
	require.NotNil(t, frames)

	recs := sortedSnapshot(snap)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(0xa0), recs[0].Address)
	assert.Equal(t, uint64(100), recs[0].Size)
	assert.Equal(t, uint64(0xb0), recs[1].Address)
	assert.Equal(t, uint64(200), recs[1].Size)
}

func TestFileReaderStats(t *testing.T) {
	rd, err := OpenFile(nil, writeCapture(t))
	require.NoError(t, err)
	defer rd.Close()

	stats, err := rd.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.TotalAllocations)
	assert.Equal(t, uint64(350), stats.TotalBytesAllocated)
	assert.Equal(t, uint64(300), stats.PeakLiveBytes)
	assert.Equal(t, 1, stats.ThreadCount)
}

// writeInterrupted builds a stream with no footer whose last record is cut
// off mid-encoding, like a capture killed partway through a write.
func writeInterrupted(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	enc := record.NewEncoder(&buf)
	require.NoError(t, enc.WriteHeader(record.Metadata{StartTime: time.Now(), CommandLine: "python app.py", PID: 7}))
	require.NoError(t, enc.Encode(&record.Allocation{Seq: 1, TID: 1, Address: 0xa0, Size: 100, Kind: record.KindMalloc}))
	require.NoError(t, enc.Encode(&record.Allocation{Seq: 2, TID: 1, Address: 0xb0, Size: 200, Kind: record.KindMalloc}))

	path := filepath.Join(t.TempDir(), "interrupted.mtrc")
	// Chop into the middle of a third record.
	data := append(buf.Bytes(), 2, 3, 1)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFileReaderInterruptedCapture(t *testing.T) {
	rd, err := OpenFile(nil, writeInterrupted(t))
	require.NoError(t, err)
	defer rd.Close()

	// Only the provisional header metadata is available.
	meta, err := rd.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "python app.py", meta.CommandLine)
	assert.Zero(t, meta.TotalAllocations)

	// Replay stops silently at the last whole record.
	snap, _, err := rd.CurrentSnapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(300), snap.LiveBytes)
	assert.Equal(t, uint64(2), snap.Position)

	_, hw, _, err := rd.HighWatermarkSnapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(300), hw.Bytes)
}

func TestFileReaderRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a capture file"), 0o644))
	_, err := OpenFile(nil, path)
	require.ErrorIs(t, err, record.ErrCorruptRecord)
}

func TestFileReaderClosed(t *testing.T) {
	rd, err := OpenFile(nil, writeCapture(t))
	require.NoError(t, err)
	require.NoError(t, rd.Close())
	require.NoError(t, rd.Close())

	_, err = rd.Metadata()
	require.ErrorIs(t, err, ErrClosedReader)
	_, err = rd.Records()
	require.ErrorIs(t, err, ErrClosedReader)
	_, _, err = rd.CurrentSnapshot()
	require.ErrorIs(t, err, ErrClosedReader)
	_, _, _, err = rd.HighWatermarkSnapshot()
	require.ErrorIs(t, err, ErrClosedReader)
	_, err = rd.Stats()
	require.ErrorIs(t, err, ErrClosedReader)
}
