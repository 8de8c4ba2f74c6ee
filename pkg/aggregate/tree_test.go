package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtrace/memtrace/pkg/frame"
	"github.com/memtrace/memtrace/pkg/liveset"
	"github.com/memtrace/memtrace/pkg/record"
)

// testFrames builds a resolver plus an interning helper for hand-written
// stacks. Stacks are innermost frame first, matching the record format.
func testFrames(t *testing.T) (*frame.Table, func(frames ...frame.Frame) []frame.ID) {
	t.Helper()
	tbl := frame.NewTable()
	return tbl, func(frames ...frame.Frame) []frame.ID {
		ids := make([]frame.ID, len(frames))
		for i, f := range frames {
			ids[i], _ = tbl.Intern(f)
		}
		return ids
	}
}

var (
	frameMain = frame.Frame{Function: "main", File: "app.py", Line: 1}
	frameFoo  = frame.Frame{Function: "foo", File: "app.py", Line: 12}
	frameBar  = frame.Frame{Function: "bar", File: "app.py", Line: 30}
)

func snapshotOf(recs ...record.Allocation) *liveset.Snapshot {
	var live uint64
	for _, rec := range recs {
		live += rec.Size
	}
	return &liveset.Snapshot{
		Records:     recs,
		ThreadNames: map[uint64]string{},
		LiveBytes:   live,
	}
}

func TestTreeShape(t *testing.T) {
	tbl, stack := testFrames(t)
	snap := snapshotOf(
		record.Allocation{TID: 1, Address: 0xa0, Size: 10, Kind: record.KindMalloc, Stack: stack(frameFoo, frameMain)},
		record.Allocation{TID: 1, Address: 0xb0, Size: 20, Kind: record.KindMalloc, Stack: stack(frameBar, frameMain)},
	)

	tree := NewTree(snap, tbl, Options{MergeThreads: true})
	require.Equal(t, uint64(30), tree.Total())

	want := `total: self 0 total 30
  main (app.py:1): self 0 total 30
    bar (app.py:30): self 20 total 20
    foo (app.py:12): self 10 total 10
`
	assert.Equal(t, want, tree.String())
}

func TestTreeInverted(t *testing.T) {
	tbl, stack := testFrames(t)
	snap := snapshotOf(
		record.Allocation{TID: 1, Address: 0xa0, Size: 10, Kind: record.KindMalloc, Stack: stack(frameFoo, frameMain)},
		record.Allocation{TID: 1, Address: 0xb0, Size: 20, Kind: record.KindMalloc, Stack: stack(frameBar, frameMain)},
	)

	tree := NewTree(snap, tbl, Options{MergeThreads: true, Inverted: true})

	// Allocating call sites become the top-level nodes.
	want := `total: self 0 total 30
  bar (app.py:30): self 0 total 20
    main (app.py:1): self 20 total 20
  foo (app.py:12): self 0 total 10
    main (app.py:1): self 10 total 10
`
	assert.Equal(t, want, tree.String())
}

func TestTreeSplitsThreads(t *testing.T) {
	tbl, stack := testFrames(t)
	snap := snapshotOf(
		record.Allocation{TID: 1, Address: 0xa0, Size: 10, Kind: record.KindMalloc, Stack: stack(frameFoo, frameMain)},
		record.Allocation{TID: 2, Address: 0xb0, Size: 20, Kind: record.KindMalloc, Stack: stack(frameBar, frameMain)},
	)
	snap.ThreadNames = map[uint64]string{2: "worker"}

	tree := NewTree(snap, tbl, Options{})

	want := `total: self 0 total 30
  thread 0x2 (worker): self 0 total 20
    main (app.py:1): self 0 total 20
      bar (app.py:30): self 20 total 20
  thread 0x1: self 0 total 10
    main (app.py:1): self 0 total 10
      foo (app.py:12): self 10 total 10
`
	assert.Equal(t, want, tree.String())
}

func TestTreeFiltersFrames(t *testing.T) {
	tbl, stack := testFrames(t)
	dispatch := frame.Frame{Function: "PyObject_Call", File: "ceval.c", Line: 99}
	snap := snapshotOf(
		record.Allocation{TID: 1, Address: 0xa0, Size: 10, Kind: record.KindMalloc, Stack: stack(frameFoo, dispatch, frameMain)},
	)

	tree := NewTree(snap, tbl, Options{MergeThreads: true, Filter: DefaultFrameFilter()})

	// The dispatch frame is hidden but its bytes still flow to its callers.
	want := `total: self 0 total 10
  main (app.py:1): self 0 total 10
    foo (app.py:12): self 10 total 10
`
	assert.Equal(t, want, tree.String())
}

func TestTreeEmptyStack(t *testing.T) {
	tbl, _ := testFrames(t)
	snap := snapshotOf(
		record.Allocation{TID: 1, Address: 0xa0, Size: 10, Kind: record.KindMalloc},
	)

	tree := NewTree(snap, tbl, Options{MergeThreads: true})
	require.Equal(t, uint64(10), tree.Total())
	// With no frames the bytes land on the root as self.
	assert.Equal(t, "total: self 10 total 10\n", tree.String())
}

func TestTreeSharedPrefixMergesNodes(t *testing.T) {
	tbl, stack := testFrames(t)
	snap := snapshotOf(
		record.Allocation{TID: 1, Address: 0xa0, Size: 10, Kind: record.KindMalloc, Stack: stack(frameFoo, frameMain)},
		record.Allocation{TID: 1, Address: 0xb0, Size: 5, Kind: record.KindMalloc, Stack: stack(frameFoo, frameMain)},
	)

	tree := NewTree(snap, tbl, Options{MergeThreads: true})
	// root + main + foo: identical call chains share nodes.
	require.Equal(t, 3, tree.Len())
	assert.Equal(t, uint64(15), tree.Total())
}
