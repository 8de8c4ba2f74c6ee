// Package aggregate shapes live-allocation snapshots into call trees for
// flame graphs and flat rows for tabular reports.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/memtrace/memtrace/pkg/frame"
	"github.com/memtrace/memtrace/pkg/liveset"
	"github.com/memtrace/memtrace/pkg/record"
)

// FrameResolver maps interned frame ids back to frames. *frame.Table
// satisfies it; live readers provide their own synchronized view.
type FrameResolver interface {
	Resolve(frame.ID) (frame.Frame, bool)
}

// Options control both aggregation shapes.
type Options struct {
	// MergeThreads folds all threads into one tree; otherwise every thread
	// gets its own subtree under the root.
	MergeThreads bool
	// Inverted roots the tree at leaf (innermost) call sites instead of
	// outermost callers.
	Inverted bool
	// Filter hides runtime-internal frames; nil keeps every frame.
	Filter *FrameFilter
}

type nodeKind uint8

const (
	nodeRoot nodeKind = iota
	nodeThread
	nodeFrame
)

type childKey struct {
	kind  nodeKind
	frame frame.ID
	tid   uint64
}

// node lives in the tree's arena. Children are addressed by arena index so
// the structure has no cycles and copies cheaply.
type node struct {
	kind     nodeKind
	frame    frame.Frame
	tid      uint64
	self     uint64
	total    uint64
	children map[childKey]int32
}

// Tree is a call-tree aggregation of a snapshot. The root is synthetic; its
// total is the sum of all record sizes. Identical frames reached through
// different call chains are distinct nodes.
type Tree struct {
	nodes       []node
	threadNames map[uint64]string
}

// NewTree aggregates snap into a call tree. Stacks are recorded innermost
// frame first; the normal walk descends from the outermost caller, the
// inverted walk from the innermost callee.
func NewTree(snap *liveset.Snapshot, frames FrameResolver, opts Options) *Tree {
	t := &Tree{
		nodes:       make([]node, 1, 64),
		threadNames: snap.ThreadNames,
	}
	t.nodes[0] = node{kind: nodeRoot, children: make(map[childKey]int32)}
	for i := range snap.Records {
		t.addRecord(&snap.Records[i], frames, opts)
	}
	return t
}

func (t *Tree) addRecord(rec *record.Allocation, frames FrameResolver, opts Options) {
	size := rec.Size
	t.nodes[0].total += size
	cur := int32(0)
	if !opts.MergeThreads {
		cur = t.child(cur, childKey{kind: nodeThread, tid: rec.TID})
		t.nodes[cur].total += size
	}
	walk := func(id frame.ID) {
		f, ok := frames.Resolve(id)
		if !ok || !opts.Filter.Interesting(f) {
			return
		}
		cur = t.child(cur, childKey{kind: nodeFrame, frame: id})
		t.nodes[cur].frame = f
		t.nodes[cur].total += size
	}
	if opts.Inverted {
		for _, id := range rec.Stack {
			walk(id)
		}
	} else {
		for i := len(rec.Stack) - 1; i >= 0; i-- {
			walk(rec.Stack[i])
		}
	}
	t.nodes[cur].self += size
}

func (t *Tree) child(parent int32, key childKey) int32 {
	if idx, ok := t.nodes[parent].children[key]; ok {
		return idx
	}
	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, node{
		kind:     key.kind,
		tid:      key.tid,
		children: make(map[childKey]int32),
	})
	t.nodes[parent].children[key] = idx
	return idx
}

// Total returns the value of the synthetic root.
func (t *Tree) Total() uint64 {
	return t.nodes[0].total
}

// Len returns the number of nodes, the root included.
func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) name(idx int32) string {
	n := &t.nodes[idx]
	switch n.kind {
	case nodeRoot:
		return "total"
	case nodeThread:
		return threadDisplayName(n.tid, t.threadNames)
	default:
		return n.frame.String()
	}
}

func threadDisplayName(tid uint64, names map[uint64]string) string {
	if tid == record.MergedThreadID {
		return "merged thread"
	}
	if name, ok := names[tid]; ok && name != "" {
		return fmt.Sprintf("thread 0x%x (%s)", tid, name)
	}
	return fmt.Sprintf("thread 0x%x", tid)
}

// sortedChildren returns a node's children ordered by descending total, ties
// by name, so renderings are deterministic.
func (t *Tree) sortedChildren(idx int32) []int32 {
	n := &t.nodes[idx]
	out := make([]int32, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := &t.nodes[out[i]], &t.nodes[out[j]]
		if a.total != b.total {
			return a.total > b.total
		}
		return t.name(out[i]) < t.name(out[j])
	})
	return out
}

// String renders the tree one node per line, indented by depth, for tests
// and debugging.
func (t *Tree) String() string {
	var sb strings.Builder
	var visit func(idx int32, depth int)
	visit = func(idx int32, depth int) {
		n := &t.nodes[idx]
		fmt.Fprintf(&sb, "%s%s: self %d total %d\n", strings.Repeat("  ", depth), t.name(idx), n.self, n.total)
		for _, c := range t.sortedChildren(idx) {
			visit(c, depth+1)
		}
	}
	visit(0, 0)
	return sb.String()
}
