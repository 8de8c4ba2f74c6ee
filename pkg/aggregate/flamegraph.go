package aggregate

import (
	"sort"

	"github.com/samber/lo"
)

// FlameGraph is the rendering-ready form of a Tree: a name table plus one
// row of values per tree depth. Each node contributes a chunk of four ints:
//
//	i+0 = x offset (prefix sum of the level totals), delta encoded
//	i+1 = total bytes (including children)
//	i+2 = self bytes (excluding children)
//	i+3 = index in the names array
type FlameGraph struct {
	Names   []string  `json:"names"`
	Levels  [][]int64 `json:"levels"`
	Total   int64     `json:"numTicks"`
	MaxSelf int64     `json:"maxSelf"`
}

type flameItem struct {
	node    int32
	level   int
	xOffset uint64
	// other carries the collapsed total of truncated siblings; when set the
	// item is synthetic and node is unused.
	other uint64
}

// NewFlameGraph flattens t into levels. When maxNodes is positive, only the
// top maxNodes nodes by total are kept and siblings below the cut collapse
// into a synthetic "other" node so totals still add up.
func NewFlameGraph(t *Tree, maxNodes int64) *FlameGraph {
	fg := &FlameGraph{
		Total: int64(t.Total()),
	}
	minTotal := t.minTotal(maxNodes)
	nameIndex := map[string]int{}
	intern := func(name string) int {
		if i, ok := nameIndex[name]; ok {
			return i
		}
		i := len(fg.Names)
		nameIndex[name] = i
		fg.Names = append(fg.Names, name)
		return i
	}

	queue := []flameItem{{node: 0, level: 0}}
	var levels [][]int64
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		for len(levels) <= item.level {
			levels = append(levels, nil)
		}
		if item.other > 0 {
			levels[item.level] = append(levels[item.level],
				int64(item.xOffset), int64(item.other), int64(item.other), int64(intern("other")))
			if int64(item.other) > fg.MaxSelf {
				fg.MaxSelf = int64(item.other)
			}
			continue
		}
		n := &t.nodes[item.node]
		if int64(n.self) > fg.MaxSelf {
			fg.MaxSelf = int64(n.self)
		}
		levels[item.level] = append(levels[item.level],
			int64(item.xOffset), int64(n.total), int64(n.self), int64(intern(t.name(item.node))))

		childOffset := item.xOffset + n.self
		var otherTotal uint64
		for _, c := range t.sortedChildren(item.node) {
			child := &t.nodes[c]
			if child.total >= minTotal {
				queue = append(queue, flameItem{node: c, level: item.level + 1, xOffset: childOffset})
				childOffset += child.total
			} else {
				otherTotal += child.total
			}
		}
		if otherTotal > 0 {
			queue = append(queue, flameItem{level: item.level + 1, xOffset: childOffset, other: otherTotal})
		}
	}

	// Delta encode x offsets within each level.
	fg.Levels = lo.Map(levels, func(l []int64, _ int) []int64 {
		prev := int64(0)
		for i := 0; i < len(l); i += 4 {
			l[i] -= prev
			prev += l[i] + l[i+1]
		}
		return l
	})
	return fg
}

// minTotal returns the smallest node total that survives a maxNodes cut.
func (t *Tree) minTotal(maxNodes int64) uint64 {
	if maxNodes < 1 || maxNodes >= int64(len(t.nodes)) {
		return 0
	}
	totals := make([]uint64, 0, len(t.nodes))
	for i := range t.nodes {
		totals = append(totals, t.nodes[i].total)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i] > totals[j] })
	return totals[maxNodes-1]
}
