package aggregate

import (
	"strings"

	"github.com/memtrace/memtrace/pkg/frame"
)

// FrameFilter hides the runtime's own call-dispatch machinery from display.
// Filtered frames are skipped when walking stacks and when choosing a
// representative frame for table rows; size accounting is never dropped.
type FrameFilter struct {
	symbols      map[string]struct{}
	pathPatterns []string
}

// Default ignore lists: interpreter dispatch entry points and bootstrap
// machinery that carry no information about the allocating call site.
var (
	defaultIgnoredSymbols = []string{
		"_PyEval_EvalFrameDefault",
		"PyEval_EvalFrameEx",
		"PyObject_Call",
		"PyObject_Vectorcall",
		"_PyObject_VectorcallTstate",
	}
	defaultIgnoredPathPatterns = []string{
		"runpy.py",
		"<frozen importlib._bootstrap",
	}
)

// NewFrameFilter builds a filter from explicit ignore lists. Path patterns
// match by substring.
func NewFrameFilter(symbols, pathPatterns []string) *FrameFilter {
	f := &FrameFilter{
		symbols:      make(map[string]struct{}, len(symbols)),
		pathPatterns: pathPatterns,
	}
	for _, s := range symbols {
		f.symbols[s] = struct{}{}
	}
	return f
}

// DefaultFrameFilter returns the built-in ignore lists.
func DefaultFrameFilter() *FrameFilter {
	return NewFrameFilter(defaultIgnoredSymbols, defaultIgnoredPathPatterns)
}

// Interesting reports whether fr should be shown to the user.
func (f *FrameFilter) Interesting(fr frame.Frame) bool {
	if f == nil {
		return true
	}
	if _, ok := f.symbols[fr.Function]; ok {
		return false
	}
	for _, p := range f.pathPatterns {
		if strings.Contains(fr.File, p) {
			return false
		}
	}
	return true
}
