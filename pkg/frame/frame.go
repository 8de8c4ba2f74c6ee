// Package frame interns (function, file, line) call-site triples into small
// stable ids shared between the capture side and replay side of a trace.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ID identifies an interned frame. Ids are assigned densely from zero in
// interning order and are never reused or invalidated.
type ID uint32

// Frame is one call-site identity. Two frames are the same frame iff all
// three fields are equal.
type Frame struct {
	Function string
	File     string
	Line     int
}

func (f Frame) String() string {
	if f.File == "" {
		return f.Function
	}
	return fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line)
}

// Table maps frames to ids and back. A writer and a reader consuming the
// same ordered frame-definition stream assign identical ids.
//
// Table is not safe for concurrent use; callers serialize access.
type Table struct {
	ids    map[Frame]ID
	frames []Frame

	// stacks caches whole interned stacks by content digest so the hot
	// capture path can skip per-frame map lookups for repeated call sites.
	stacks map[uint64][]ID
}

func NewTable() *Table {
	return &Table{
		ids:    make(map[Frame]ID),
		stacks: make(map[uint64][]ID),
	}
}

// Intern returns the id for f, assigning the next free id if f was not seen
// before. The second return value reports whether the id is new.
func (t *Table) Intern(f Frame) (ID, bool) {
	if id, ok := t.ids[f]; ok {
		return id, false
	}
	id := ID(len(t.frames))
	t.ids[f] = id
	t.frames = append(t.frames, f)
	return id, true
}

// InternStack interns every frame of stack, innermost first, and returns
// their ids. fresh holds the ids assigned for the first time during this
// call, in assignment order; the caller is responsible for emitting their
// definitions before any record referencing them.
func (t *Table) InternStack(stack []Frame) (ids []ID, fresh []ID) {
	if len(stack) == 0 {
		return nil, nil
	}
	digest := hashStack(stack)
	if cached, ok := t.stacks[digest]; ok {
		return cached, nil
	}
	ids = make([]ID, len(stack))
	for i, f := range stack {
		id, isNew := t.Intern(f)
		ids[i] = id
		if isNew {
			fresh = append(fresh, id)
		}
	}
	t.stacks[digest] = ids
	return ids, fresh
}

// Define registers a frame decoded from the wire. Definitions must arrive in
// id order with no gaps, mirroring the order the writer assigned them.
func (t *Table) Define(id ID, f Frame) error {
	if int(id) != len(t.frames) {
		return fmt.Errorf("frame %d defined out of order, want %d", id, len(t.frames))
	}
	t.ids[f] = id
	t.frames = append(t.frames, f)
	return nil
}

// Resolve returns the frame for id.
func (t *Table) Resolve(id ID) (Frame, bool) {
	if int(id) >= len(t.frames) {
		return Frame{}, false
	}
	return t.frames[id], true
}

// Len returns the number of interned frames.
func (t *Table) Len() int {
	return len(t.frames)
}

func hashStack(stack []Frame) uint64 {
	var d xxhash.Digest
	var sep = []byte{0}
	var line [8]byte
	d.Reset()
	for _, f := range stack {
		_, _ = d.WriteString(f.Function)
		_, _ = d.Write(sep)
		_, _ = d.WriteString(f.File)
		binary.LittleEndian.PutUint64(line[:], uint64(f.Line))
		_, _ = d.Write(line[:])
	}
	return d.Sum64()
}
