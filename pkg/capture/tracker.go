// Package capture is the writer side of the trace: it turns allocator
// events delivered by the interception layer into the record stream, and
// enforces the one-active-session-per-process invariant.
package capture

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/memtrace/memtrace/pkg/frame"
	"github.com/memtrace/memtrace/pkg/record"
)

// Tracker is one capture session. The interception layer calls it once per
// allocator event; calls may come from any thread and are serialized here,
// which is what makes sequence numbers globally monotonic.
//
// Capture methods deliberately return nothing: a failing destination
// disables the session instead of surfacing errors into the traced program.
type Tracker struct {
	mu     sync.Mutex
	enc    *record.Encoder
	dest   Destination
	frames *frame.Table
	seq    uint64
	meta   record.Metadata

	// disabled flips once on the first destination write failure and stays
	// set for the life of the session, re-entries included. Only attaching
	// a fresh session brings tracking back.
	disabled atomic.Bool
	closed   bool

	id          uuid.UUID
	writeFooter bool
	registry    *Registry
	logger      log.Logger
	metrics     *metrics
}

// ID returns the session identifier.
func (t *Tracker) ID() uuid.UUID {
	return t.id
}

// Disabled reports whether the session has degraded to a no-op after losing
// its destination.
func (t *Tracker) Disabled() bool {
	return t.disabled.Load()
}

// RecordAllocation captures one allocator event. stack is the unwound call
// stack, innermost frame first; it may be nil when unwinding failed.
func (t *Tracker) RecordAllocation(kind record.AllocatorKind, address, size, tid uint64, stack []frame.Frame) {
	t.recordEvent(kind, address, size, 0, tid, stack)
}

// RecordRealloc captures a realloc as a single record so the size delta is
// attributed to one call site. oldAddress may be zero when the realloc
// behaved like malloc.
func (t *Tracker) RecordRealloc(oldAddress, newAddress, size, tid uint64, stack []frame.Frame) {
	t.recordEvent(record.KindRealloc, newAddress, size, oldAddress, tid, stack)
}

// RecordFree captures a deallocation of a single cell.
func (t *Tracker) RecordFree(address, tid uint64) {
	t.recordEvent(record.KindFree, address, 0, 0, tid, nil)
}

// RecordRangeUnmap captures a munmap of [address, address+length).
func (t *Tracker) RecordRangeUnmap(address, length, tid uint64) {
	t.recordEvent(record.KindMunmap, address, length, 0, tid, nil)
}

func (t *Tracker) recordEvent(kind record.AllocatorKind, address, size, oldAddress, tid uint64, stack []frame.Frame) {
	if t.disabled.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.disabled.Load() {
		return
	}
	ids, fresh := t.frames.InternStack(stack)
	for _, id := range fresh {
		f, _ := t.frames.Resolve(id)
		if !t.write(&record.FrameDefine{ID: id, Frame: f}, "frame_define") {
			return
		}
	}
	t.seq++
	t.write(&record.Allocation{
		Seq:        t.seq,
		TID:        tid,
		Address:    address,
		Size:       size,
		Kind:       kind,
		OldAddress: oldAddress,
		Stack:      ids,
	}, "allocation")
}

// SetThreadName attaches a display name to tid. Names may arrive before or
// after the allocations they describe; consumers resolve at render time.
func (t *Tracker) SetThreadName(tid uint64, name string) {
	if t.disabled.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.disabled.Load() {
		return
	}
	t.write(&record.ThreadName{TID: tid, Name: name}, "thread_name")
}

// write encodes one record, disabling the session on failure. It reports
// whether the write succeeded. Callers hold t.mu.
func (t *Tracker) write(rec record.Record, typ string) bool {
	before := t.enc.Offset()
	if err := t.enc.Encode(rec); err != nil {
		t.disable(err)
		return false
	}
	t.metrics.recordsTotal.WithLabelValues(typ).Inc()
	t.metrics.bytesWritten.Add(float64(t.enc.Offset() - before))
	return true
}

// disable degrades the session to a no-op. The reader vanishing mid-stream
// is expected behavior, not an error to propagate into the traced program.
func (t *Tracker) disable(err error) {
	if t.disabled.Swap(true) {
		return
	}
	t.metrics.disconnects.Inc()
	level.Warn(t.logger).Log("msg", "destination lost, tracking disabled", "session", t.id, "err", err)
}

// Close finalizes the session: the file transport gets its footer and
// trailer, the destination is closed, and the registry slot is released so
// a new session may start.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs *multierror.Error
	if t.writeFooter && !t.disabled.Load() {
		t.meta.EndTime = time.Now()
		t.meta.TotalAllocations = t.seq
		t.meta.TotalFrames = uint64(t.frames.Len())
		footerOffset := t.enc.Offset()
		if err := t.enc.Encode(&record.Footer{Metadata: t.meta}); err != nil {
			errs = multierror.Append(errs, err)
		} else if err := t.enc.WriteTrailer(footerOffset); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := t.dest.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	t.registry.release(t)
	level.Debug(t.logger).Log("msg", "capture session closed", "session", t.id, "allocations", t.seq)
	return errs.ErrorOrNil()
}
