package reader

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/memtrace/memtrace/pkg/frame"
	"github.com/memtrace/memtrace/pkg/liveset"
	"github.com/memtrace/memtrace/pkg/record"
)

// SocketReader is the live-monitoring receiver: it binds a port, waits for
// the traced process to connect, and accumulates records as they stream in.
// Snapshot queries replay the records received so far and never block on
// the socket.
type SocketReader struct {
	mu     sync.Mutex
	recs   []record.Record
	frames []frame.Frame
	meta   record.Metadata
	rerr   error
	closed bool

	ln   net.Listener
	conn net.Conn
	done chan struct{}

	logger log.Logger
}

// Listen binds addr and returns a reader ready to accept one writer.
func Listen(logger log.Logger, addr string) (*SocketReader, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return &SocketReader{
		ln:     ln,
		done:   make(chan struct{}),
		logger: logger,
	}, nil
}

// Addr returns the bound address the writer should connect to.
func (r *SocketReader) Addr() net.Addr {
	return r.ln.Addr()
}

// WaitForWriter blocks until the traced process connects and the stream
// header arrives, then starts receiving records in the background. Exactly
// one writer connection is accepted; the listener closes afterwards.
func (r *SocketReader) WaitForWriter(ctx context.Context) (record.Metadata, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return record.Metadata{}, ErrClosedReader
	}
	r.mu.Unlock()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := r.ln.Accept()
		ch <- accepted{conn: conn, err: err}
	}()
	var conn net.Conn
	select {
	case <-ctx.Done():
		_ = r.ln.Close()
		return record.Metadata{}, ctx.Err()
	case a := <-ch:
		if a.err != nil {
			return record.Metadata{}, errors.Wrap(a.err, "accept writer")
		}
		conn = a.conn
	}
	_ = r.ln.Close()

	dec := record.NewDecoder(conn)
	meta, err := dec.ReadHeader()
	if err != nil {
		_ = conn.Close()
		return record.Metadata{}, err
	}
	level.Debug(r.logger).Log("msg", "writer connected", "peer", conn.RemoteAddr(), "pid", meta.PID)

	r.mu.Lock()
	r.conn = conn
	r.meta = meta
	r.mu.Unlock()

	go r.receive(dec)
	return meta, nil
}

func (r *SocketReader) receive(dec *record.Decoder) {
	defer close(r.done)
	for {
		rec, err := dec.Next()
		if err != nil {
			r.mu.Lock()
			if err != io.EOF && !errors.Is(err, record.ErrTruncated) && !r.closed {
				r.rerr = err
			}
			r.mu.Unlock()
			if err != io.EOF {
				level.Debug(r.logger).Log("msg", "stream ended", "err", err)
			}
			return
		}
		r.mu.Lock()
		if def, ok := rec.(*record.FrameDefine); ok {
			r.frames = append(r.frames, def.Frame)
		}
		r.recs = append(r.recs, rec)
		r.mu.Unlock()
	}
}

// Done is closed once the writer disconnects or the stream ends.
func (r *SocketReader) Done() <-chan struct{} {
	return r.done
}

// Err returns the terminal stream error, if the stream ended on one. A
// clean end of stream and a close-initiated shutdown both return nil.
func (r *SocketReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rerr
}

// Metadata returns the stream header metadata received from the writer.
func (r *SocketReader) Metadata() (record.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return record.Metadata{}, ErrClosedReader
	}
	return r.meta, nil
}

// sliceSource replays an in-memory record prefix.
type sliceSource struct {
	recs []record.Record
	i    int
}

func (s *sliceSource) Next() (record.Record, error) {
	if s.i >= len(s.recs) {
		return nil, io.EOF
	}
	rec := s.recs[s.i]
	s.i++
	return rec, nil
}

// NewSource opens a replay over the records received so far. Records that
// arrive later are not visible to an already opened source.
func (r *SocketReader) NewSource() (liveset.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosedReader
	}
	return &sliceSource{recs: r.recs[:len(r.recs):len(r.recs)]}, nil
}

// socketResolver resolves frame ids against the reader's growing frame
// table under the reader lock.
type socketResolver struct {
	r *SocketReader
}

func (sr socketResolver) Resolve(id frame.ID) (frame.Frame, bool) {
	sr.r.mu.Lock()
	defer sr.r.mu.Unlock()
	if int(id) >= len(sr.r.frames) {
		return frame.Frame{}, false
	}
	return sr.r.frames[id], true
}

// Frames returns a resolver over the frames defined so far.
func (r *SocketReader) Frames() socketResolver {
	return socketResolver{r: r}
}

// CurrentSnapshot replays everything received so far and returns the
// resulting live set. It may be called repeatedly while the stream grows.
func (r *SocketReader) CurrentSnapshot() (*liveset.Snapshot, error) {
	src, err := r.NewSource()
	if err != nil {
		return nil, err
	}
	return liveset.CurrentSnapshot(src)
}

// Close shuts the reader down. Every operation afterwards fails with
// ErrClosedReader.
func (r *SocketReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()
	_ = r.ln.Close()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
