package capture

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
)

// ErrAlreadyExists reports a destination path collision without the
// overwrite option set.
var ErrAlreadyExists = errors.New("destination already exists")

// Destination is the transport endpoint a session writes its record stream
// to. Writes must either complete promptly or fail; a destination never
// blocks the traced program indefinitely.
type Destination interface {
	io.WriteCloser
}

// FileDestination appends the record stream to a file.
type FileDestination struct {
	f *os.File
}

// NewFileDestination opens path for writing. Unless overwrite is set, an
// existing file is a hard error.
func NewFileDestination(path string, overwrite bool) (*FileDestination, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrap(ErrAlreadyExists, path)
		}
		return nil, errors.Wrapf(err, "open destination %s", path)
	}
	return &FileDestination{f: f}, nil
}

func (d *FileDestination) Write(p []byte) (int, error) {
	return d.f.Write(p)
}

func (d *FileDestination) Close() error {
	return d.f.Close()
}

// DefaultWriteTimeout bounds how long a socket write may stall the capture
// path before the session degrades to disabled.
const DefaultWriteTimeout = 2 * time.Second

// SocketDestination streams records over a single TCP connection. A write
// that cannot complete within the timeout fails, which the tracker turns
// into the disable-tracking path; a vanished reader is never fatal to the
// traced program.
type SocketDestination struct {
	conn         net.Conn
	writeTimeout time.Duration
}

// DialSocket connects out to a waiting reader, the live-monitoring
// deployment: the reader binds a port and the writer comes to it. Connection
// attempts are retried with backoff until ctx expires.
func DialSocket(ctx context.Context, logger log.Logger, addr string, writeTimeout time.Duration) (*SocketDestination, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
		MaxRetries: 0,
	})
	var d net.Dialer
	for boff.Ongoing() {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			level.Debug(logger).Log("msg", "connected to reader", "addr", addr)
			return &SocketDestination{conn: conn, writeTimeout: writeTimeout}, nil
		}
		level.Debug(logger).Log("msg", "reader not ready, retrying", "addr", addr, "err", err)
		boff.Wait()
	}
	return nil, errors.Wrapf(boff.Err(), "dial reader %s", addr)
}

// ListenSocket binds addr and waits for exactly one reader to connect. The
// listener is closed as soon as the reader is accepted; there is never more
// than one concurrent reader.
func ListenSocket(ctx context.Context, logger log.Logger, addr string, writeTimeout time.Duration) (*SocketDestination, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	defer ln.Close()
	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn: conn, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case a := <-ch:
		if a.err != nil {
			return nil, errors.Wrap(a.err, "accept reader")
		}
		level.Debug(logger).Log("msg", "reader connected", "peer", a.conn.RemoteAddr())
		return &SocketDestination{conn: a.conn, writeTimeout: writeTimeout}, nil
	}
}

func (d *SocketDestination) Write(p []byte) (int, error) {
	if err := d.conn.SetWriteDeadline(time.Now().Add(d.writeTimeout)); err != nil {
		return 0, err
	}
	return d.conn.Write(p)
}

func (d *SocketDestination) Close() error {
	return d.conn.Close()
}
