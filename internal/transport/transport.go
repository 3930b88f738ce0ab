package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/mpvsock/internal/codec"
)

// ErrIO marks a failure of an established connection.
var ErrIO = errors.New("ipc i/o error")

// Transport is a line-oriented byte stream to the player. WriteLine may be
// called concurrently; ReadLine must only be called by a single reader.
type Transport interface {
	WriteLine(line []byte) error
	ReadLine() ([]byte, error)
	Close() error
}

// ConnectError reports that no peer could be reached at Path.
type ConnectError struct {
	Path string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to mpv ipc socket %s fail: %v", e.Path, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

type options struct {
	maxLineSize  int
	writeTimeout time.Duration
}

// Option configures a Conn.
type Option func(*options)

// WithMaxLineSize bounds a single inbound line.
func WithMaxLineSize(n int) Option {
	return func(o *options) { o.maxLineSize = n }
}

// WithWriteTimeout bounds each WriteLine call. Zero means no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// Conn is a Transport over a stream socket.
type Conn struct {
	conn   net.Conn
	reader *codec.LineReader
	opts   options

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*Conn)(nil)

// Dial connects to the unix socket at path.
func Dial(ctx context.Context, path string, opts ...Option) (*Conn, error) {
	if path == "" {
		return nil, &ConnectError{Path: path, Err: errors.New("mpv ipc socket path is empty")}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, &ConnectError{Path: path, Err: err}
	}
	log.CtxDebug(ctx, "connected to mpv ipc socket %s", path)
	return New(conn, opts...), nil
}

// New wraps an established connection.
func New(conn net.Conn, opts ...Option) *Conn {
	o := options{maxLineSize: codec.DefaultMaxLineSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &Conn{
		conn:   conn,
		reader: codec.NewLineReader(conn, o.maxLineSize),
		opts:   o,
	}
}

// WriteLine writes line followed by a newline. Concurrent calls never
// interleave their bytes.
func (c *Conn) WriteLine(line []byte) error {
	if n := len(line); n == 0 || line[n-1] != '\n' {
		buf := make([]byte, n+1)
		copy(buf, line)
		buf[n] = '\n'
		line = buf
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.opts.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
			return fmt.Errorf("%w: set write deadline: %w", ErrIO, err)
		}
	}

	for len(line) > 0 {
		n, err := c.conn.Write(line)
		if err != nil {
			return fmt.Errorf("%w: writing to mpv ipc socket fail: %w", ErrIO, err)
		}
		line = line[n:]
	}
	return nil
}

// ReadLine returns the next inbound line. io.EOF is returned unwrapped;
// codec.ErrFrameTooLarge leaves the stream usable.
func (c *Conn) ReadLine() ([]byte, error) {
	line, err := c.reader.ReadLine()
	if err == nil {
		return line, nil
	}
	if errors.Is(err, codec.ErrFrameTooLarge) || err == io.EOF {
		return nil, err
	}
	return nil, fmt.Errorf("%w: reading from mpv ipc socket fail: %w", ErrIO, err)
}

// Close shuts the connection down. It is safe to call more than once and
// unblocks a pending ReadLine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			c.closeErr = fmt.Errorf("closing mpv ipc socket fail: %w", err)
		}
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
