// Package chatsock implements a length-prefixed, optionally compressed framing
// protocol over byte streams, and a chat server that tracks connections,
// broadcasts between them and drains them gracefully on shutdown.
package chatsock

import (
	"context"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Stream is the byte stream a connection runs over.
// *net.TCPConn satisfies it.
type Stream interface {
	io.ReadWriteCloser
	// CloseWrite shuts down the sending direction only.
	CloseWrite() error
	RemoteAddr() net.Addr
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Default configuration values.
const (
	// defaultMaxPackageLength is the default maximum size of a single message (1MB).
	defaultMaxPackageLength = 1024 * 1024
)

var connIDs atomic.Uint64

// Conn is one framed connection.
//
// The read loop starts as soon as the connection is created and delivers
// messages to the OnMessageOption callback in arrival order. Sends from
// several goroutines are serialized; each frame is written whole.
type Conn struct {
	id     uint64
	stream Stream
	reader *FrameReader
	logger Logger

	opts options

	wmu     sync.Mutex // serializes frame writes and the half-close
	closing atomic.Bool

	smu      sync.RWMutex
	session  Session
	loggedIn bool

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// NewConn wraps an established stream and starts its read loop.
// Returns an error if the message handler is missing.
func NewConn(stream Stream, opt ...Option) (*Conn, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	c := newConnWithOptions(stream, opts)
	go c.readLoop()

	return c, nil
}

// Dial connects to address and returns the new connection.
func Dial(ctx context.Context, network, address string, opt ...Option) (*Conn, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}

	stream, err := AsStream(nc)
	if err != nil {
		return nil, err
	}

	c := newConnWithOptions(stream, opts)
	go c.readLoop()

	return c, nil
}

// Accept waits for the next connection on l and returns it.
func Accept(l net.Listener, opt ...Option) (*Conn, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	nc, err := l.Accept()
	if err != nil {
		return nil, err
	}

	stream, err := AsStream(nc)
	if err != nil {
		return nil, err
	}

	c := newConnWithOptions(stream, opts)
	go c.readLoop()

	return c, nil
}

// AsStream returns nc as a Stream, closing it if it cannot half-close.
func AsStream(nc net.Conn) (Stream, error) {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	stream, ok := nc.(Stream)
	if !ok {
		_ = nc.Close()
		return nil, errors.Wrapf(ErrHalfCloseUnsupported, "%T", nc)
	}
	return stream, nil
}

func buildOptions(opt []Option) (options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	return opts, err
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// newConnWithOptions creates a new Conn with the given options.
func newConnWithOptions(stream Stream, opts options) *Conn {
	id := connIDs.Add(1)
	return &Conn{
		id:     id,
		stream: stream,
		reader: NewFrameReader(stream, ReaderMaxSize(opts.maxReadLength)),
		logger: withFields(opts.logger, "conn_id", id, "remote_addr", stream.RemoteAddr().String()),
		opts:   opts,
		done:   make(chan struct{}),
	}
}

// ID returns the connection's process-unique identifier.
// Identifiers increase in creation order.
func (c *Conn) ID() uint64 {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.stream.RemoteAddr()
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn#%d(%s)", c.id, c.stream.RemoteAddr())
}

// Send frames text and writes it to the stream.
// It is a no-op once the connection is shutting down. Write failures are
// returned wrapping ErrWrite.
func (c *Conn) Send(text string) error {
	frame, err := Encode(text)
	if err != nil {
		return err
	}
	return c.sendFrame(frame)
}

// sendFrame writes an encoded frame under the write lock.
func (c *Conn) sendFrame(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closing.Load() {
		return nil
	}

	if c.opts.idleTimeout > 0 {
		if d, ok := c.stream.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout))
		}
	}

	if _, err := c.stream.Write(frame); err != nil {
		c.logger.Debug("write error", "error", err.Error())
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// Shutdown stops sending and half-closes the stream. The peer may keep
// sending; the read loop runs until it observes end of stream.
// Safe to call multiple times.
func (c *Conn) Shutdown() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closing.Swap(true) {
		return nil
	}

	c.logger.Debug("connection half-closed")
	if err := c.stream.CloseWrite(); err != nil {
		return errors.Wrap(err, "half-close")
	}
	return nil
}

// Close releases the stream. Errors from the release are logged and
// suppressed since the connection is being discarded anyway.
// Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		if err := c.stream.Close(); err != nil {
			c.logger.Debug("close error", "error", err.Error())
		}
	})
	return nil
}

// IsClosing returns true once Shutdown or Close has been called, or the read
// loop has ended.
func (c *Conn) IsClosing() bool {
	return c.closing.Load()
}

// Session returns the current session and whether it is logged in.
func (c *Conn) Session() (Session, bool) {
	c.smu.RLock()
	defer c.smu.RUnlock()
	return c.session, c.loggedIn
}

// SetSession replaces the session and recomputes the login state.
func (c *Conn) SetSession(s Session) {
	c.smu.Lock()
	defer c.smu.Unlock()
	c.session = s
	c.loggedIn = s.LoggedIn()
}

// IsLoggedIn reports whether the connection carries a complete session.
func (c *Conn) IsLoggedIn() bool {
	c.smu.RLock()
	defer c.smu.RUnlock()
	return c.loggedIn
}

// Done is closed when the read loop has finished.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the read loop, or nil after a clean end of
// stream. It is only meaningful after Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the read loop has finished and returns its error.
func (c *Conn) Wait() error {
	<-c.done
	return c.err
}

// readLoop delivers messages until end of stream, a fatal error, or a handler
// error, then half-closes the connection.
func (c *Conn) readLoop() {
	defer close(c.done)
	defer func() {
		if err := c.Shutdown(); err != nil {
			c.logger.Debug("shutdown after read loop", "error", err.Error())
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			c.err = &PanicError{Value: r, Stack: debug.Stack()}
			c.logger.Error("read loop panic", "panic", r, "stack", string(c.err.(*PanicError).Stack))
		}
	}()

	c.err = c.consume()
	if c.err != nil {
		c.logger.Debug("read loop ended", "error", c.err)
	} else {
		c.logger.Debug("read loop ended", "reason", "end of stream")
	}
}

func (c *Conn) consume() error {
	for {
		if c.opts.idleTimeout > 0 {
			if d, ok := c.stream.(readDeadliner); ok {
				_ = d.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
			}
		}

		text, err := c.reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if isFrameError(err) && c.opts.onError(err) == Continue {
				c.logger.Debug("skipping undecodable frame", "error", err.Error())
				continue
			}
			return err
		}

		if err := c.opts.onMessage(c, text); err != nil {
			return err
		}
	}
}
