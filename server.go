package chatsock

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/chatsock/protocol"
)

// defaultShutdownNotice is the text of the notice sent to every client when
// the server starts draining.
const defaultShutdownNotice = "Chat server is shutting down"

// Handler processes messages that passed the login gate.
type Handler interface {
	// Handle is called on the connection's read goroutine. A returned error
	// evicts the connection.
	Handle(s *Server, c *Conn, msg *protocol.Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(s *Server, c *Conn, msg *protocol.Message) error

// Handle calls f(s, c, msg).
func (f HandlerFunc) Handle(s *Server, c *Conn, msg *protocol.Message) error {
	return f(s, c, msg)
}

// State is the lifecycle stage of a server.
type State int32

const (
	// StateListening means the accept loop is running or about to run.
	StateListening State = iota
	// StateDraining means the listener is closed and connections are being
	// notified and waited out.
	StateDraining
	// StateStopped means every connection has been released.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server accepts framed connections, enforces the login gate, broadcasts
// between connections and drains them on shutdown.
type Server struct {
	listener     net.Listener
	logger       Logger
	handler      Handler
	onEvent      func(Event)
	connOpts     []Option
	connOptions  options
	streamFunc   func(net.Conn) (Stream, error)
	drainTimeout time.Duration
	notice       string

	mu      sync.Mutex
	conns   map[uint64]*Conn
	closing bool

	state        atomic.Int32
	shutdownOnce sync.Once
	shutdownErr  error
	fatal        chan error
	cleanup      sync.WaitGroup // per-connection setup and cleanup goroutines
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerDrainTimeoutOption bounds how long the drain waits for each client to
// finish. Connections still open when it expires are closed. The default is
// zero, which waits indefinitely: a peer that never closes its side stalls
// the shutdown.
func ServerDrainTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.drainTimeout = timeout
	}
}

// ServerEventOption sets the callback receiving status notifications.
// It is called synchronously and must not block.
func ServerEventOption(cb func(Event)) ServerOption {
	return func(s *Server) {
		s.onEvent = cb
	}
}

// ServerConnOptions sets options applied to every accepted connection.
// The message callback is always the server's own.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// ServerStreamOption sets a function turning each accepted net.Conn into a
// Stream, for example to detect and upgrade WebSocket clients. It runs on its
// own goroutine so a slow handshake does not hold up the accept loop.
func ServerStreamOption(fn func(net.Conn) (Stream, error)) ServerOption {
	return func(s *Server) {
		s.streamFunc = fn
	}
}

// ServerShutdownNoticeOption sets the message sent to every client when the
// server begins draining. It is sent as is and should already be encoded by
// the protocol package.
func ServerShutdownNoticeOption(text string) ServerOption {
	return func(s *Server) {
		s.notice = text
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr string, opts ...ServerOption) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	return NewWithListener(listener, opts...), nil
}

// NewWithListener creates a server accepting from an existing listener.
func NewWithListener(listener net.Listener, opts ...ServerOption) *Server {
	s := &Server{
		listener: listener,
		logger:   slog.Default(),
		conns:    make(map[uint64]*Conn),
		fatal:    make(chan error, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.notice == "" {
		s.notice, _ = protocol.NewNotice(defaultShutdownNotice).Encode()
	}

	connOpts := append([]Option{LoggerOption(s.logger)}, s.connOpts...)
	connOpts = append(connOpts, OnMessageOption(s.onMessage))
	s.connOptions, _ = buildOptions(connOpts)

	return s
}

// Serve accepts connections and dispatches their messages to handler.
//
// It blocks until the listener is closed, by Shutdown or by cancellation of
// ctx, and every connection has drained. A shutdown-triggered stop returns
// nil; any other accept failure is returned after draining.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	if handler == nil {
		return ErrInvalidHandler
	}
	s.handler = handler

	s.logger.Info("server started", "addr", s.listener.Addr())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Shutdown()
		case <-stop:
		}
	}()

	err := s.acceptLoop()
	s.drain()

	s.logger.Info("server stopped", "addr", s.listener.Addr())
	return err
}

// Shutdown closes the listening socket, which makes Serve drain the
// connections and return. Safe to call from any goroutine, multiple times.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.listener.Close()
	})
	return s.shutdownErr
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// State returns the server's lifecycle stage.
func (s *Server) State() State {
	return State(s.state.Load())
}

// ConnCount returns the number of registered connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Fatal delivers errors that indicate a bug, such as a panic in a
// connection's read loop. The process entry point should treat them as
// fatal: shut the server down and exit.
func (s *Server) Fatal() <-chan error {
	return s.fatal
}

// Broadcast sends text to every registered connection except sender.
// Connections that fail to receive it are evicted; the others still get it.
// It is a no-op once the server is draining. The only error returned is a
// failure to encode text.
func (s *Server) Broadcast(sender *Conn, text string) error {
	frame, err := Encode(text)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	targets := s.snapshotLocked(sender)
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.sendFrame(frame); err != nil {
			c.logger.Warn("broadcast failed", "error", err.Error())
			s.evict(c, err)
		}
	}
	return nil
}

func (s *Server) acceptLoop() error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("listening socket closed", "addr", s.listener.Addr())
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err.Error())
			_ = s.Shutdown()
			return errors.Wrap(err, "accept")
		}

		s.logger.Debug("accepted connection", "remote_addr", nc.RemoteAddr())

		if s.streamFunc == nil {
			stream, err := AsStream(nc)
			if err != nil {
				s.logger.Warn("unsupported connection", "remote_addr", nc.RemoteAddr(), "error", err.Error())
				continue
			}
			s.start(stream)
			continue
		}

		s.cleanup.Add(1)
		go func() {
			defer s.cleanup.Done()

			stream, err := s.streamFunc(nc)
			if err != nil {
				s.logger.Warn("connection setup failed", "remote_addr", nc.RemoteAddr(), "error", err.Error())
				_ = nc.Close()
				return
			}
			s.start(stream)
		}()
	}
}

// start registers a connection and launches its read loop and cleanup.
func (s *Server) start(stream Stream) {
	c := newConnWithOptions(stream, s.connOptions)
	if !s.add(c) {
		c.logger.Debug("connection rejected, server is draining")
		_ = c.Close()
		return
	}

	s.cleanup.Add(1)
	go c.readLoop()
	go s.cleanupConn(c)
}

// cleanupConn waits for the read loop of c to end, reports how it ended and
// releases the connection.
func (s *Server) cleanupConn(c *Conn) {
	defer s.cleanup.Done()

	err := c.Wait()

	var pe *PanicError
	switch {
	case err == nil:
	case errors.As(err, &pe):
		s.logger.Error("unexpected client connection error", "conn_id", c.ID(), "error", err.Error(), "stack", string(pe.Stack))
		s.emit(newEvent(EventClientError, c, err.Error()))
		s.reportFatal(err)
	case errors.Is(err, net.ErrClosed):
		// closed locally after an eviction that was already reported
	default:
		s.emit(newEvent(EventClientError, c, err.Error()))
	}

	s.remove(c)
	_ = c.Close()
}

// onMessage enforces the login gate and hands the message to the handler.
func (s *Server) onMessage(c *Conn, text string) error {
	msg, err := protocol.Parse(text)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	loggedIn := c.IsLoggedIn()
	if !loggedIn && msg.Kind != protocol.KindLogin {
		return ErrNotLoggedIn
	}
	if loggedIn && msg.Kind == protocol.KindLogin {
		return ErrAlreadyLoggedIn
	}

	if err := s.handler.Handle(s, c, msg); err != nil {
		return err
	}

	s.emit(newEvent(EventMessageReceived, c, text))
	return nil
}

func (s *Server) drain() {
	s.mu.Lock()
	s.closing = true
	conns := s.snapshotLocked(nil)
	s.mu.Unlock()

	s.state.Store(int32(StateDraining))
	s.logger.Info("draining connections", "clients", len(conns))

	frame, err := Encode(s.notice)
	if err != nil {
		s.logger.Error("invalid shutdown notice", "error", err.Error())
	}

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			return s.drainConn(c, frame)
		})
	}
	if err := g.Wait(); err != nil {
		// each connection's error is reported by its cleanup goroutine
		s.logger.Warn("drain finished with errors", "error", err.Error())
	}

	s.cleanup.Wait()
	s.state.Store(int32(StateStopped))
}

// drainConn sends the notice to c, half-closes it and waits for the peer to
// finish. The drain timeout covers the notice write as well as the wait;
// on expiry the stream is closed, which does not take the write lock.
func (s *Server) drainConn(c *Conn, frame []byte) error {
	var expired atomic.Bool
	if s.drainTimeout > 0 {
		timer := time.AfterFunc(s.drainTimeout, func() {
			expired.Store(true)
			c.logger.Warn("drain timeout, closing connection", "timeout", s.drainTimeout)
			_ = c.Close()
		})
		defer timer.Stop()
	}

	if frame != nil {
		if err := c.sendFrame(frame); err != nil && !expired.Load() {
			s.emit(newEvent(EventClientError, c, err.Error()))
		}
	}
	if err := c.Shutdown(); err != nil {
		c.logger.Debug("half-close failed", "error", err.Error())
	}

	err := c.Wait()
	if expired.Load() {
		return errors.Wrapf(ErrDrainTimeout, "%s", c)
	}
	return err
}

func (s *Server) add(c *Conn) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.conns[c.ID()] = c
	n := len(s.conns)
	s.mu.Unlock()

	s.logger.Info("added client", "conn_id", c.ID(), "remote_addr", c.Addr(), "clients", n)
	s.emit(newEvent(EventConnAccepted, c, fmt.Sprintf("%d clients connected", n)))
	return true
}

// remove deletes c from the registry and reports whether it was present.
func (s *Server) remove(c *Conn) bool {
	s.mu.Lock()
	_, ok := s.conns[c.ID()]
	delete(s.conns, c.ID())
	n := len(s.conns)
	s.mu.Unlock()

	if ok {
		ev := newEvent(EventConnRemoved, c, fmt.Sprintf("%d clients connected", n))
		s.logger.Info("removed client", "client", ev.Who(), "clients", n)
		s.emit(ev)
	}
	return ok
}

// evict reports err for c, removes it and closes it.
func (s *Server) evict(c *Conn, err error) {
	s.emit(newEvent(EventClientError, c, err.Error()))
	s.remove(c)
	_ = c.Close()
}

// snapshotLocked returns the registered connections in accept order,
// leaving out except. The caller must hold s.mu.
func (s *Server) snapshotLocked(except *Conn) []*Conn {
	conns := slices.SortedFunc(maps.Values(s.conns), func(a, b *Conn) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	if except != nil {
		conns = slices.DeleteFunc(conns, func(c *Conn) bool { return c == except })
	}
	return conns
}

func (s *Server) emit(e Event) {
	if s.onEvent != nil {
		s.onEvent(e)
	}
}

func (s *Server) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}
