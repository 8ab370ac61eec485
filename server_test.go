package chatsock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Zereker/chatsock/protocol"
)

// chatHandler logs users in with a fixed session id scheme and relays text.
func chatHandler(s *Server, c *Conn, msg *protocol.Message) error {
	switch msg.Kind {
	case protocol.KindLogin:
		login, err := msg.Login()
		if err != nil {
			return err
		}
		sid := "sid-" + login.Username
		c.SetSession(Session{Username: login.Username, ID: sid})
		reply, _ := protocol.NewLoginResponse(login.Username, sid).Encode()
		return c.Send(reply)
	default:
		chat, err := msg.Chat()
		if err != nil {
			return err
		}
		sess, _ := c.Session()
		out, _ := protocol.NewChatResponse(sess.Username, chat.Message).Encode()
		return s.Broadcast(c, out)
	}
}

// eventLog records server events; the callback must not block.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) wait(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		for _, e := range l.events {
			if match(e) {
				l.mu.Unlock()
				return e
			}
		}
		l.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for event")
	return Event{}
}

func (l *eventLog) count(match func(Event) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if match(e) {
			n++
		}
	}
	return n
}

type testServer struct {
	*Server
	events *eventLog
	served chan error
	cancel context.CancelFunc
}

func startServer(t *testing.T, handler Handler, opts ...ServerOption) *testServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	events := &eventLog{}
	opts = append(opts, ServerEventOption(events.record))
	s := NewWithListener(l, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{Server: s, events: events, served: make(chan error, 1), cancel: cancel}
	go func() {
		ts.served <- s.Serve(ctx, handler)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.served:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ts
}

func (ts *testServer) waitServed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-ts.served:
		ts.served <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
		return nil
	}
}

type testClient struct {
	*Conn
	inbox *collector
}

func dialClient(t *testing.T, ts *testServer) *testClient {
	t.Helper()

	inbox := newCollector()
	c, err := Dial(context.Background(), "tcp", ts.Addr().String(), OnMessageOption(inbox.onMessage))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &testClient{Conn: c, inbox: inbox}
}

func (ts *testServer) waitConnCount(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for ts.ConnCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", want, ts.ConnCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (c *testClient) send(t *testing.T, m *protocol.Message) {
	t.Helper()
	text, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := c.Send(text); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func (c *testClient) receive(t *testing.T) *protocol.Message {
	t.Helper()
	msg, err := protocol.Parse(c.inbox.next(t))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return msg
}

func (c *testClient) login(t *testing.T, name string) {
	t.Helper()
	c.send(t, protocol.NewLogin(name, "secret"))
	reply := c.receive(t)
	if reply.Kind != protocol.KindLogin || reply.SID != "sid-"+name {
		t.Fatalf("unexpected login reply %+v", reply)
	}
}

func (c *testClient) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case text := <-c.inbox.ch:
		t.Errorf("unexpected message %q", text)
	case <-time.After(d):
	}
}

func clientError(reason string) func(Event) bool {
	return func(e Event) bool {
		return e.Type == EventClientError && strings.Contains(e.Reason, reason)
	}
}

func TestNew(t *testing.T) {
	s, err := New("127.0.0.1:0")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Shutdown()

	if s.Addr() == nil {
		t.Error("expected a listening address")
	}
	if s.State() != StateListening {
		t.Errorf("expected listening, got %s", s.State())
	}
}

func TestNew_InvalidAddr(t *testing.T) {
	if _, err := New("256.0.0.1:0"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestServer_ServeNilHandler(t *testing.T) {
	s, err := New("127.0.0.1:0")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Shutdown()

	if err := s.Serve(context.Background(), nil); err != ErrInvalidHandler {
		t.Errorf("expected ErrInvalidHandler, got %v", err)
	}
}

func TestServer_LoginAndBroadcast(t *testing.T) {
	ts := startServer(t, HandlerFunc(chatHandler))

	alice := dialClient(t, ts)
	bob := dialClient(t, ts)
	carol := dialClient(t, ts)
	alice.login(t, "alice")
	bob.login(t, "bob")
	carol.login(t, "carol")

	alice.send(t, protocol.NewChat("alice", "sid-alice", "hi all"))

	for _, c := range []*testClient{bob, carol} {
		msg := c.receive(t)
		chat, err := msg.Chat()
		if err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		if msg.User != "alice" || chat.Message != "hi all" {
			t.Errorf("unexpected relay %+v %q", msg, chat.Message)
		}
	}
	alice.quiet(t, 100*time.Millisecond)

	e := ts.events.wait(t, func(e Event) bool { return e.Type == EventMessageReceived && e.User == "alice" && strings.Contains(e.Reason, "hi all") })
	if e.Who() != "alice" {
		t.Errorf("expected event from alice, got %s", e.Who())
	}
	if n := ts.ConnCount(); n != 3 {
		t.Errorf("expected 3 clients, got %d", n)
	}
}

func TestServer_LoginGate(t *testing.T) {
	ts := startServer(t, HandlerFunc(chatHandler))

	c := dialClient(t, ts)
	c.send(t, protocol.NewChat("mallory", "forged", "sneaky"))

	ts.events.wait(t, clientError(ErrNotLoggedIn.Error()))
	waitDone(t, c.Conn)
	ts.events.wait(t, func(e Event) bool { return e.Type == EventConnRemoved })
}

func TestServer_SecondLogin(t *testing.T) {
	ts := startServer(t, HandlerFunc(chatHandler))

	c := dialClient(t, ts)
	bob := dialClient(t, ts)
	c.login(t, "alice")
	bob.login(t, "bob")
	c.send(t, protocol.NewLogin("alice", "again"))

	e := ts.events.wait(t, clientError(ErrAlreadyLoggedIn.Error()))
	if e.User != "alice" {
		t.Errorf("expected event for alice, got %q", e.User)
	}
	waitDone(t, c.Conn)

	// the other connection stays registered and keeps receiving
	ts.waitConnCount(t, 1)
	out, _ := protocol.NewChatResponse("server", "still here").Encode()
	if err := ts.Broadcast(nil, out); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	chat, err := bob.receive(t).Chat()
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if chat.Message != "still here" {
		t.Errorf("unexpected message %q", chat.Message)
	}
	if bob.IsClosing() {
		t.Error("bystander connection was closed")
	}
}

func TestServer_ProtocolError(t *testing.T) {
	ts := startServer(t, HandlerFunc(chatHandler))

	c := dialClient(t, ts)
	if err := c.Send("{not json"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ts.events.wait(t, clientError(ErrProtocol.Error()))
	waitDone(t, c.Conn)
}

func TestServer_HandlerErrorEvicts(t *testing.T) {
	handlerErr := errors.New("rejected by handler")
	ts := startServer(t, HandlerFunc(func(*Server, *Conn, *protocol.Message) error {
		return handlerErr
	}))

	c := dialClient(t, ts)
	c.send(t, protocol.NewLogin("alice", ""))

	ts.events.wait(t, clientError(handlerErr.Error()))
	waitDone(t, c.Conn)
}

func TestServer_ShutdownDrains(t *testing.T) {
	ts := startServer(t, HandlerFunc(chatHandler))

	alice := dialClient(t, ts)
	bob := dialClient(t, ts)
	alice.login(t, "alice")
	bob.login(t, "bob")

	if err := ts.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := ts.Shutdown(); err != nil {
		t.Errorf("second Shutdown failed: %v", err)
	}

	for _, c := range []*testClient{alice, bob} {
		msg := c.receive(t)
		chat, err := msg.Chat()
		if err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		if msg.User != "" || chat.Message != defaultShutdownNotice {
			t.Errorf("expected shutdown notice, got %+v %q", msg, chat.Message)
		}
		if err := waitDone(t, c.Conn); err != nil {
			t.Errorf("expected clean end of stream, got %v", err)
		}
	}

	if err := ts.waitServed(t); err != nil {
		t.Errorf("expected Serve to return nil, got %v", err)
	}
	if ts.State() != StateStopped {
		t.Errorf("expected stopped, got %s", ts.State())
	}
	if n := ts.ConnCount(); n != 0 {
		t.Errorf("expected no clients, got %d", n)
	}

	// the server side of every connection saw a clean end of stream
	if n := ts.events.count(func(e Event) bool { return e.Type == EventClientError }); n != 0 {
		t.Errorf("expected no client errors during the drain, got %d", n)
	}
	if n := ts.events.count(func(e Event) bool { return e.Type == EventConnRemoved }); n != 2 {
		t.Errorf("expected 2 removed connections, got %d", n)
	}

	if _, err := net.Dial("tcp", ts.Addr().String()); err == nil {
		t.Error("expected the listener to be closed")
	}
}

func TestServer_ShutdownNoticeOption(t *testing.T) {
	notice, _ := protocol.NewNotice("maintenance").Encode()
	ts := startServer(t, HandlerFunc(chatHandler), ServerShutdownNoticeOption(notice))

	c := dialClient(t, ts)
	c.login(t, "alice")
	ts.cancel()

	chat, err := c.receive(t).Chat()
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if chat.Message != "maintenance" {
		t.Errorf("expected maintenance notice, got %q", chat.Message)
	}
	if err := ts.waitServed(t); err != nil {
		t.Errorf("expected Serve to return nil, got %v", err)
	}
}

func TestServer_DrainTimeout(t *testing.T) {
	ts := startServer(t, HandlerFunc(chatHandler), ServerDrainTimeoutOption(100*time.Millisecond))

	// a raw peer that reads but never closes its side
	raw, err := net.Dial("tcp", ts.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer raw.Close()
	ts.events.wait(t, func(e Event) bool { return e.Type == EventConnAccepted })

	start := time.Now()
	ts.Shutdown()
	if err := ts.waitServed(t); err != nil {
		t.Errorf("expected Serve to return nil, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("drain took %v", elapsed)
	}
	if ts.State() != StateStopped {
		t.Errorf("expected stopped, got %s", ts.State())
	}
}

func TestServer_DrainTimeoutStuckWriter(t *testing.T) {
	ts := startServer(t, HandlerFunc(chatHandler), ServerDrainTimeoutOption(200*time.Millisecond))

	// a raw peer that never reads, so writes to it block once the socket
	// buffers are full
	raw, err := net.Dial("tcp", ts.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer raw.Close()
	ts.waitConnCount(t, 1)

	noise := make([]byte, 32*1024)
	_, _ = rand.Read(noise)
	big := hex.EncodeToString(noise)

	var sent atomic.Int64
	go func() {
		for i := 0; i < 2000 && ts.State() == StateListening; i++ {
			_ = ts.Broadcast(nil, big)
			sent.Add(1)
		}
	}()

	// wait until broadcasting stops making progress
	last := int64(-1)
	for n := sent.Load(); n != last; n = sent.Load() {
		last = n
		time.Sleep(300 * time.Millisecond)
	}

	start := time.Now()
	ts.Shutdown()
	if err := ts.waitServed(t); err != nil {
		t.Errorf("expected Serve to return nil, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("drain took %v with a 200ms timeout", elapsed)
	}
	if ts.State() != StateStopped {
		t.Errorf("expected stopped, got %s", ts.State())
	}
}

func TestServer_AcceptErrorClosesListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	fl := &failingListener{Listener: l, err: errors.New("too many open files")}
	rec := &recordingLogger{}
	s := NewWithListener(fl, ServerLoggerOption(rec))

	err = s.Serve(context.Background(), HandlerFunc(chatHandler))
	if !errors.Is(err, fl.err) {
		t.Fatalf("expected accept error, got %v", err)
	}
	if !fl.closed.Load() {
		t.Error("expected the listener to be closed")
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}

	// errors are logged as their message, without a stack trace
	e, ok := rec.find("accept error")
	if !ok {
		t.Fatal("accept error not logged")
	}
	if len(e.args) != 2 || e.args[1] != "too many open files" {
		t.Errorf("unexpected log fields %v", e.args)
	}
}

// failingListener fails every Accept with a non-temporary error.
type failingListener struct {
	net.Listener
	err    error
	closed atomic.Bool
}

func (l *failingListener) Accept() (net.Conn, error) {
	return nil, l.err
}

func (l *failingListener) Close() error {
	l.closed.Store(true)
	return l.Listener.Close()
}

func TestServer_FatalOnPanic(t *testing.T) {
	ts := startServer(t, HandlerFunc(func(*Server, *Conn, *protocol.Message) error {
		panic("handler bug")
	}))

	c := dialClient(t, ts)
	c.send(t, protocol.NewLogin("alice", ""))

	select {
	case err := <-ts.Fatal():
		var pe *PanicError
		if !errors.As(err, &pe) || pe.Value != "handler bug" {
			t.Errorf("expected PanicError, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for fatal error")
	}

	// the connection is released like any other
	waitDone(t, c.Conn)
	ts.events.wait(t, func(e Event) bool { return e.Type == EventConnRemoved })
}

func TestServer_StreamOption(t *testing.T) {
	var mu sync.Mutex
	wrapped := 0
	ts := startServer(t, HandlerFunc(chatHandler), ServerStreamOption(func(nc net.Conn) (Stream, error) {
		mu.Lock()
		wrapped++
		mu.Unlock()
		return AsStream(nc)
	}))

	c := dialClient(t, ts)
	c.login(t, "alice")

	mu.Lock()
	defer mu.Unlock()
	if wrapped != 1 {
		t.Errorf("expected one wrapped stream, got %d", wrapped)
	}
}

func TestServer_StreamOptionError(t *testing.T) {
	ts := startServer(t, HandlerFunc(chatHandler), ServerStreamOption(func(net.Conn) (Stream, error) {
		return nil, errors.New("handshake failed")
	}))

	c := dialClient(t, ts)
	waitDone(t, c.Conn)
	if n := ts.ConnCount(); n != 0 {
		t.Errorf("expected no clients, got %d", n)
	}
}

func TestServer_BroadcastWhileDrainingIsDropped(t *testing.T) {
	ts := startServer(t, HandlerFunc(chatHandler))

	c := dialClient(t, ts)
	c.login(t, "alice")

	ts.mu.Lock()
	ts.closing = true
	ts.mu.Unlock()

	if err := ts.Broadcast(nil, "nobody hears this"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	c.quiet(t, 100*time.Millisecond)

	ts.mu.Lock()
	ts.closing = false
	ts.mu.Unlock()
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateListening: "listening",
		StateDraining:  "draining",
		StateStopped:   "stopped",
		State(42):      "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("expected %s, got %s", want, s.String())
		}
	}
}

func TestEventType_String(t *testing.T) {
	if EventConnAccepted.String() == EventConnRemoved.String() {
		t.Error("event types should have distinct names")
	}
}
