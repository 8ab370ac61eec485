package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
)

// WebSocketConn carries the framed byte stream inside binary WebSocket
// messages. It satisfies chatsock.Stream.
//
// Reads concatenate the payloads of data frames and a close frame from the
// peer ends the stream. The close frame is not answered until CloseWrite is
// called, so a peer that closed first still receives what is left to send.
type WebSocketConn struct {
	net.Conn
	state ws.State
	rd    *wsutil.Reader
	ctl   bytes.Buffer

	wmu       sync.Mutex
	closeSent bool

	eof bool
}

func newWebSocketConn(conn net.Conn, src io.Reader, state ws.State) *WebSocketConn {
	c := &WebSocketConn{
		Conn:  conn,
		state: state,
	}
	c.rd = &wsutil.Reader{
		Source:         src,
		State:          state,
		OnIntermediate: c.handleControl,
	}
	return c
}

// UpgradeWebSocket performs the server side handshake. br reads from conn and
// may already hold bytes peeked from it.
func UpgradeWebSocket(conn net.Conn, br io.Reader) (*WebSocketConn, error) {
	if _, err := ws.Upgrade(struct {
		io.Reader
		io.Writer
	}{br, conn}); err != nil {
		return nil, errors.Wrap(err, "websocket upgrade")
	}
	return newWebSocketConn(conn, br, ws.StateServerSide), nil
}

// DialWebSocket connects to a WebSocket endpoint such as ws://host:port/.
func DialWebSocket(ctx context.Context, url string) (*WebSocketConn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}

	var src io.Reader = conn
	if br != nil {
		// the server spoke before we read the handshake response to the end
		src = io.MultiReader(br, conn)
	}
	return newWebSocketConn(conn, src, ws.StateClientSide), nil
}

// Read implements io.Reader over the payloads of incoming data frames.
func (c *WebSocketConn) Read(p []byte) (int, error) {
	if c.eof {
		return 0, io.EOF
	}

	for {
		n, err := c.rd.Read(p)
		if n > 0 {
			return n, nil
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, wsutil.ErrNoFrameAdvance), errors.Is(err, io.EOF):
		default:
			return 0, c.endOfStream(err)
		}

		hdr, err := c.rd.NextFrame()
		if err != nil {
			return 0, c.endOfStream(err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.rd); err != nil {
				return 0, c.endOfStream(err)
			}
		}
	}
}

// Write sends p as one binary message.
func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closeSent {
		return 0, net.ErrClosed
	}
	if err := wsutil.WriteMessage(c.Conn, c.state, ws.OpBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite sends a normal closure frame. Later writes fail.
func (c *WebSocketConn) CloseWrite() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closeSent {
		return nil
	}
	c.closeSent = true
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	return wsutil.WriteMessage(c.Conn, c.state, ws.OpClose, body)
}

// handleControl answers pings. Frames read by wsutil.Reader are already
// unmasked.
func (c *WebSocketConn) handleControl(hdr ws.Header, r io.Reader) error {
	if hdr.OpCode == ws.OpClose {
		handler := wsutil.ControlHandler{
			Src:                 r,
			Dst:                 io.Discard,
			State:               c.state,
			DisableSrcCiphering: true,
		}
		return handler.HandleClose(hdr)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.ctl.Reset()
	handler := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &c.ctl,
		State:               c.state,
		DisableSrcCiphering: true,
	}
	if err := handler.Handle(hdr); err != nil {
		return err
	}
	if c.ctl.Len() == 0 || c.closeSent {
		return nil
	}
	_, err := c.Conn.Write(c.ctl.Bytes())
	return err
}

func (c *WebSocketConn) endOfStream(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, io.EOF) {
		c.eof = true
		return io.EOF
	}
	return errors.Wrap(err, "websocket read")
}
