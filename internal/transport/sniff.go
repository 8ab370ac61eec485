// Package transport adapts accepted connections to chatsock streams. A single
// listener serves both raw framed TCP clients and WebSocket clients.
package transport

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/chatsock"
)

// DefaultSniffTimeout bounds how long Sniff waits for the first bytes.
const DefaultSniffTimeout = 5 * time.Second

const sniffLen = 4

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("DELE"),
	[]byte("OPTI"),
	[]byte("PATC"),
	[]byte("CONN"),
	[]byte("TRAC"),
}

// Sniffer returns a stream constructor for chatsock.ServerStreamOption.
func Sniffer(timeout time.Duration) func(net.Conn) (chatsock.Stream, error) {
	return func(nc net.Conn) (chatsock.Stream, error) {
		return Sniff(nc, timeout)
	}
}

// Sniff peeks at the first bytes of nc. An HTTP request is upgraded to a
// WebSocket; anything else is a raw framed stream and the peeked bytes are
// replayed to its reader. A client that sends nothing within timeout is
// treated as raw.
func Sniff(nc net.Conn, timeout time.Duration) (chatsock.Stream, error) {
	if timeout <= 0 {
		timeout = DefaultSniffTimeout
	}

	br := bufio.NewReader(nc)
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.Wrap(err, "set sniff deadline")
	}
	head, err := br.Peek(sniffLen)
	if derr := nc.SetReadDeadline(time.Time{}); derr != nil {
		return nil, errors.Wrap(derr, "clear sniff deadline")
	}

	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, os.ErrDeadlineExceeded):
		// too little to be HTTP; the frame reader reports the rest
		return newRawStream(nc, br)
	default:
		return nil, errors.Wrap(err, "sniff")
	}

	if isHTTP(head) {
		return UpgradeWebSocket(nc, br)
	}
	return newRawStream(nc, br)
}

func isHTTP(head []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(head, m) {
			return true
		}
	}
	return false
}

type closeWriter interface {
	CloseWrite() error
}

// rawStream is a TCP stream whose first bytes were already buffered.
type rawStream struct {
	net.Conn
	cw closeWriter
	br *bufio.Reader
}

func newRawStream(nc net.Conn, br *bufio.Reader) (*rawStream, error) {
	cw, ok := nc.(closeWriter)
	if !ok {
		return nil, errors.Wrapf(chatsock.ErrHalfCloseUnsupported, "%T", nc)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &rawStream{Conn: nc, cw: cw, br: br}, nil
}

func (s *rawStream) Read(p []byte) (int, error) {
	return s.br.Read(p)
}

func (s *rawStream) CloseWrite() error {
	return s.cw.CloseWrite()
}
