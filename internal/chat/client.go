package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/Zereker/chatsock"
	"github.com/Zereker/chatsock/protocol"
)

// ErrLoginRejected is returned by Client.Login when the server refuses the
// credentials.
var ErrLoginRejected = errors.New("login rejected")

// Line is a chat line or server notice delivered to a client.
type Line struct {
	User string
	Text string
}

// Notice reports whether the line came from the server rather than a user.
func (l Line) Notice() bool {
	return l.User == ""
}

// Client is a logged-in chat participant.
//
// Closing the client follows the graceful shutdown contract: it half-closes
// its side and keeps reading until the server closes too.
type Client struct {
	conn     *chatsock.Conn
	onLine   func(Line)
	connOpts []chatsock.Option

	loginOnce sync.Once
	loginDone chan struct{}
	loginErr  error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLineHandler sets the callback receiving chat lines and notices.
// It runs on the connection's read goroutine.
func WithLineHandler(fn func(Line)) ClientOption {
	return func(c *Client) {
		c.onLine = fn
	}
}

// WithConnOptions passes options to the underlying connection.
func WithConnOptions(opts ...chatsock.Option) ClientOption {
	return func(c *Client) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

func newClient(opts []ClientOption) *Client {
	c := &Client{
		onLine:    func(Line) {},
		loginDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) connOptions() []chatsock.Option {
	return append(c.connOpts, chatsock.OnMessageOption(c.onMessage))
}

// Dial connects a client to a TCP chat server.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	c := newClient(opts)

	conn, err := chatsock.Dial(ctx, "tcp", addr, c.connOptions()...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// NewClient runs a client over an established stream, such as a WebSocket.
func NewClient(stream chatsock.Stream, opts ...ClientOption) (*Client, error) {
	c := newClient(opts)

	conn, err := chatsock.NewConn(stream, c.connOptions()...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// Conn returns the underlying connection.
func (c *Client) Conn() *chatsock.Conn {
	return c.conn
}

// Login sends the login command and waits for the server's answer.
// Only the first answer is considered; a rejected client should reconnect.
func (c *Client) Login(ctx context.Context, username, password string) (chatsock.Session, error) {
	text, err := protocol.NewLogin(username, password).Encode()
	if err != nil {
		return chatsock.Session{}, err
	}
	if err := c.conn.Send(text); err != nil {
		return chatsock.Session{}, err
	}

	select {
	case <-c.loginDone:
	case <-c.conn.Done():
		if err := c.conn.Err(); err != nil {
			return chatsock.Session{}, err
		}
		return chatsock.Session{}, errors.New("connection closed before login completed")
	case <-ctx.Done():
		return chatsock.Session{}, ctx.Err()
	}

	if c.loginErr != nil {
		return chatsock.Session{}, c.loginErr
	}
	sess, _ := c.conn.Session()
	return sess, nil
}

// Say sends a chat line to the other participants.
func (c *Client) Say(text string) error {
	sess, ok := c.conn.Session()
	if !ok {
		return chatsock.ErrNotLoggedIn
	}

	msg, err := protocol.NewChat(sess.Username, sess.ID, text).Encode()
	if err != nil {
		return err
	}
	return c.conn.Send(msg)
}

// Close stops sending. The server sees end of stream and releases the
// connection; Wait returns once it has.
func (c *Client) Close() error {
	return c.conn.Shutdown()
}

// Wait blocks until the server closes its side, releases the connection and
// returns the read loop's error.
func (c *Client) Wait() error {
	err := c.conn.Wait()
	_ = c.conn.Close()
	return err
}

func (c *Client) onMessage(conn *chatsock.Conn, text string) error {
	msg, err := protocol.Parse(text)
	if err != nil {
		return errors.Wrap(chatsock.ErrProtocol, err.Error())
	}

	switch msg.Kind {
	case protocol.KindLogin:
		c.loginOnce.Do(func() {
			if msg.Err {
				c.loginErr = errors.Wrap(ErrLoginRejected, msg.ErrText)
			} else {
				conn.SetSession(chatsock.Session{Username: msg.User, ID: msg.SID})
			}
			close(c.loginDone)
		})

	case protocol.KindText:
		chat, err := msg.Chat()
		if err != nil {
			return errors.Wrap(chatsock.ErrProtocol, err.Error())
		}
		c.onLine(Line{User: msg.User, Text: chat.Message})
	}
	return nil
}
