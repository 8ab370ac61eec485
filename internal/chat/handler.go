// Package chat implements the login and text commands on top of the
// chatsock server, and a small client used by the command line tool.
package chat

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Zereker/chatsock"
	"github.com/Zereker/chatsock/protocol"
)

// Authenticator checks login credentials.
type Authenticator interface {
	Authenticate(username, password string) error
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(username, password string) error

// Authenticate calls f(username, password).
func (f AuthenticatorFunc) Authenticate(username, password string) error {
	return f(username, password)
}

// AllowAll accepts any non-empty username.
var AllowAll = AuthenticatorFunc(func(username, _ string) error {
	if username == "" {
		return errors.New("empty username")
	}
	return nil
})

// Handler dispatches login and text messages.
type Handler struct {
	auth   Authenticator
	newSID func() string
	logger chatsock.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithAuthenticator replaces the default AllowAll authenticator.
func WithAuthenticator(auth Authenticator) Option {
	return func(h *Handler) {
		h.auth = auth
	}
}

// WithSessionIDs replaces the session id generator.
func WithSessionIDs(fn func() string) Option {
	return func(h *Handler) {
		h.newSID = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger chatsock.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler returns a Handler ready to pass to chatsock.Server.Serve.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		auth:   AllowAll,
		newSID: NewSessionID,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = nopLogger{}
	}
	return h
}

// NewSessionID returns a random 32 character hex session id.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Handle implements chatsock.Handler.
func (h *Handler) Handle(s *chatsock.Server, c *chatsock.Conn, msg *protocol.Message) error {
	switch msg.Kind {
	case protocol.KindLogin:
		return h.login(c, msg)
	case protocol.KindText:
		return h.text(s, c, msg)
	default:
		return errors.Wrapf(protocol.ErrUnknownKind, "pid %d", msg.Kind)
	}
}

func (h *Handler) login(c *chatsock.Conn, msg *protocol.Message) error {
	login, err := msg.Login()
	if err != nil {
		return errors.Wrap(chatsock.ErrProtocol, err.Error())
	}

	if err := h.auth.Authenticate(login.Username, login.Password); err != nil {
		h.logger.Info("login rejected", "user", login.Username, "error", err.Error())
		reply, err := protocol.NewLoginFailure(login.Username, err.Error()).Encode()
		if err != nil {
			return err
		}
		return c.Send(reply)
	}

	sess := chatsock.Session{Username: login.Username, ID: h.newSID()}
	c.SetSession(sess)
	h.logger.Info("user logged in", "user", sess.Username, "conn_id", c.ID())

	reply, err := protocol.NewLoginResponse(sess.Username, sess.ID).Encode()
	if err != nil {
		return err
	}
	return c.Send(reply)
}

func (h *Handler) text(s *chatsock.Server, c *chatsock.Conn, msg *protocol.Message) error {
	chat, err := msg.Chat()
	if err != nil {
		return errors.Wrap(chatsock.ErrProtocol, err.Error())
	}

	sess, _ := c.Session()
	out, err := protocol.NewChatResponse(sess.Username, chat.Message).Encode()
	if err != nil {
		return err
	}
	return s.Broadcast(c, out)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
