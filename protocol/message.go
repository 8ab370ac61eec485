// Package protocol defines the JSON messages exchanged by chat clients and
// the server. Each message carries a kind tag and, depending on the kind, one
// payload variant.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Errors returned while parsing messages.
var (
	// ErrUnknownKind is returned for a kind tag outside the known set.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrMissingPayload is returned when a message lacks the payload its kind requires.
	ErrMissingPayload = errors.New("missing payload")
)

// Kind is the message tag.
type Kind int

const (
	KindUnknown Kind = iota
	KindLogin
	KindText
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "LOGIN"
	case KindText:
		return "TEXT"
	default:
		return "UNKNOWN"
	}
}

// Payload is one of the message body variants.
type Payload interface {
	Kind() Kind
}

// LoginPayload carries credentials from a client.
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// Kind implements Payload.
func (*LoginPayload) Kind() Kind { return KindLogin }

// ChatPayload carries chat text.
type ChatPayload struct {
	Message string `json:"message"`
}

// Kind implements Payload.
func (*ChatPayload) Kind() Kind { return KindText }

// Message is the envelope of every frame.
type Message struct {
	Kind    Kind            `json:"pid"`
	User    string          `json:"user,omitempty"`
	SID     string          `json:"sid,omitempty"`
	Err     bool            `json:"err,omitempty"`
	ErrText string          `json:"serr,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Parse decodes text into a Message and checks its kind tag.
func Parse(text string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}

	switch m.Kind {
	case KindLogin, KindText:
		return &m, nil
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "pid %d", m.Kind)
	}
}

// Encode returns the JSON text of m.
func (m *Message) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "encode message")
	}
	return string(data), nil
}

// Content decodes the payload variant selected by the kind tag.
func (m *Message) Content() (Payload, error) {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return nil, errors.Wrapf(ErrMissingPayload, "%s message", m.Kind)
	}

	var p Payload
	switch m.Kind {
	case KindLogin:
		p = new(LoginPayload)
	case KindText:
		p = new(ChatPayload)
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "pid %d", m.Kind)
	}

	if err := json.Unmarshal(m.Payload, p); err != nil {
		return nil, errors.Wrapf(err, "decode %s payload", m.Kind)
	}
	return p, nil
}

// Login returns the login payload.
func (m *Message) Login() (*LoginPayload, error) {
	p, err := m.Content()
	if err != nil {
		return nil, err
	}
	login, ok := p.(*LoginPayload)
	if !ok {
		return nil, errors.Errorf("%s message has no login payload", m.Kind)
	}
	return login, nil
}

// Chat returns the chat payload.
func (m *Message) Chat() (*ChatPayload, error) {
	p, err := m.Content()
	if err != nil {
		return nil, err
	}
	chat, ok := p.(*ChatPayload)
	if !ok {
		return nil, errors.Errorf("%s message has no chat payload", m.Kind)
	}
	return chat, nil
}

func newMessage(kind Kind, payload Payload) *Message {
	m := &Message{Kind: kind}
	if payload != nil {
		// payload variants only hold strings and always marshal
		m.Payload, _ = json.Marshal(payload)
	}
	return m
}

// NewLogin builds the login command a client sends first.
func NewLogin(username, password string) *Message {
	return newMessage(KindLogin, &LoginPayload{Username: username, Password: password})
}

// NewLoginResponse builds the server's reply to a successful login.
func NewLoginResponse(username, sid string) *Message {
	m := newMessage(KindLogin, nil)
	m.User = username
	m.SID = sid
	return m
}

// NewLoginFailure builds the server's reply to a rejected login.
func NewLoginFailure(username, reason string) *Message {
	m := newMessage(KindLogin, nil)
	m.User = username
	m.Err = true
	m.ErrText = reason
	return m
}

// NewChat builds a chat message sent by a logged-in client.
func NewChat(username, sid, text string) *Message {
	m := newMessage(KindText, &ChatPayload{Message: text})
	m.User = username
	m.SID = sid
	return m
}

// NewChatResponse builds the message the server relays to other clients.
func NewChatResponse(username, text string) *Message {
	m := newMessage(KindText, &ChatPayload{Message: text})
	m.User = username
	return m
}

// NewNotice builds a server notice, such as the shutdown announcement.
func NewNotice(text string) *Message {
	return newMessage(KindText, &ChatPayload{Message: text})
}
