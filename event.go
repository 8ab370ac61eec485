package chatsock

import "time"

// EventType identifies a server status notification.
type EventType int

const (
	// EventConnAccepted is emitted when a connection is registered.
	EventConnAccepted EventType = iota + 1
	// EventConnRemoved is emitted when a connection leaves the registry.
	EventConnRemoved
	// EventClientError is emitted when a connection fails or is evicted.
	EventClientError
	// EventMessageReceived is emitted after a message passed the login gate
	// and was handled.
	EventMessageReceived
)

func (t EventType) String() string {
	switch t {
	case EventConnAccepted:
		return "conn_accepted"
	case EventConnRemoved:
		return "conn_removed"
	case EventClientError:
		return "client_error"
	case EventMessageReceived:
		return "message_received"
	default:
		return "unknown"
	}
}

// Event is a status notification from the server.
type Event struct {
	Type   EventType
	ConnID uint64
	Addr   string
	// User is the session username when the connection is logged in.
	User   string
	Reason string
	Time   time.Time
}

// Who returns the username if known, otherwise the remote address.
func (e Event) Who() string {
	if e.User != "" {
		return e.User
	}
	return e.Addr
}

func newEvent(t EventType, c *Conn, reason string) Event {
	e := Event{
		Type:   t,
		ConnID: c.ID(),
		Addr:   c.Addr().String(),
		Reason: reason,
		Time:   time.Now(),
	}
	if s, ok := c.Session(); ok {
		e.User = s.Username
	}
	return e
}
