package chatsock

import (
	"time"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect ends the read loop when an error occurs.
	Disconnect ErrorAction = iota
	// Continue skips the offending frame and keeps reading. It only applies
	// to frame-level decode failures; stream-level failures always disconnect.
	Continue
)

// MessageFunc is invoked for every message read from a connection.
// Returning an error ends the connection's read loop with that error.
type MessageFunc func(c *Conn, text string) error

// options holds the configuration for a connection.
type options struct {
	logger Logger

	onMessage MessageFunc
	// onError is called when a frame fails to decode.
	// Returns Disconnect to end the read loop, Continue to skip the frame.
	onError func(error) ErrorAction

	maxReadLength int           // maximum size of a single message
	idleTimeout   time.Duration // read/write deadline, zero for none
}

// Option is a function that configures connection options.
type Option func(*options)

// OnMessageOption sets the message handler callback.
// This callback is required and is invoked for each received message, in
// arrival order, on the connection's read goroutine.
func OnMessageOption(cb MessageFunc) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnErrorOption sets the callback consulted when a frame fails to decompress
// or is not valid UTF-8.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// MessageMaxSize sets the maximum size of a single message.
// Larger frames end the connection with ErrFrameTooLarge.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// IdleTimeoutOption sets read and write deadlines on streams that support
// them. A peer silent for longer than the timeout is disconnected.
// The default is no timeout.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
