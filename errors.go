package chatsock

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by the frame codec and reader.
var (
	// ErrFrameTooLarge is returned when a payload does not fit the length field
	// or exceeds the configured maximum message size.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrMalformedLength is returned when the length field contains non-digit bytes.
	ErrMalformedLength = errors.New("malformed frame length")
	// ErrMalformedHeader is returned when the compression flag is neither 0 nor 1.
	ErrMalformedHeader = errors.New("malformed frame header")
	// ErrTruncatedFrame is returned when the stream ends in the middle of a frame.
	ErrTruncatedFrame = errors.New("truncated frame")
	// ErrDecompression is returned when a compressed payload cannot be inflated.
	ErrDecompression = errors.New("decompression failed")
	// ErrEncoding is returned for text that is not valid UTF-8.
	ErrEncoding = errors.New("invalid utf-8 text")
)

// Errors raised by the server's login gate and message parsing.
var (
	// ErrProtocol is returned when a message cannot be interpreted.
	ErrProtocol = errors.New("protocol violation")
	// ErrNotLoggedIn is returned when a non-login message arrives before login.
	ErrNotLoggedIn = errors.New("client not logged in")
	// ErrAlreadyLoggedIn is returned when a second login message arrives.
	ErrAlreadyLoggedIn = errors.New("client already sent one login message")
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrWrite wraps failures writing a frame to the stream.
	ErrWrite = errors.New("write frame")
	// ErrHalfCloseUnsupported is returned for streams that cannot close only
	// their sending direction.
	ErrHalfCloseUnsupported = errors.New("stream does not support half-close")
)

// Errors returned by server operations.
var (
	// ErrInvalidHandler is returned when Serve is called without a handler.
	ErrInvalidHandler = errors.New("invalid message handler")
	// ErrDrainTimeout is recorded for connections closed because they did not
	// finish within the drain timeout.
	ErrDrainTimeout = errors.New("drain timeout")
)

var protocolErrors = []error{
	ErrFrameTooLarge,
	ErrMalformedLength,
	ErrMalformedHeader,
	ErrTruncatedFrame,
	ErrDecompression,
	ErrEncoding,
	ErrProtocol,
	ErrNotLoggedIn,
	ErrAlreadyLoggedIn,
}

// IsProtocolError reports whether err was caused by a peer violating the
// framing protocol or the login gate.
func IsProtocolError(err error) bool {
	for _, target := range protocolErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// isFrameError reports whether err left the reader aligned on the next frame.
func isFrameError(err error) bool {
	return errors.Is(err, ErrDecompression) || errors.Is(err, ErrEncoding) || errors.Is(err, errInflatedTooLarge)
}

// PanicError is the terminal error of a connection whose read loop panicked.
// It indicates a bug rather than a runtime condition.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in connection read loop: %v", e.Value)
}
