package chatsock

import (
	"io"
	"iter"

	"github.com/pkg/errors"
)

// readBufferSize is the size of a single read from the underlying stream.
const readBufferSize = 1024

// maxEmptyReads bounds how many (0, nil) reads are tolerated in a row.
const maxEmptyReads = 100

type readerState int

const (
	awaitingHeader readerState = iota
	awaitingPayload
)

// FrameReader reassembles frames from a byte stream.
//
// Reads from the stream never need to line up with frame boundaries: the
// unconsumed tail of one read is carried into the next state. A FrameReader
// is owned by a single goroutine and must not be shared.
type FrameReader struct {
	src     io.Reader
	maxSize int

	buf     [readBufferSize]byte
	pending []byte // unconsumed bytes of the last read
	srcErr  error  // error returned alongside the last read

	state      readerState
	header     [HeaderSize]byte
	headerN    int
	compressed bool
	payload    []byte
	payloadN   int

	err error // sticky stream-level failure
}

// ReaderOption configures a FrameReader.
type ReaderOption func(*FrameReader)

// ReaderMaxSize bounds the size of a single message, both as declared in the
// length field and after decompression. The default is 1MB; zero or a
// negative size removes the bound.
func ReaderMaxSize(size int) ReaderOption {
	return func(r *FrameReader) {
		r.maxSize = size
	}
}

// NewFrameReader returns a reader producing messages from src.
func NewFrameReader(src io.Reader, opts ...ReaderOption) *FrameReader {
	r := &FrameReader{src: src, maxSize: defaultMaxPackageLength}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Next returns the next complete message.
//
// It returns io.EOF when the stream ends cleanly between frames. Malformed
// headers, truncated frames and stream errors are permanent: every later call
// returns the same error. A payload that fails to decompress or is not valid
// UTF-8 is consumed in full, so the reader stays aligned and Next may be called
// again.
func (r *FrameReader) Next() (string, error) {
	if r.err != nil {
		return "", r.err
	}

	emptyReads := 0
	for {
		if len(r.pending) == 0 {
			if r.srcErr != nil {
				r.err = r.endOfStream(r.srcErr)
				return "", r.err
			}

			n, err := r.src.Read(r.buf[:])
			r.pending = r.buf[:n]
			r.srcErr = err
			if n == 0 && err == nil {
				emptyReads++
				if emptyReads >= maxEmptyReads {
					r.err = io.ErrNoProgress
					return "", r.err
				}
			}
			continue
		}
		emptyReads = 0

		text, done, err := r.consume()
		if err != nil {
			if !isFrameError(err) {
				r.err = err
			}
			return "", err
		}
		if done {
			return text, nil
		}
	}
}

// Messages returns the remaining messages as a sequence. The sequence stops
// after clean end of stream or after yielding the first error.
func (r *FrameReader) Messages() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			text, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(text, err) || err != nil {
				return
			}
		}
	}
}

// consume advances the state machine over pending bytes. It stops as soon as
// one message is complete, leaving the rest of the read in pending.
func (r *FrameReader) consume() (string, bool, error) {
	for len(r.pending) > 0 || r.payloadComplete() {
		switch r.state {
		case awaitingHeader:
			n := copy(r.header[r.headerN:], r.pending)
			r.headerN += n
			r.pending = r.pending[n:]
			if r.headerN < HeaderSize {
				continue
			}
			if err := r.parseHeader(); err != nil {
				return "", false, err
			}

		case awaitingPayload:
			n := copy(r.payload[r.payloadN:], r.pending)
			r.payloadN += n
			r.pending = r.pending[n:]
			if !r.payloadComplete() {
				continue
			}

			compressed, payload := r.compressed, r.payload
			r.reset()
			text, err := DecodeLimit(compressed, payload, r.maxSize)
			if err != nil {
				return "", false, err
			}
			return text, true, nil
		}
	}
	return "", false, nil
}

func (r *FrameReader) parseHeader() error {
	var length int64
	for _, c := range r.header[:HeaderDigits] {
		if c < '0' || c > '9' {
			return errors.Wrapf(ErrMalformedLength, "length field %q", r.header[:HeaderDigits])
		}
		length = length*10 + int64(c-'0')
	}

	switch r.header[HeaderDigits] {
	case flagRaw:
		r.compressed = false
	case flagCompressed:
		r.compressed = true
	default:
		return errors.Wrapf(ErrMalformedHeader, "compression flag %#x", r.header[HeaderDigits])
	}

	if r.maxSize > 0 && length > int64(r.maxSize) {
		return errors.Wrapf(ErrFrameTooLarge, "declared length %d exceeds %d", length, r.maxSize)
	}

	r.payload = make([]byte, length)
	r.payloadN = 0
	r.state = awaitingPayload
	return nil
}

func (r *FrameReader) payloadComplete() bool {
	return r.state == awaitingPayload && r.payloadN == len(r.payload)
}

func (r *FrameReader) reset() {
	r.state = awaitingHeader
	r.headerN = 0
	r.compressed = false
	r.payload = nil
	r.payloadN = 0
}

// endOfStream maps the error that ended the stream to the reader's result.
func (r *FrameReader) endOfStream(err error) error {
	if !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "read frame")
	}
	if r.state == awaitingHeader && r.headerN == 0 {
		return io.EOF
	}
	if r.state == awaitingHeader {
		return errors.Wrapf(ErrTruncatedFrame, "%d of %d header bytes", r.headerN, HeaderSize)
	}
	return errors.Wrapf(ErrTruncatedFrame, "%d of %d payload bytes", r.payloadN, len(r.payload))
}
