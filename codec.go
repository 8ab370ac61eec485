package chatsock

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Framing constants shared by both ends of a connection.
const (
	// HeaderDigits is the width of the decimal length field.
	HeaderDigits = 10
	// HeaderSize is the length field plus the compression flag.
	HeaderSize = HeaderDigits + 1
	// CompressThreshold is the number of characters above which text is compressed.
	CompressThreshold = 256
	// MaxPayloadSize is the largest payload the length field can describe.
	MaxPayloadSize = 9_999_999_999

	flagRaw        byte = 0
	flagCompressed byte = 1
)

var errInflatedTooLarge = errors.Wrap(ErrFrameTooLarge, "inflated payload")

// Encode frames text for the wire.
//
// The text is compressed when it is longer than CompressThreshold characters.
// The returned frame is the zero-padded decimal payload length, one flag byte
// and the payload.
func Encode(text string) ([]byte, error) {
	if !utf8.ValidString(text) {
		return nil, ErrEncoding
	}

	payload := []byte(text)
	flag := flagRaw
	if utf8.RuneCountInString(text) > CompressThreshold {
		compressed, err := compress(payload)
		if err != nil {
			return nil, err
		}
		payload = compressed
		flag = flagCompressed
	}

	return EncodeFrame(flag == flagCompressed, payload)
}

// EncodeFrame builds a frame around an already prepared payload.
func EncodeFrame(compressed bool, payload []byte) ([]byte, error) {
	if int64(len(payload)) > MaxPayloadSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "payload of %d bytes", len(payload))
	}

	frame := make([]byte, HeaderSize, HeaderSize+len(payload))
	length := strconv.Itoa(len(payload))
	for i := 0; i < HeaderDigits-len(length); i++ {
		frame[i] = '0'
	}
	copy(frame[HeaderDigits-len(length):HeaderDigits], length)
	if compressed {
		frame[HeaderDigits] = flagCompressed
	} else {
		frame[HeaderDigits] = flagRaw
	}

	return append(frame, payload...), nil
}

// Decode turns a frame payload back into text.
func Decode(compressed bool, payload []byte) (string, error) {
	return DecodeLimit(compressed, payload, 0)
}

// DecodeLimit is Decode with an upper bound on the inflated size of a
// compressed payload. A limit of zero means no bound.
func DecodeLimit(compressed bool, payload []byte, limit int) (string, error) {
	data := payload
	if compressed {
		inflated, err := decompress(payload, limit)
		if err != nil {
			return "", err
		}
		data = inflated
	}

	if !utf8.Valid(data) {
		return "", ErrEncoding
	}
	return string(data), nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, errors.Wrap(err, "compress payload")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compress payload")
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, limit int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompression, err)
	}
	defer zr.Close()

	var src io.Reader = zr
	if limit > 0 {
		src = io.LimitReader(zr, int64(limit)+1)
	}

	out, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompression, err)
	}
	if limit > 0 && len(out) > limit {
		return nil, errInflatedTooLarge
	}
	return out, nil
}
