package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HandshakeHeaderLen = 2
	HeaderLen          = 4

	// PassThrough prefixes every connected-state message that carries terms.
	PassThrough byte = 'p'
)

var (
	ErrShortHeader       = errors.New("frame: short length header")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
	ErrEmptyHandshake    = errors.New("frame: empty handshake message")
	ErrNotPassThrough    = errors.New("frame: not a pass-through message")
	ErrHandshakeTooLarge = errors.New("frame: handshake message too large")
)

// Frame is one connected-state message. A zero-length frame is a tick.
type Frame struct {
	Tick    bool
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxHandshakeBytes uint64
	MaxPayloadBytes   uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxHandshakeBytes: 1024,
		MaxPayloadBytes:   8 * 1024 * 1024,
	}
}

// ReadHandshake reads one 2-byte length prefixed handshake message.
func ReadHandshake(r io.Reader, limits Limits) ([]byte, error) {
	var head [HandshakeHeaderLen]byte
	if err := readHeader(r, head[:]); err != nil {
		return nil, err
	}
	n := uint64(binary.BigEndian.Uint16(head[:]))
	if n == 0 {
		return nil, ErrEmptyHandshake
	}
	if n > limits.MaxHandshakeBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrHandshakeTooLarge, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func WriteHandshake(w io.Writer, msg []byte, limits Limits) error {
	n := uint64(len(msg))
	if n == 0 {
		return ErrEmptyHandshake
	}
	if n > limits.MaxHandshakeBytes || n > 0xffff {
		return fmt.Errorf("%w: %d bytes", ErrHandshakeTooLarge, n)
	}
	buf := make([]byte, HandshakeHeaderLen, HandshakeHeaderLen+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(n))
	return WriteFull(w, append(buf, msg...))
}

// ReadFrame reads one 4-byte length prefixed message.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var head [HeaderLen]byte
	if err := readHeader(r, head[:]); err != nil {
		return Frame{}, err
	}
	n := uint64(binary.BigEndian.Uint32(head[:]))
	if n == 0 {
		return Frame{Tick: true}, nil
	}
	if n > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Payload: payload}, nil
}

// WriteFrame writes length and payload with a single logical write.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	n := uint64(len(payload))
	if n > limits.MaxPayloadBytes || n > 0xffffffff {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	buf := make([]byte, HeaderLen, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(n))
	return WriteFull(w, append(buf, payload...))
}

func WriteTick(w io.Writer) error {
	return WriteFull(w, make([]byte, HeaderLen))
}

// WriteFull keeps writing until b is consumed. Writers that report progress
// without an error are retried with the remainder.
func WriteFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// SplitPassThrough strips the pass-through byte and returns the encoded terms.
func SplitPassThrough(payload []byte) ([]byte, error) {
	if len(payload) == 0 || payload[0] != PassThrough {
		return nil, ErrNotPassThrough
	}
	return payload[1:], nil
}

func readHeader(r io.Reader, head []byte) error {
	if _, err := io.ReadFull(r, head); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %w", ErrShortHeader, err)
		}
		return err
	}
	return nil
}
