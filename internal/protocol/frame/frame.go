package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size of the big-endian length prefix.
const HeaderLen = 4

var (
	ErrShortHeader     = errors.New("frame: short length header")
	ErrShortPayload    = errors.New("frame: short payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024 * 1024,
	}
}

// ReadFrame reads one length-prefixed payload.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var head [HeaderLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(head[:])
	if limits.MaxPayloadBytes > 0 && size > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, limits.MaxPayloadBytes)
	}

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, ErrShortPayload
			}
			return nil, err
		}
	}
	return payload, nil
}

// ReadString reads one frame and returns it as a string.
func ReadString(r io.Reader, limits Limits) (string, error) {
	payload, err := ReadFrame(r, limits)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// WriteFrame writes the length prefix and payload in one call.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return ErrPayloadTooLarge
	}
	if limits.MaxPayloadBytes > 0 && uint32(len(payload)) > limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), limits.MaxPayloadBytes)
	}

	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

func WriteString(w io.Writer, s string, limits Limits) error {
	return WriteFrame(w, []byte(s), limits)
}

// EncodeHeader returns the length prefix for a payload of size n.
func EncodeHeader(n uint32) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf, n)
	return buf
}
