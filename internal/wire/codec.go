package wire

import (
	"fmt"
	"io"
	"time"
)

// MaxMessageSize bounds a single frame (header + payload) read from the
// wire, defending against a malformed payload_size field.
const MaxMessageSize = 1 << 20

// Encoder produces a raw byte payload for a message type.
type Encoder interface {
	Encode() []byte
}

// WriteMessage writes header||payload as a single Write call so the
// invariant "one send equals one message" holds for stream transports that
// preserve write boundaries at this granularity (a Unix domain
// SOCK_STREAM does not guarantee it across recv, but a single Write here
// keeps the producer side atomic and simple to reason about).
func WriteMessage(w io.Writer, typ MessageType, payload []byte, now time.Time) error {
	h := MessageHeader{Type: typ, PayloadSize: uint32(len(payload)), Timestamp: uint64(now.UnixNano())}
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, h.Encode()...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one header||payload frame from r. It returns the
// decoded header and the raw payload bytes (length PayloadSize).
func ReadMessage(r io.Reader) (MessageHeader, []byte, error) {
	hdrBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return MessageHeader{}, nil, err
	}
	h, err := DecodeHeader(hdrBuf)
	if err != nil {
		return MessageHeader{}, nil, err
	}
	if h.PayloadSize > MaxMessageSize {
		return MessageHeader{}, nil, fmt.Errorf("wire: payload_size %d exceeds maximum %d", h.PayloadSize, MaxMessageSize)
	}
	payload := make([]byte, h.PayloadSize)
	if h.PayloadSize > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return MessageHeader{}, nil, err
		}
	}
	return h, payload, nil
}
