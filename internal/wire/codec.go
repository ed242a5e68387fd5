package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.klb.dev/clipvm/internal/message"
)

const (
	// Magic tags every frame ("CLIP").
	Magic uint32 = 0x434C4950

	// HeaderSize is the fixed frame header length.
	HeaderSize = 13

	// MaxPayloadSize is the largest payload either side will accept (1 MiB).
	MaxPayloadSize = 1 << 20
)

var (
	// ErrNeedMoreData means the buffer holds an incomplete frame.
	ErrNeedMoreData = errors.New("need more data")
	// ErrInvalidFrame means the stream is desynchronised or hostile. The
	// connection must be dropped.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrPayloadTooLarge is returned by Encode for payloads over MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Encode frames msg.
func Encode(msg *message.Message) ([]byte, error) {
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("encode: unknown message type %d", uint8(msg.Type))
	}
	if len(msg.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("encode %s: %w (%d bytes)", msg.Type, ErrPayloadTooLarge, len(msg.Payload))
	}

	buf := make([]byte, HeaderSize+len(msg.Payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = byte(msg.Type)
	binary.BigEndian.PutUint32(buf[5:9], msg.Seq)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(msg.Payload)))
	copy(buf[HeaderSize:], msg.Payload)
	return buf, nil
}

// Decode parses one frame from the front of buf. It returns the message and
// the number of bytes it occupied, ErrNeedMoreData when buf holds a prefix of
// a valid frame, or an error wrapping ErrInvalidFrame.
//
// The length field is checked before waiting for the payload, so a corrupt
// header is rejected without buffering the bytes it claims.
func Decode(buf []byte) (*message.Message, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrNeedMoreData
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != Magic {
		return nil, 0, fmt.Errorf("%w: bad magic %#08x", ErrInvalidFrame, magic)
	}
	typ := message.Type(buf[4])
	if !typ.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown message type %d", ErrInvalidFrame, buf[4])
	}
	n := binary.BigEndian.Uint32(buf[9:13])
	if n > MaxPayloadSize {
		return nil, 0, fmt.Errorf("%w: payload length %d exceeds %d", ErrInvalidFrame, n, MaxPayloadSize)
	}
	total := HeaderSize + int(n)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	msg := &message.Message{
		Type: typ,
		Seq:  binary.BigEndian.Uint32(buf[5:9]),
	}
	if n > 0 {
		msg.Payload = make([]byte, n)
		copy(msg.Payload, buf[HeaderSize:total])
	}
	return msg, total, nil
}
