// Package message defines the clipvm protocol messages and the clipboard
// snapshot they carry.
//
// A Message is a typed envelope with a peer-local sequence number and an
// opaque payload. The payload interpretation is fixed by the type:
//
//	ClipboardChanged  4-byte big-endian change count
//	ClipboardData     JSON {"type": "<mime>", "data": "<base64>", "changeCount": n}
//	ClipboardRequest  empty
//	Ping, Pong        empty
//
// Framing lives in package wire.
package message

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies the kind of message. The values are the wire tags.
type Type uint8

const (
	TypeClipboardChanged Type = 1
	TypeClipboardData    Type = 2
	TypeClipboardRequest Type = 3
	TypePing             Type = 4
	TypePong             Type = 5
)

// Valid reports whether t is one of the closed set of protocol types.
func (t Type) Valid() bool {
	return t >= TypeClipboardChanged && t <= TypePong
}

func (t Type) String() string {
	switch t {
	case TypeClipboardChanged:
		return "CLIPBOARD_CHANGED"
	case TypeClipboardData:
		return "CLIPBOARD_DATA"
	case TypeClipboardRequest:
		return "CLIPBOARD_REQUEST"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Message is the protocol envelope.
type Message struct {
	Type    Type
	Seq     uint32
	Payload []byte
}

// Equal reports whether two messages carry the same type, sequence and payload.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.Type == o.Type && m.Seq == o.Seq && string(m.Payload) == string(o.Payload)
}

// ErrBadPayload is returned when a payload does not match its message type.
var ErrBadPayload = errors.New("bad payload")

// NewClipboardData builds a ClipboardData message carrying c.
func NewClipboardData(seq uint32, c Content) (*Message, error) {
	if len(c.Data) > MaxContentSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrContentTooLarge, len(c.Data))
	}
	raw, err := json.Marshal(dataPayload{
		Type:        c.Type,
		Data:        c.Data,
		ChangeCount: c.ChangeToken,
	})
	if err != nil {
		return nil, fmt.Errorf("encode clipboard data: %w", err)
	}
	return &Message{Type: TypeClipboardData, Seq: seq, Payload: raw}, nil
}

// NewClipboardChanged builds a ClipboardChanged message announcing count.
func NewClipboardChanged(seq, count uint32) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, count)
	return &Message{Type: TypeClipboardChanged, Seq: seq, Payload: p}
}

// NewRequest builds a ClipboardRequest.
func NewRequest(seq uint32) *Message {
	return &Message{Type: TypeClipboardRequest, Seq: seq}
}

// NewPing builds a Ping.
func NewPing(seq uint32) *Message {
	return &Message{Type: TypePing, Seq: seq}
}

// NewPong builds the Pong answering ping. It echoes the ping's sequence number.
func NewPong(ping *Message) *Message {
	return &Message{Type: TypePong, Seq: ping.Seq}
}

// Content decodes the clipboard snapshot carried by a ClipboardData message.
func (m *Message) Content() (Content, error) {
	if m.Type != TypeClipboardData {
		return Content{}, fmt.Errorf("%w: %s carries no clipboard content", ErrBadPayload, m.Type)
	}
	var p dataPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return Content{}, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}
	if p.Type.MIME() == "" {
		return Content{}, fmt.Errorf("%w: missing content type", ErrBadPayload)
	}
	if len(p.Data) > MaxContentSize {
		return Content{}, fmt.Errorf("%w: %d bytes", ErrContentTooLarge, len(p.Data))
	}
	return Content{Type: p.Type, Data: p.Data, ChangeToken: p.ChangeCount}, nil
}

// ChangeCount decodes the counter carried by a ClipboardChanged message.
func (m *Message) ChangeCount() (uint32, error) {
	if m.Type != TypeClipboardChanged || len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: %s with %d payload bytes", ErrBadPayload, m.Type, len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// dataPayload is the JSON body of ClipboardData. Data is base64 on the wire.
type dataPayload struct {
	Type        ContentType `json:"type"`
	Data        []byte      `json:"data"`
	ChangeCount int64       `json:"changeCount"`
}
