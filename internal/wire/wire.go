// Package wire handles framing clipvm messages over a byte stream.
//
// Wire format (big-endian):
//
//	offset size field
//	0      4    magic 0x434C4950 ("CLIP")
//	4      1    message type
//	5      4    sequence number
//	9      4    payload length N (<= 1 MiB)
//	13     N    payload
//
// Encode and Decode are pure. Conn adds an accumulating read buffer and a
// single-write send path on top of a net.Conn.
package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.klb.dev/clipvm/internal/message"
)

const (
	readChunk    = 64 * 1024
	writeTimeout = 5 * time.Second
)

// Conn wraps a net.Conn with clipvm framing.
//
// ReadMsg must only be called from one goroutine. WriteMsg is safe for
// concurrent use, though callers normally funnel writes through one worker.
type Conn struct {
	conn net.Conn

	chunk   []byte
	buf     []byte
	pending []*message.Message
	// err is a framing error found after the frames in pending. It is
	// returned once they have been delivered.
	err error

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New wraps conn.
func New(conn net.Conn) *Conn {
	return &Conn{conn: conn, chunk: make([]byte, readChunk)}
}

// Underlying returns the wrapped net.Conn.
func (c *Conn) Underlying() net.Conn { return c.conn }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

// WriteMsg frames msg and writes it with a single Write call.
func (c *Conn) WriteMsg(msg *message.Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.conn.Write(frame)
	_ = c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// ReadMsg returns the next message from the stream, blocking until a full
// frame is buffered. It returns io.EOF when the peer closes between frames,
// io.ErrUnexpectedEOF when it closes mid-frame, and an error wrapping
// ErrInvalidFrame on a framing violation. Frames decoded ahead of a
// violation are returned first; after the error every call returns it again.
func (c *Conn) ReadMsg() (*message.Message, error) {
	for {
		if len(c.pending) > 0 {
			msg := c.pending[0]
			c.pending[0] = nil
			c.pending = c.pending[1:]
			return msg, nil
		}
		if c.err != nil {
			return nil, c.err
		}

		c.err = c.drain()
		if len(c.pending) > 0 || c.err != nil {
			continue
		}

		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// drain decodes every complete frame in the buffer into pending.
func (c *Conn) drain() error {
	for {
		msg, n, err := Decode(c.buf)
		if errors.Is(err, ErrNeedMoreData) {
			return nil
		}
		if err != nil {
			return err
		}
		c.pending = append(c.pending, msg)
		c.buf = c.buf[n:]
	}
}

// fill performs one read into the buffer.
func (c *Conn) fill() error {
	if len(c.buf) == 0 {
		// Release the backing array of drained frames.
		c.buf = nil
	}
	n, err := c.conn.Read(c.chunk)
	if n > 0 {
		c.buf = append(c.buf, c.chunk[:n]...)
		return nil
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) && len(c.buf) > 0 {
		return io.ErrUnexpectedEOF
	}
	return err
}
