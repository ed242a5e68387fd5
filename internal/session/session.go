// Package session runs one framed clipvm stream: the connection worker that
// owns the socket, its reader, its serialized writer and an optional idle
// watchdog. Both the guest client and the host listener drive their peer
// through a Session.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go.klb.dev/clipvm/internal/message"
	"go.klb.dev/clipvm/internal/metrics"
	"go.klb.dev/clipvm/internal/wire"
)

const defaultQueueSize = 64

// ErrIdleTimeout ends a session whose peer has been silent too long.
var ErrIdleTimeout = errors.New("peer silent past idle timeout")

// Kind classifies an Event.
type Kind int

const (
	Connected Kind = iota + 1
	Disconnected
	Received
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Received:
		return "received"
	default:
		return "unknown"
	}
}

// Event is what a Client or Listener reports to its owner.
type Event struct {
	Kind    Kind
	Session string
	// Msg is set for Received.
	Msg *message.Message
	// Err is the cause of a Disconnected event; nil for a clean close.
	Err error
}

// LinkError records which half of the worker failed.
type LinkError struct {
	Op  string // "read", "write" or "idle"
	Err error
}

func (e *LinkError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *LinkError) Unwrap() error { return e.Err }

// Options configures a Session.
type Options struct {
	// IdleTimeout closes the session when nothing has been received for
	// this long. Zero disables the watchdog.
	IdleTimeout time.Duration
	// QueueSize is the capacity of the send queue.
	QueueSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Info is a point-in-time description of a session.
type Info struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Sent        uint64    `json:"sent"`
	Received    uint64    `json:"received"`
}

// Session is a single framed connection.
type Session struct {
	id          string
	conn        *wire.Conn
	opts        Options
	log         *slog.Logger
	sendCh      chan *message.Message
	done        chan struct{}
	closeOnce   sync.Once
	stopping    atomic.Bool
	connectedAt time.Time
	lastSeen    atomic.Int64 // UnixNano
	sent        atomic.Uint64
	received    atomic.Uint64
}

// New wraps conn. Call Run to start the worker.
func New(conn net.Conn, opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	id := uuid.NewString()
	now := time.Now()
	s := &Session{
		id:          id,
		conn:        wire.New(conn),
		opts:        opts,
		log:         opts.Logger.With("session", id, "remote", remoteString(conn)),
		sendCh:      make(chan *message.Message, opts.QueueSize),
		done:        make(chan struct{}),
		connectedAt: now,
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string { return s.id }

// Info returns the current session description.
func (s *Session) Info() Info {
	return Info{
		ID:          s.id,
		Remote:      remoteString(s.conn.Underlying()),
		ConnectedAt: s.connectedAt,
		LastSeen:    time.Unix(0, s.lastSeen.Load()),
		Sent:        s.sent.Load(),
		Received:    s.received.Load(),
	}
}

// Send queues msg for the writer. It never blocks; it returns false when the
// session is closed or the queue is full, in which case msg is dropped.
func (s *Session) Send(msg *message.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.sendCh <- msg:
		return true
	default:
		s.log.Warn("send queue full, dropping", "type", msg.Type)
		return false
	}
}

// Close stops the worker by closing the socket, which unblocks the reader.
// Safe to call more than once and before Run.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopping.Store(true)
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// Run reads and writes until the peer closes, an I/O or framing error occurs,
// the idle watchdog fires, ctx is cancelled or Close is called. Every decoded
// message is passed to deliver in arrival order.
//
// Run returns nil for a clean end (peer EOF, Close, ctx cancellation) and the
// cause otherwise. The socket is always closed on return.
func (s *Session) Run(ctx context.Context, deliver func(context.Context, *message.Message) error) error {
	s.log.Info("session started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, deliver) })
	g.Go(func() error { return s.writeLoop(gctx) })
	if s.opts.IdleTimeout > 0 {
		g.Go(func() error { return s.watchdog(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			if ctx.Err() != nil {
				s.stopping.Store(true)
			}
			_ = s.conn.Close()
			return gctx.Err()
		case <-s.done:
			return net.ErrClosed
		}
	})

	err := s.classify(g.Wait())
	_ = s.Close()

	if err != nil {
		s.log.Warn("session ended", "err", err)
	} else {
		s.log.Info("session ended")
	}
	return err
}

func (s *Session) readLoop(ctx context.Context, deliver func(context.Context, *message.Message) error) error {
	for {
		msg, err := s.conn.ReadMsg()
		if err != nil {
			return &LinkError{Op: "read", Err: err}
		}
		s.lastSeen.Store(time.Now().UnixNano())
		s.received.Add(1)
		s.opts.Metrics.FrameReceived(msg.Type.String())
		s.log.Debug("frame received", "type", msg.Type, "seq", msg.Seq, "bytes", len(msg.Payload))

		if err := deliver(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.sendCh:
			if err := s.conn.WriteMsg(msg); err != nil {
				if errors.Is(err, wire.ErrPayloadTooLarge) {
					s.log.Error("dropping unencodable message", "type", msg.Type, "err", err)
					continue
				}
				return &LinkError{Op: "write", Err: err}
			}
			s.sent.Add(1)
			s.opts.Metrics.FrameSent(msg.Type.String())
			s.log.Debug("frame sent", "type", msg.Type, "seq", msg.Seq, "bytes", len(msg.Payload))
		}
	}
}

func (s *Session) watchdog(ctx context.Context) error {
	check := s.opts.IdleTimeout / 3
	if check <= 0 {
		check = s.opts.IdleTimeout
	}
	t := time.NewTicker(check)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			silent := time.Since(time.Unix(0, s.lastSeen.Load()))
			if silent > s.opts.IdleTimeout {
				return &LinkError{Op: "idle", Err: ErrIdleTimeout}
			}
		}
	}
}

// classify maps the worker's first error to Run's result and records it.
// After a local stop every error is part of the shutdown, whatever the
// transport reports for its closed descriptor.
func (s *Session) classify(err error) error {
	switch {
	case err == nil,
		s.stopping.Load(),
		errors.Is(err, io.EOF),
		errors.Is(err, context.Canceled):
		return nil
	}

	var le *LinkError
	switch {
	case errors.Is(err, wire.ErrInvalidFrame):
		s.opts.Metrics.FrameError("framing")
	case errors.As(err, &le):
		s.opts.Metrics.FrameError(le.Op)
	default:
		s.opts.Metrics.FrameError("other")
	}
	return err
}

func remoteString(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}
