// Package listener implements the host side of clipvm: it accepts guest
// connections and serves exactly one of them at a time. A connection that
// arrives while a peer is active is closed at accept time; there is no
// waiting list. When the peer goes away the listener returns to idle.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.klb.dev/clipvm/internal/message"
	"go.klb.dev/clipvm/internal/metrics"
	"go.klb.dev/clipvm/internal/session"
)

const acceptRetry = 100 * time.Millisecond

// Option configures a Listener.
type Option func(*Listener)

// WithSessionOptions sets the options for every accepted session.
func WithSessionOptions(o session.Options) Option {
	return func(l *Listener) { l.sopts = o }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Listener) { l.log = lg }
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(l *Listener) { l.events = make(chan session.Event, n) }
}

// Listener is the host endpoint.
type Listener struct {
	ln      net.Listener
	sopts   session.Options
	metrics *metrics.Metrics
	log     *slog.Logger
	events  chan session.Event

	mu       sync.Mutex
	active   *session.Session
	rejected uint64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New wraps ln. Call Start to begin accepting.
func New(ln net.Listener, opts ...Option) *Listener {
	l := &Listener{
		ln:     ln,
		log:    slog.Default(),
		events: make(chan session.Event, 64),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With("listen", ln.Addr().String())
	if l.sopts.Metrics == nil {
		l.sopts.Metrics = l.metrics
	}
	if l.sopts.Logger == nil {
		l.sopts.Logger = l.log
	}
	return l
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Events returns the channel of peer Connected, Disconnected and Received events.
func (l *Listener) Events() <-chan session.Event { return l.events }

// Start begins accepting connections in the background. Calling Start on a
// started listener does nothing.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)

	l.log.Info("listening")
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop(ctx)
	}()
}

// Stop closes the listener and the active peer, and waits for every
// goroutine to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	active := l.active
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = l.ln.Close()
	if active != nil {
		_ = active.Close()
	}
	l.wg.Wait()
	l.log.Info("listener stopped")
}

// HasPeer reports whether a peer is connected.
func (l *Listener) HasPeer() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active != nil
}

// Send queues msg for the active peer. With no peer connected the message
// is dropped and Send returns false.
func (l *Listener) Send(msg *message.Message) bool {
	l.mu.Lock()
	active := l.active
	l.mu.Unlock()

	if active == nil || !active.Send(msg) {
		l.metrics.Dropped()
		return false
	}
	return true
}

// Snapshot describes the listener for the status surface.
func (l *Listener) Snapshot() session.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := session.Status{
		State:    "idle",
		Addr:     l.ln.Addr().String(),
		Rejected: l.rejected,
	}
	if l.active != nil {
		info := l.active.Info()
		st.State = "connected"
		st.Peer = &info
	}
	return st
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Error("accept failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptRetry):
			}
			continue
		}

		l.mu.Lock()
		if l.active != nil {
			l.rejected++
			busy := l.active.ID()
			l.mu.Unlock()
			_ = conn.Close()
			l.metrics.Connection("rejected")
			l.log.Warn("peer already connected, rejecting", "remote", conn.RemoteAddr(), "active", busy)
			continue
		}
		sess := session.New(conn, l.sopts)
		l.active = sess
		l.wg.Add(1)
		l.mu.Unlock()

		l.metrics.Connection("accepted")
		l.metrics.SetPeerConnected(true)
		go func() {
			defer l.wg.Done()
			l.serve(ctx, sess)
		}()
	}
}

func (l *Listener) serve(ctx context.Context, sess *session.Session) {
	l.log.Info("peer connected", "session", sess.ID(), "remote", sess.Info().Remote)
	l.emit(ctx, session.Event{Kind: session.Connected, Session: sess.ID()})

	err := sess.Run(ctx, func(ctx context.Context, m *message.Message) error {
		select {
		case l.events <- session.Event{Kind: session.Received, Session: sess.ID(), Msg: m}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	l.mu.Lock()
	if l.active == sess {
		l.active = nil
	}
	l.mu.Unlock()
	l.metrics.SetPeerConnected(false)
	l.log.Info("peer disconnected", "session", sess.ID())
	l.emit(ctx, session.Event{Kind: session.Disconnected, Session: sess.ID(), Err: err})
}

func (l *Listener) emit(ctx context.Context, ev session.Event) {
	select {
	case l.events <- ev:
		return
	case <-ctx.Done():
	}
	select {
	case l.events <- ev:
	default:
	}
}
