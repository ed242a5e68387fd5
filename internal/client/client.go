// Package client implements the guest side of clipvm: a connection that
// dials the host, runs one session at a time and reconnects after every
// failure until it is explicitly disconnected.
//
// State machine:
//
//	Disconnected → Connecting → Connected → (I/O error) → Disconnected
//	Disconnected → Connecting   after the reconnect delay
//
// Only Disconnect stops the cycle.
package client

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.klb.dev/clipvm/internal/message"
	"go.klb.dev/clipvm/internal/metrics"
	"go.klb.dev/clipvm/internal/session"
)

// DefaultReconnectDelay is the fixed wait between attempts.
const DefaultReconnectDelay = 2 * time.Second

// State is the connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// DialFunc opens the underlying stream.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Option configures a Client.
type Option func(*Client)

// WithDelay sets the reconnect policy. The default is Fixed(DefaultReconnectDelay).
func WithDelay(d Delay) Option {
	return func(c *Client) { c.delay = d }
}

// WithSessionOptions sets the options for every session the client opens.
func WithSessionOptions(o session.Options) Option {
	return func(c *Client) { c.sopts = o }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(c *Client) { c.events = make(chan session.Event, n) }
}

// Client is the guest connection.
type Client struct {
	target  string
	dial    DialFunc
	delay   Delay
	sopts   session.Options
	metrics *metrics.Metrics
	log     *slog.Logger
	events  chan session.Event

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	state    State
	sess     *session.Session
	attempts int
	lastErr  string
}

// New creates a Client for target (used in logs and status). It does not
// connect until Connect is called.
func New(target string, dial DialFunc, opts ...Option) *Client {
	c := &Client{
		target: target,
		dial:   dial,
		delay:  Fixed(DefaultReconnectDelay),
		log:    slog.Default(),
		events: make(chan session.Event, 64),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("target", target)
	if c.sopts.Metrics == nil {
		c.sopts.Metrics = c.metrics
	}
	if c.sopts.Logger == nil {
		c.sopts.Logger = c.log
	}
	return c
}

// Events returns the channel of Connected, Disconnected and Received events.
func (c *Client) Events() <-chan session.Event { return c.events }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connect loop. It returns immediately and is a no-op
// while the loop is already running.
func (c *Client) Connect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setState(Connecting)
	go c.loop(ctx, c.done)
}

// Disconnect closes the stream, stops reconnecting and waits for the loop to
// exit. The client can be reconnected with Connect.
func (c *Client) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel == nil {
		return
	}

	c.cancel()
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	<-c.done
	c.cancel = nil
	c.done = nil
	c.log.Info("disconnected by request")
}

// Send queues msg on the active session. When not Connected the message is
// dropped and Send returns false; callers must not assume delivery.
func (c *Client) Send(msg *message.Message) bool {
	c.mu.Lock()
	sess := c.sess
	connected := c.state == Connected
	c.mu.Unlock()

	if sess == nil || !connected || !sess.Send(msg) {
		c.metrics.Dropped()
		return false
	}
	return true
}

// Snapshot describes the connection for the status surface.
func (c *Client) Snapshot() session.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := session.Status{
		State:     c.state.String(),
		Addr:      c.target,
		Attempts:  c.attempts,
		LastError: c.lastErr,
	}
	if c.sess != nil {
		info := c.sess.Info()
		st.Peer = &info
	}
	return st
}

func (c *Client) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(Disconnected)

	for {
		c.setState(Connecting)
		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()

		c.log.Debug("connecting")
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.Connection("dial_failed")
			c.setState(Disconnected)
			c.setErr(err)
			wait := c.delay.Next()
			c.log.Warn("connection failed", "err", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		c.metrics.Connection("dialed")
		c.delay.Reset()
		sess := session.New(conn, c.sopts)

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			_ = sess.Close()
			return
		}
		c.sess = sess
		c.state = Connected
		c.attempts = 0
		c.mu.Unlock()

		c.metrics.SetPeerConnected(true)
		c.log.Info("connected", "session", sess.ID())
		c.emit(ctx, session.Event{Kind: session.Connected, Session: sess.ID()})

		err = sess.Run(ctx, func(ctx context.Context, m *message.Message) error {
			return c.deliver(ctx, sess.ID(), m)
		})

		c.mu.Lock()
		c.sess = nil
		c.state = Disconnected
		c.mu.Unlock()
		c.setErr(err)
		c.metrics.SetPeerConnected(false)
		c.emit(ctx, session.Event{Kind: session.Disconnected, Session: sess.ID(), Err: err})

		if ctx.Err() != nil {
			return
		}
		wait := c.delay.Next()
		c.log.Warn("disconnected, reconnecting", "retry_in", wait)
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (c *Client) deliver(ctx context.Context, id string, m *message.Message) error {
	select {
	case c.events <- session.Event{Kind: session.Received, Session: id, Msg: m}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit delivers a lifecycle event. Once ctx is cancelled it no longer waits
// for a reader.
func (c *Client) emit(ctx context.Context, ev session.Event) {
	select {
	case c.events <- ev:
		return
	case <-ctx.Done():
	}
	select {
	case c.events <- ev:
	default:
		c.log.Debug("event dropped during shutdown", "kind", ev.Kind)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) setErr(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// sleep waits d or until ctx is done; it reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
