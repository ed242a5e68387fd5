// Package dispatch turns local clipboard changes and peer messages into the
// messages a clipvm endpoint sends back, without echo loops.
//
// Loop prevention: after applying a peer's ClipboardData the dispatcher
// records the clipboard's own change token. The next poll sees that token as
// already known, so a change caused by our own write is never sent back.
// Sequence numbers play no part in this.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.klb.dev/clipvm/internal/clip"
	"go.klb.dev/clipvm/internal/message"
	"go.klb.dev/clipvm/internal/metrics"
	"go.klb.dev/clipvm/internal/session"
	"go.klb.dev/clipvm/internal/wire"
)

// DefaultPollInterval is how often the local clipboard is checked.
const DefaultPollInterval = 500 * time.Millisecond

// Sender is the outbound half of a Client or Listener.
type Sender interface {
	// Send queues msg for the peer, returning false if it was dropped.
	Send(msg *message.Message) bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRequestOnConnect makes the dispatcher ask the peer for its clipboard
// every time a session is established.
func WithRequestOnConnect(on bool) Option {
	return func(d *Dispatcher) { d.requestOnConnect = on }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher owns the local clipboard on behalf of one endpoint.
type Dispatcher struct {
	backend          clip.Backend
	out              Sender
	log              *slog.Logger
	metrics          *metrics.Metrics
	requestOnConnect bool

	seq atomic.Uint32

	// mu serializes clipboard access and guards lastToken and unsent.
	mu        sync.Mutex
	lastToken int64
	// unsent is set while the latest local change could not be sent.
	unsent bool
}

// New creates a Dispatcher. The clipboard's current token is taken as known,
// so content present at startup is not pushed until it changes.
func New(backend clip.Backend, out Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend: backend,
		out:     out,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	d.lastToken = backend.ChangeToken()
	return d
}

// Ticks drives the periodic work of Run. A nil channel disables that work.
type Ticks struct {
	Poll      <-chan time.Time
	Keepalive <-chan time.Time
}

// Run processes endpoint events and ticks until ctx is done or events is
// closed.
func (d *Dispatcher) Run(ctx context.Context, events <-chan session.Event, ticks Ticks) error {
	connected := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticks.Poll:
			d.Poll()

		case <-ticks.Keepalive:
			if connected {
				d.out.Send(message.NewPing(d.nextSeq()))
			}

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case session.Connected:
				connected = true
				d.Connected()
			case session.Disconnected:
				connected = false
				d.log.Debug("peer gone", "session", ev.Session, "err", ev.Err)
			case session.Received:
				d.Handle(ev.Msg)
			}
		}
	}
}

// Connected is called when a session is established. A local change made
// while no peer was connected is sent first and replaces the request for
// the peer's clipboard, which would otherwise overwrite it.
func (d *Dispatcher) Connected() {
	if d.flushUnsent() {
		return
	}
	if d.requestOnConnect {
		d.log.Debug("requesting peer clipboard")
		d.out.Send(message.NewRequest(d.nextSeq()))
	}
}

func (d *Dispatcher) flushUnsent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.unsent {
		return false
	}
	d.unsent = false
	c, err := d.backend.Read()
	if err != nil || c == nil {
		return false
	}
	d.lastToken = d.backend.ChangeToken()
	d.push(*c, "sending clipboard changed while disconnected")
	return !d.unsent
}

// Poll checks the local clipboard and pushes it to the peer if it changed
// since the last poll or the last applied peer update.
func (d *Dispatcher) Poll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	tok := d.backend.ChangeToken()
	if tok == d.lastToken {
		return
	}
	d.lastToken = tok
	d.unsent = false

	c, err := d.backend.Read()
	if err != nil {
		d.log.Error("local clipboard read failed", "err", err)
		return
	}
	if c == nil {
		return
	}
	d.push(*c, "local clipboard changed, sending")
}

// Handle reacts to one message from the peer.
func (d *Dispatcher) Handle(msg *message.Message) {
	switch msg.Type {
	case message.TypeClipboardChanged:
		d.out.Send(message.NewRequest(d.nextSeq()))

	case message.TypeClipboardRequest:
		d.mu.Lock()
		defer d.mu.Unlock()
		c, err := d.backend.Read()
		if err != nil {
			d.log.Error("local clipboard read failed", "err", err)
			return
		}
		if c == nil {
			d.log.Debug("clipboard requested but empty", "seq", msg.Seq)
			return
		}
		d.push(*c, "clipboard requested, sending")

	case message.TypeClipboardData:
		d.apply(msg)

	case message.TypePing:
		d.out.Send(message.NewPong(msg))

	case message.TypePong:
		// Liveness is tracked by the session.

	default:
		d.log.Warn("unexpected message type", "type", msg.Type)
	}
}

// apply writes peer content to the local clipboard and records the
// resulting change token.
func (d *Dispatcher) apply(msg *message.Message) {
	c, err := msg.Content()
	if err != nil {
		d.metrics.Clipboard("discarded")
		d.log.Warn("discarding malformed clipboard data", "seq", msg.Seq, "err", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if cur, err := d.backend.Read(); err == nil && cur != nil && cur.Equal(c) {
		d.lastToken = d.backend.ChangeToken()
		d.log.Debug("peer clipboard already applied", "seq", msg.Seq)
		return
	}

	if err := d.backend.Write(c); err != nil {
		d.metrics.Clipboard("discarded")
		if errors.Is(err, clip.ErrUnsupported) {
			d.log.Warn("discarding clipboard data", "type", c.Type, "err", err)
		} else {
			d.log.Error("local clipboard write failed", "err", err)
		}
		return
	}
	d.lastToken = d.backend.ChangeToken()
	d.metrics.Clipboard("applied")
	message.LogContent(d.log, "clipboard received", c)
}

// push sends c as ClipboardData. Must be called with d.mu held.
func (d *Dispatcher) push(c message.Content, event string) {
	msg, err := message.NewClipboardData(0, c)
	if err == nil && len(msg.Payload) > wire.MaxPayloadSize {
		err = wire.ErrPayloadTooLarge
	}
	if err != nil {
		d.metrics.Clipboard("discarded")
		d.log.Warn("clipboard not sent", "type", c.Type, "size_bytes", len(c.Data), "err", err)
		return
	}
	msg.Seq = d.nextSeq()
	if !d.out.Send(msg) {
		d.unsent = true
		d.log.Debug("no peer, clipboard not sent", "type", c.Type)
		return
	}
	d.unsent = false
	d.metrics.Clipboard("pushed")
	message.LogContent(d.log, event, c)
}

func (d *Dispatcher) nextSeq() uint32 { return d.seq.Add(1) }
