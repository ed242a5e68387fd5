// Package metrics holds the Prometheus instrumentation shared by the clipvm
// components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clipvm"

// Metrics is the set of collectors for one clipvm process.
type Metrics struct {
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FrameErrors    *prometheus.CounterVec
	Connections    *prometheus.CounterVec
	PeerConnected  prometheus.Gauge
	ClipboardOps   *prometheus.CounterVec
	SendDropped    prometheus.Counter
}

// New creates the collectors and registers them with reg. reg may be nil to
// create unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the peer, by message type.",
		}, []string{"type"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from the peer, by message type.",
		}, []string{"type"}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Connections dropped, by cause (framing, read, write, idle).",
		}, []string{"cause"}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connection attempts, by result (dialed, dial_failed, accepted, rejected).",
		}, []string{"result"}),
		PeerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_connected",
			Help:      "1 while a peer connection is established.",
		}),
		ClipboardOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_ops_total",
			Help:      "Clipboard operations, by op (pushed, applied, discarded).",
		}, []string{"op"}),
		SendDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_dropped_total",
			Help:      "Messages dropped because no peer was connected or the send queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesSent, m.FramesReceived, m.FrameErrors,
			m.Connections, m.PeerConnected, m.ClipboardOps, m.SendDropped,
		)
	}
	return m
}

func (m *Metrics) FrameSent(typ string) {
	if m != nil {
		m.FramesSent.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) FrameReceived(typ string) {
	if m != nil {
		m.FramesReceived.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) FrameError(cause string) {
	if m != nil {
		m.FrameErrors.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) Connection(result string) {
	if m != nil {
		m.Connections.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetPeerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.PeerConnected.Set(1)
	} else {
		m.PeerConnected.Set(0)
	}
}

func (m *Metrics) Clipboard(op string) {
	if m != nil {
		m.ClipboardOps.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.SendDropped.Inc()
	}
}
