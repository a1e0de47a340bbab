// Package metrics exposes Prometheus instrumentation for the chat client.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omochice/socket-chat-client/internal/transport"
)

const namespace = "chat_client"

// Metrics holds the client's collectors.
type Metrics struct {
	dialAttempts    prometheus.Counter
	reconnectChains prometheus.Counter
	framesReceived  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	droppedSends    prometheus.Counter
	staleFrames     prometheus.Counter
	connectionState prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dialAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Connection attempts made by the reconnection supervisor.",
		}),
		reconnectChains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_chains_total",
			Help:      "Attempt chains started by the reconnection supervisor.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by kind.",
		}, []string{"kind"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames by kind.",
		}, []string{"kind"}),
		droppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sends_total",
			Help:      "Outbound commands dropped because the connection was not open or the write failed.",
		}),
		staleFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_frames_total",
			Help:      "Inbound frames discarded because they came from a replaced connection.",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_open",
			Help:      "1 while a connection is open, 0 otherwise.",
		}),
	}
	reg.MustRegister(
		m.dialAttempts,
		m.reconnectChains,
		m.framesReceived,
		m.framesSent,
		m.droppedSends,
		m.staleFrames,
		m.connectionState,
	)
	return m
}

// ObserveDialAttempt counts one connection attempt. It is a no-op on a nil
// Metrics, like the other Observe methods.
func (m *Metrics) ObserveDialAttempt() {
	if m == nil {
		return
	}
	m.dialAttempts.Inc()
}

// ObserveReconnectChain counts one supervisor attempt chain.
func (m *Metrics) ObserveReconnectChain() {
	if m == nil {
		return
	}
	m.reconnectChains.Inc()
}

// ObserveFrameReceived counts a decoded inbound frame of kind.
func (m *Metrics) ObserveFrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

// ObserveFrameSent counts a request written to the server.
func (m *Metrics) ObserveFrameSent(kind string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(kind).Inc()
}

// ObserveDroppedSend counts a request that could not be written.
func (m *Metrics) ObserveDroppedSend() {
	if m == nil {
		return
	}
	m.droppedSends.Inc()
}

// ObserveStaleFrame counts a frame discarded because its connection was
// replaced.
func (m *Metrics) ObserveStaleFrame() {
	if m == nil {
		return
	}
	m.staleFrames.Inc()
}

// Observer tracks connection state for registration with a
// transport.Registry.
func (m *Metrics) Observer() transport.Observer {
	if m == nil {
		return transport.Observer{}
	}
	return transport.Observer{
		Opened: func(*transport.Conn) {
			m.connectionState.Set(1)
		},
		Closed: func(*transport.Conn, transport.CloseEvent) {
			m.connectionState.Set(0)
		},
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
