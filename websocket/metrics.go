package websocket

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of Prometheus collectors the connection driver and
// server accept loop report to. A nil *Metrics is valid everywhere it is
// used (every method returns early on a nil receiver) so instrumentation is
// entirely opt-in.
type Metrics struct {
	framesTotal        *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	messagesTotal      *prometheus.CounterVec
	activeConnections  prometheus.Gauge
	handshakesTotal    *prometheus.CounterVec
	handshakeDuration  prometheus.Histogram
}

// NewMetrics constructs a Metrics and registers its collectors with reg.
// Pass prometheus.DefaultRegisterer to use the global registry, or a
// dedicated *prometheus.Registry in tests to avoid collisions between
// parallel test runs registering the same metric names twice.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "frames_total",
			Help:      "WebSocket frames processed, by direction and opcode.",
		}, []string{"direction", "opcode"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "bytes_total",
			Help:      "WebSocket frame payload bytes transferred, by direction.",
		}, []string{"direction"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "messages_total",
			Help:      "Complete application messages received, by type.",
		}, []string{"type"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "websocket",
			Name:      "active_connections",
			Help:      "Currently open WebSocket connections.",
		}),
		handshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "handshakes_total",
			Help:      "Opening handshake attempts, by resulting HTTP status.",
		}, []string{"status"}),
		handshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "websocket",
			Name:      "handshake_duration_seconds",
			Help:      "Time from accept to a completed (successful or rejected) handshake.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.framesTotal, m.bytesTotal, m.messagesTotal,
		m.activeConnections, m.handshakesTotal, m.handshakeDuration)
	return m
}

func (m *Metrics) observeFrameSent(opcode byte, payloadLen int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues("sent", opcodeLabel(opcode)).Inc()
	m.bytesTotal.WithLabelValues("sent").Add(float64(payloadLen))
}

func (m *Metrics) observeFrameReceived(opcode byte, payloadLen int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues("received", opcodeLabel(opcode)).Inc()
	m.bytesTotal.WithLabelValues("received").Add(float64(payloadLen))
}

func (m *Metrics) observeMessageReceived(mt MessageType, size int) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(mt.String()).Inc()
	_ = size
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) observeHandshake(statusCode int, seconds float64) {
	if m == nil {
		return
	}
	m.handshakesTotal.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	m.handshakeDuration.Observe(seconds)
}

func opcodeLabel(opcode byte) string {
	switch opcode {
	case opcodeContinuation:
		return "continuation"
	case opcodeText:
		return "text"
	case opcodeBinary:
		return "binary"
	case opcodeClose:
		return "close"
	case opcodePing:
		return "ping"
	case opcodePong:
		return "pong"
	default:
		return "unknown"
	}
}
