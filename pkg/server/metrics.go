package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// valid and records nothing, which is how tests run.
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	connectionsRejected  prometheus.Counter

	// Conversation metrics
	activeConversations  prometheus.Gauge
	conversationsCreated prometheus.Counter

	// Routing metrics
	messagesRouted   prometheus.Counter
	deliveryFailures prometheus.Counter
	messageFanout    prometheus.Histogram
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "guichat_active_sessions",
				Help: "Current number of live connections",
			},
		),
		sessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guichat_sessions_created_total",
				Help: "Total number of connections accepted",
			},
		),
		sessionsDisconnected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guichat_sessions_disconnected_total",
				Help: "Total number of connections closed",
			},
		),
		connectionsRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guichat_connections_rejected_total",
				Help: "Total number of connections rejected at the ceiling",
			},
		),
		activeConversations: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "guichat_active_conversations",
				Help: "Current number of live conversations",
			},
		),
		conversationsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guichat_conversations_created_total",
				Help: "Total number of conversations started",
			},
		),
		messagesRouted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guichat_messages_routed_total",
				Help: "Total number of chat messages delivered to recipients",
			},
		),
		deliveryFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guichat_delivery_failures_total",
				Help: "Total number of per-recipient delivery failures",
			},
		),
		messageFanout: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "guichat_message_fanout",
				Help:    "Number of recipients per routed chat message",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
			},
		),
	}
}

// RecordSessionCreated updates session counters after an accept
func (m *Metrics) RecordSessionCreated(active int) {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.activeSessions.Set(float64(active))
}

// RecordSessionClosed updates session counters after a disconnect
func (m *Metrics) RecordSessionClosed(active int) {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
	m.activeSessions.Set(float64(active))
}

// RecordConnectionRejected counts a connection refused at the ceiling
func (m *Metrics) RecordConnectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

// RecordConversationStarted updates conversation counters after a create
func (m *Metrics) RecordConversationStarted(active int) {
	if m == nil {
		return
	}
	m.conversationsCreated.Inc()
	m.activeConversations.Set(float64(active))
}

// RecordConversationClosed updates the conversation gauge after a destroy
func (m *Metrics) RecordConversationClosed(active int) {
	if m == nil {
		return
	}
	m.activeConversations.Set(float64(active))
}

// RecordMessageRouted counts one delivered chat message
func (m *Metrics) RecordMessageRouted() {
	if m == nil {
		return
	}
	m.messagesRouted.Inc()
}

// RecordDeliveryFailures counts per-recipient delivery failures
func (m *Metrics) RecordDeliveryFailures(count int) {
	if m == nil || count == 0 {
		return
	}
	m.deliveryFailures.Add(float64(count))
}

// RecordFanout records how many recipients a chat message was routed to
func (m *Metrics) RecordFanout(recipients int) {
	if m == nil || recipients < 0 {
		return
	}
	m.messageFanout.Observe(float64(recipients))
}
