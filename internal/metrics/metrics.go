package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_connections",
		Help: "Active websocket connections",
	})
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Messages persisted by send",
	})
	MessagesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_delivered_total",
		Help: "Messages moved to delivered, by path (live or backlog)",
	}, []string{"path"})
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_events_dropped_total",
		Help: "Frames not accepted by a connection send buffer",
	})
	EventsPublishFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_events_publish_failed_total",
		Help: "Domain events the broker did not accept",
	})
	InboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_inbound_events_total",
		Help: "Client events by type and outcome",
	}, []string{"type", "outcome"})
)

var once sync.Once

// Init registers the collectors with the default registry. Safe to call
// more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(Connections, MessagesSent, MessagesDelivered, EventsDropped, EventsPublishFailed, InboundEvents)
	})
}
