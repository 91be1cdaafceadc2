// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

var (
	// ConnectedClients is the number of live WebSocket connections.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_connected_clients",
			Help: "Current number of connected WebSocket clients",
		},
	)

	// OnlineUsers is the size of the last broadcast online set.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Distinct display names currently bound to a live connection",
		},
	)

	// StoredMessages is the length of the in-memory message log.
	StoredMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_stored_messages",
			Help: "Number of messages held in the in-memory log",
		},
	)

	// InboundEvents counts inbound events by type and outcome
	// (applied, ignored, malformed, rate_limited).
	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_inbound_events_total",
			Help: "Inbound client events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Broadcasts counts server pushes by event type.
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_broadcasts_total",
			Help: "Server pushes fanned out to all clients, by event type",
		},
		[]string{"type"},
	)

	// DroppedClients counts clients removed because their send buffer was full.
	DroppedClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_dropped_clients_total",
			Help: "Clients disconnected because their outbound buffer was full",
		},
	)
)

// Outcome labels for InboundEvents.
const (
	OutcomeApplied     = "applied"
	OutcomeIgnored     = "ignored"
	OutcomeMalformed   = "malformed"
	OutcomeRateLimited = "rate_limited"
)

// UnknownEventType labels inbound events whose type is not a client event.
const UnknownEventType = "unknown"

// RecordInbound increments the inbound counter for an event type and outcome.
// The type label is client input, so anything outside the client event
// vocabulary is folded into UnknownEventType.
func RecordInbound(eventType, outcome string) {
	if !protocol.IsClientEvent(eventType) {
		eventType = UnknownEventType
	}
	InboundEvents.WithLabelValues(eventType, outcome).Inc()
}
