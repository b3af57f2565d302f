// Package metrics exposes Prometheus instrumentation for the relay core.
//
// Label sets are small and bounded: outcomes, event names and presence kinds
// are fixed vocabularies, never user ids. All collectors are safe for
// concurrent use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Routing outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeRemote    = "remote"
	OutcomeOffline   = "offline"
	OutcomeRejected  = "rejected"
	OutcomeDropped   = "dropped"
)

// Bridge operations.
const (
	OpLookup      = "lookup"
	OpDeliver     = "deliver"
	OpMarkOnline  = "mark_online"
	OpMarkOffline = "mark_offline"
)

var (
	// Connections gauges registered (joined) connections on this instance.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Current number of joined connections.",
	})

	// OnlineUsers gauges users with at least one local connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Current number of users with a live connection.",
	})

	// MessagesRouted counts routed messages by outcome.
	MessagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_routed_total",
			Help: "Total number of sendMessage requests by outcome.",
		},
		[]string{"outcome"},
	)

	// TypingSignals counts relayed typing signals.
	TypingSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_typing_signals_total",
		Help: "Total number of typing signals relayed.",
	})

	// PresenceEvents counts presence broadcasts by kind (snapshot, online, offline).
	PresenceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_presence_events_total",
			Help: "Total number of presence transitions broadcast.",
		},
		[]string{"kind"},
	)

	// DroppedFrames counts frames dropped because a send buffer was full.
	DroppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dropped_frames_total",
			Help: "Total number of outbound frames dropped on a full send buffer.",
		},
		[]string{"event"},
	)

	// RateLimited counts inbound requests rejected by the per-connection limiter.
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Total number of inbound requests rejected by rate limiting.",
		},
		[]string{"event"},
	)

	// BridgeErrors counts failed cluster bridge calls by operation.
	BridgeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bridge_errors_total",
			Help: "Total number of failed cross-instance bridge calls.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		Connections,
		OnlineUsers,
		MessagesRouted,
		TypingSignals,
		PresenceEvents,
		DroppedFrames,
		RateLimited,
		BridgeErrors,
	)
}
