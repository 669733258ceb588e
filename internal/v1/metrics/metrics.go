// Package metrics exposes Prometheus instrumentation for the coordination
// server.
//
// Naming convention: namespace_subsystem_name
//   - namespace: watch_party
//   - subsystem: websocket, room
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the current number of WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watch_party",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watch_party",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// MessagesProcessed counts inbound messages by type and outcome.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "websocket",
		Name:      "messages_total",
		Help:      "Total inbound WebSocket messages processed",
	}, []string{"message_type", "status"})

	// DroppedFrames counts outbound frames lost to full or closed queues.
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "websocket",
		Name:      "dropped_frames_total",
		Help:      "Outbound frames dropped because a client queue was full or closed",
	})

	// ZombiesReaped counts connections reclaimed by the liveness sweeper.
	ZombiesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "websocket",
		Name:      "zombies_reaped_total",
		Help:      "Connections reclaimed by the zombie sweeper",
	})

	// StateUpdatesFiltered counts host state updates suppressed by the
	// throttle/jitter/cooldown filter.
	StateUpdatesFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "room",
		Name:      "state_updates_filtered_total",
		Help:      "Host state updates dropped by the acceptance filter",
	}, []string{"reason"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
