package speeddaemon

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "speeddaemon"

const (
	roleCameraLabel       = "camera"
	roleDispatcherLabel   = "dispatcher"
	roleUnidentifiedLabel = "unidentified"

	suppressedHistory = "history"
	suppressedStale   = "stale"
)

var (
	connectionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "connections_total",
			Help:      "Count of closed client connections by the role they identified as.",
		},
		[]string{"role"},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "active_connections",
			Help:      "Number of currently connected clients.",
		},
	)
	protocolErrorsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "protocol_errors_total",
			Help:      "Count of clients disconnected with an Error message.",
		},
	)
	readingsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "readings_total",
			Help:      "Count of plate readings ingested.",
		},
	)
	ticketsIssuedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "tickets_issued_total",
			Help:      "Count of tickets handed to a dispatcher.",
		},
	)
	ticketsSuppressedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "tickets_suppressed_total",
			Help:      "Count of tickets dropped because the car was already ticketed on one of their days.",
		},
		[]string{"reason"},
	)
	ticketsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "tickets_pending",
			Help:      "Number of tickets waiting for a dispatcher.",
		},
	)
	heartbeatsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "heartbeats_sent_total",
			Help:      "Count of Heartbeat messages written to clients.",
		},
	)
)

var registerMetrics sync.Once

// RegisterMetrics registers all speed daemon metrics with r. Only the first call has any effect.
func RegisterMetrics(r prometheus.Registerer) {
	registerMetrics.Do(func() {
		r.MustRegister(
			connectionsCounter,
			activeConnections,
			protocolErrorsCounter,
			readingsCounter,
			ticketsIssuedCounter,
			ticketsSuppressedCounter,
			ticketsPending,
			heartbeatsCounter,
		)
	})
}
