package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the daemon's collectors on a private registry so several
// daemons (or tests) can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// ControlConnections counts accepted control connections.
	ControlConnections prometheus.Counter
	// ControlDetaches counts detached control connections, partitioned by reason.
	ControlDetaches *prometheus.CounterVec
	// Commands counts dispatched commands by verb and result.
	Commands *prometheus.CounterVec
	// WorkerTransitions counts worker state entries.
	WorkerTransitions *prometheus.CounterVec
	// StopDuration tracks how long a requested stop took to reach Idle.
	StopDuration *prometheus.HistogramVec
	ShutdownRequests *prometheus.CounterVec
	Listeners        prometheus.Gauge
	EventClients     prometheus.Gauge
}

// NewMetrics creates and registers all collectors plus the Go runtime ones.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ControlConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcastd_control_connections_total",
			Help: "Total number of accepted control connections",
		}),
		ControlDetaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcastd_control_detaches_total",
			Help: "Total number of control connections released",
		}, []string{"reason"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcastd_commands_total",
			Help: "Total number of control commands dispatched",
		}, []string{"verb", "result"}),
		WorkerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcastd_worker_transitions_total",
			Help: "Total number of worker state transitions",
		}, []string{"kind", "state"}),
		StopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broadcastd_worker_stop_duration_seconds",
			Help:    "Time taken for a worker to stop after a stop request",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"kind", "outcome"}),
		ShutdownRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcastd_shutdown_requests_total",
			Help: "Total number of shutdown requests",
		}, []string{"sender", "call_type"}),
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcastd_icecast_listeners",
			Help: "Last polled listener count of the configured mount",
		}),
		EventClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcastd_event_clients",
			Help: "Connected websocket event subscribers",
		}),
	}
	m.Registry.MustRegister(
		m.ControlConnections,
		m.ControlDetaches,
		m.Commands,
		m.WorkerTransitions,
		m.StopDuration,
		m.ShutdownRequests,
		m.Listeners,
		m.EventClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Personal.AI order the ending
