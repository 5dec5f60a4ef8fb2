// Package metrics holds the Prometheus collectors for the datafeed server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the server exports. Each instance owns a
// private prometheus registry so tests can build servers side by side.
type Registry struct {
	reg *prometheus.Registry

	CommandDuration *prometheus.HistogramVec
	Commands        *prometheus.CounterVec

	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	TicksAccepted  prometheus.Counter
	TaskQueueDepth prometheus.Gauge
	SchedulerRuns  *prometheus.CounterVec
}

// NewRegistry creates and registers all collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datafeed_command_duration_seconds",
				Help:    "Wall time of each protocol command",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"command"},
		),

		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datafeed_commands_total",
				Help: "Protocol commands handled, by command and status",
			},
			[]string{"command", "status"},
		),

		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "datafeed_active_connections",
				Help: "Currently open client connections",
			},
		),

		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "datafeed_connections_total",
				Help: "Client connections accepted since start",
			},
		),

		TicksAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "datafeed_ticks_accepted_total",
				Help: "Ticks merged into the tick table",
			},
		),

		TaskQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "datafeed_task_queue_depth",
				Help: "Scheduler tasks waiting to run",
			},
		),

		SchedulerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datafeed_scheduler_runs_total",
				Help: "Scheduler job executions, by job and result",
			},
			[]string{"job", "result"},
		),
	}

	r.reg.MustRegister(
		r.CommandDuration,
		r.Commands,
		r.ActiveConnections,
		r.ConnectionsTotal,
		r.TicksAccepted,
		r.TaskQueueDepth,
		r.SchedulerRuns,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveCommand records one handled command.
func (r *Registry) ObserveCommand(command string, elapsed time.Duration, ok bool) {
	r.CommandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	status := "ok"
	if !ok {
		status = "error"
	}
	r.Commands.WithLabelValues(command, status).Inc()
}

// ConnOpened records an accepted connection.
func (r *Registry) ConnOpened() {
	r.ActiveConnections.Inc()
	r.ConnectionsTotal.Inc()
}

// ConnClosed records a finished connection.
func (r *Registry) ConnClosed() {
	r.ActiveConnections.Dec()
}

// JobRun records one scheduler job execution.
func (r *Registry) JobRun(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.SchedulerRuns.WithLabelValues(job, result).Inc()
}
