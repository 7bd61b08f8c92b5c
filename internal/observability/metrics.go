// Package observability registers the daemon's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the daemon's instrument set, registered on one registry so
// tests can build isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	HookEvents       *prometheus.CounterVec
	HookBlocks       *prometheus.CounterVec
	HookDuration     prometheus.Histogram
	WorkflowActions  *prometheus.CounterVec
	PipelineRuns     *prometheus.CounterVec
	AgentsSpawned    *prometheus.CounterVec
	CronDispatches   *prometheus.CounterVec
	WebSocketClients prometheus.Gauge
}

// New builds a registry with all daemon metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		HookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gobby_hook_events_total",
			Help: "Hook events received, by source CLI and event type.",
		}, []string{"source", "type"}),
		HookBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gobby_hook_blocks_total",
			Help: "Hook events answered with a blocking decision.",
		}, []string{"source", "type"}),
		HookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gobby_hook_handle_seconds",
			Help:    "Wall time spent handling one hook event.",
			Buckets: prometheus.DefBuckets,
		}),
		WorkflowActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gobby_workflow_actions_total",
			Help: "Workflow actions executed, by action name.",
		}, []string{"action"}),
		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gobby_pipeline_executions_total",
			Help: "Pipeline executions finished, by terminal status.",
		}, []string{"status"}),
		AgentsSpawned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gobby_agents_spawned_total",
			Help: "Child agents spawned, by execution mode.",
		}, []string{"mode"}),
		CronDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gobby_cron_dispatches_total",
			Help: "Cron job dispatches, by outcome.",
		}, []string{"status"}),
		WebSocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gobby_websocket_clients",
			Help: "Currently connected WebSocket clients.",
		}),
	}
}
