// Package metrics exposes Prometheus counters and gauges for the
// orchestration engine. It generalizes the teacher's plain Metrics struct
// (CyclesRun, AgentsSpawned, AgentsSucceeded, AgentsFailed, TicketsCompleted,
// TotalRuntime counted in memory and printed at shutdown) into live
// client_golang instruments so they can be scraped continuously rather
// than read once at process exit, the way r3e-network-service_layer and
// flyingrobots-go-redis-work-queue instrument their own worker pools.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every instrument the engine updates.
type Metrics struct {
	WorkersSpawned   *prometheus.CounterVec
	WorkerOutcomes   *prometheus.CounterVec
	TicketsClosed    prometheus.Counter
	TicketsOnHold    prometheus.Counter
	QueueDepth       *prometheus.GaugeVec
	RespawnsTotal    prometheus.Counter
	StageDuration    *prometheus.HistogramVec
}

// New registers and returns a Metrics bundle against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkersSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ticketforge",
			Name:      "workers_spawned_total",
			Help:      "Worker subprocesses launched, labeled by stage.",
		}, []string{"stage"}),
		WorkerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ticketforge",
			Name:      "worker_outcomes_total",
			Help:      "Worker run outcomes, labeled by stage and result.",
		}, []string{"stage", "result"}),
		TicketsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ticketforge",
			Name:      "tickets_closed_total",
			Help:      "Tickets that reached a closed state.",
		}),
		TicketsOnHold: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ticketforge",
			Name:      "tickets_on_hold_total",
			Help:      "Tickets placed on_hold for coordinator attention.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ticketforge",
			Name:      "queue_depth",
			Help:      "Pending ticket count per (project, stage) queue.",
		}, []string{"project_id", "stage"}),
		RespawnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ticketforge",
			Name:      "respawns_total",
			Help:      "Stale claims reclaimed by the recovery loop.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ticketforge",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock time a worker subprocess ran, by stage.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.WorkersSpawned, m.WorkerOutcomes, m.TicketsClosed, m.TicketsOnHold,
		m.QueueDepth, m.RespawnsTotal, m.StageDuration,
	)
	return m
}
