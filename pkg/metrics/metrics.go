// Package metrics declares the Prometheus series the Controller exposes
// for its own cluster-state-manager pipeline (probing, role switching,
// publishing, persistence).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ms_controller_nodes_total",
			Help: "Total number of nodes by role and health",
		},
		[]string{"role", "healthy"},
	)

	GroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ms_controller_groups_total",
			Help: "Total number of active groups",
		},
	)

	CoordinatorsHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ms_controller_coordinators_healthy",
			Help: "Number of coordinators currently considered healthy",
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ms_controller_is_leader",
			Help: "Whether this Controller process is the elected leader (1) or a follower (0)",
		},
	)

	// Prober metrics
	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ms_controller_probe_duration_seconds",
			Help:    "Time taken for one worker probe cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_controller_probe_failures_total",
			Help: "Total number of failed worker probes by reason",
		},
		[]string{"reason"},
	)

	NodesMarkedFaultyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_controller_nodes_marked_faulty_total",
			Help: "Total number of nodes moved into the faulty map, by reason",
		},
		[]string{"reason"},
	)

	// Role switcher metrics
	RoleSwitchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ms_controller_role_switch_duration_seconds",
			Help:    "Time taken to complete a role switch",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 180},
		},
		[]string{"target_role", "outcome"},
	)

	RoleSwitchesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ms_controller_role_switches_in_flight",
			Help: "Number of nodes currently mid role-switch",
		},
	)

	RoleSwitchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_controller_role_switch_failures_total",
			Help: "Total number of role switch failures by stage",
		},
		[]string{"stage"},
	)

	// Scheduler metrics
	SchedulerIterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ms_controller_scheduler_iteration_duration_seconds",
			Help:    "Time taken for one Cluster Scheduler iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerIterationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ms_controller_scheduler_iterations_total",
			Help: "Total number of completed scheduler iterations",
		},
	)

	// Publish metrics
	CoordinatorPushFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_controller_coordinator_push_failures_total",
			Help: "Total number of failed /v1/instances/refresh pushes by coordinator",
		},
		[]string{"coordinator"},
	)

	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ms_controller_publish_duration_seconds",
			Help:    "Time taken to publish the cluster view to all coordinators",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Persistence metrics
	PersistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ms_controller_persist_duration_seconds",
			Help:    "Time taken to write the Process Status File",
			Buckets: prometheus.DefBuckets,
		},
	)

	PersistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ms_controller_persist_failures_total",
			Help: "Total number of failed Process Status File writes",
		},
	)

	TopologyReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ms_controller_topology_reconcile_duration_seconds",
			Help:    "Time taken to reconcile the rank table against the live map",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Event broker metrics
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_controller_events_dropped_total",
			Help: "Total number of cluster-lifecycle events dropped because a subscriber's buffer was full, by event type",
		},
		[]string{"event_type"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		GroupsTotal,
		CoordinatorsHealthy,
		IsLeader,
		ProbeDuration,
		ProbeFailuresTotal,
		NodesMarkedFaultyTotal,
		RoleSwitchDuration,
		RoleSwitchesInFlight,
		RoleSwitchFailuresTotal,
		SchedulerIterationDuration,
		SchedulerIterationsTotal,
		CoordinatorPushFailuresTotal,
		PublishDuration,
		PersistDuration,
		PersistFailuresTotal,
		TopologyReconcileDuration,
		EventsDroppedTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
