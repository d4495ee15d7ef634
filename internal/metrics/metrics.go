// Package metrics exposes the process's Prometheus registry, widened
// from the teacher's container/service gauges to the task/workflow
// domain but keeping its shape: package-level vars registered in
// init(), plus the Timer helper for latency histograms.
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
			Name: "forge_nodes_total",
			Help: "Total number of nodes by role and status",
		},
		[]string{"role", "status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	WorkflowsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_workflows_total",
			Help: "Total number of workflows by state",
		},
		[]string{"state"},
	)

	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_raft_term",
			Help: "Current Raft term",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_raft_apply_duration_seconds",
			Help:    "Time to apply and commit a Raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_scheduling_latency_seconds",
			Help:    "Time from task becoming schedulable to assignment",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_tasks_scheduled_total",
			Help: "Total number of tasks assigned to a node",
		},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_tasks_retried_total",
			Help: "Total number of task retry attempts",
		},
	)

	TasksDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to dead_letter",
		},
	)

	ConditionEvalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_condition_eval_duration_seconds",
			Help:    "Time to evaluate a workflow task's condition expression",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_api_requests_total",
			Help: "Total number of cluster RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_api_request_duration_seconds",
			Help:    "Cluster RPC request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	UpdaterProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_updater_nodes_updated",
			Help: "Number of nodes updated in the current rolling update",
		},
	)

	UpdatesRolledBack = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_updates_rolled_back_total",
			Help: "Total number of rolling updates that were rolled back",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		TasksTotal,
		WorkflowsTotal,
		RaftLeader,
		RaftTerm,
		RaftAppliedIndex,
		RaftApplyDuration,
		SchedulingLatency,
		TasksScheduled,
		TasksRetried,
		TasksDeadLettered,
		ConditionEvalDuration,
		APIRequestsTotal,
		APIRequestDuration,
		UpdaterProgress,
		UpdatesRolledBack,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later observation into a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
