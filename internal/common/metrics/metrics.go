// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Total number of requested application transitions by outcome",
		},
		[]string{"from_state", "to_state", "result"},
	)

	TransitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_transition_duration_seconds",
			Help:    "Duration of validation and commit of a transition in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"to_state"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_notifications_total",
			Help: "Notifications by category and outcome (queued, dropped, sent, failed)",
		},
		[]string{"category", "outcome"},
	)

	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_audit_write_failures_total",
			Help: "Audit entries that could not be written",
		},
	)

	OverdueSteps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workflow_overdue_steps",
			Help: "Open steps past their SLA deadline at the last sweep",
		},
		[]string{"state"},
	)

	SearchIndexFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_search_index_failures_total",
			Help: "Transition events that could not be indexed",
		},
	)
)
