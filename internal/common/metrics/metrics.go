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
		[]string{"queue"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"queue", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"queue"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of jobs currently being processed",
		},
		[]string{"queue"},
	)

	WorkersRegistered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workers_registered",
			Help: "Number of running workers per role",
		},
		[]string{"role"},
	)

	QueueJobsStalled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_stalled_total",
			Help: "Total number of claimed jobs whose lock expired",
		},
		[]string{"queue"},
	)

	QueueJobsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter list",
		},
		[]string{"queue"},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_processed_total",
			Help: "Recipients processed by sender workers, by resulting status",
		},
		[]string{"channel", "status"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_errors_total",
			Help: "Provider send failures by classification",
		},
		[]string{"channel", "class", "code"},
	)

	ProviderSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "provider_send_duration_seconds",
			Help: "Latency of a single provider send",
		},
		[]string{"channel"},
	)

	CallbacksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbacks_received_total",
			Help: "Delivery callback requests by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	CallbackRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callback_records_total",
			Help: "Delivery callback records by parser and result",
		},
		[]string{"parser", "result"},
	)
)
