package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemtube_jobs_submitted_total",
		Help: "Total number of jobs submitted",
	}, []string{"kind"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemtube_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal state",
	}, []string{"kind", "status"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stemtube_active_jobs",
		Help: "Number of jobs currently running",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stemtube_stage_duration_seconds",
		Help:    "Pipeline stage duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"stage"})

	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemtube_stage_failures_total",
		Help: "Pipeline stage failures by kind",
	}, []string{"stage", "kind"})

	BatchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemtube_batch_items_total",
		Help: "Batch work items by terminal state",
	}, []string{"state"})

	ProcessesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemtube_processes_started_total",
		Help: "External tool processes spawned",
	}, []string{"tool"})

	ProcessesKilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemtube_processes_killed_total",
		Help: "External tool process trees killed",
	}, []string{"tool", "reason"})
)
