package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundgate_tasks_started_total",
			Help: "Total number of tasks started",
		},
		[]string{"category"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundgate_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"category", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groundgate_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"category"},
	)

	// Attempt metrics
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundgate_attempts_total",
			Help: "Total number of execution attempts",
		},
		[]string{"category", "resolved"},
	)

	RetryDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groundgate_retry_delay_seconds",
			Help:    "Backoff delay between retry attempts in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	AttemptCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groundgate_attempt_cost_usd",
			Help:    "Cost in USD per attempt",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	)

	// Quality gate metrics
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundgate_gate_decisions_total",
			Help: "Quality gate pass/fail decisions",
		},
		[]string{"passed"},
	)

	GateFailReasons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundgate_gate_fail_reasons_total",
			Help: "Fail reasons emitted by the quality gate",
		},
		[]string{"code", "severity"},
	)

	// Citation metrics
	CitationsValidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groundgate_citations_validated_total",
			Help: "Citations accepted by the validator",
		},
	)

	CitationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundgate_citations_dropped_total",
			Help: "Citations dropped during validation",
		},
		[]string{"reason"},
	)

	// Evidence metrics
	EvidenceChunksAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groundgate_evidence_chunks_added_total",
			Help: "Evidence chunks registered in the store",
		},
	)

	// Admission policy metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundgate_policy_decisions_total",
			Help: "Admission policy decisions",
		},
		[]string{"decision", "mode"},
	)
)
