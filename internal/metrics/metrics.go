// Package metrics holds the process-wide prometheus collectors. They live on
// the default registry, which the server exposes at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineRuns counts research runs by terminal status.
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alphasift",
		Name:      "pipeline_runs_total",
		Help:      "Research runs by terminal status.",
	}, []string{"status"})

	// StageDuration observes the wall-clock time of each external stage call,
	// including the attempt that failed.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "alphasift",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock duration of stage executions.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	// StageRetries counts retried stage attempts.
	StageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alphasift",
		Name:      "stage_retries_total",
		Help:      "Stage call retries after a transient failure.",
	}, []string{"stage"})

	// CacheRequests counts stage cache lookups by result (hit or miss).
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alphasift",
		Name:      "stage_cache_requests_total",
		Help:      "Stage cache lookups by result.",
	}, []string{"stage", "result"})

	// GateDecisions counts gate verdicts by gate and outcome.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alphasift",
		Name:      "gate_decisions_total",
		Help:      "Quality gate verdicts by gate and outcome.",
	}, []string{"gate", "outcome"})
)
