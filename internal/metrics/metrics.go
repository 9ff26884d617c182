// Package metrics provides Prometheus metrics for the orchestrator core:
// counters and histograms registered once at package init via promauto,
// scoped to this domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts every completed state transition, by
	// destination state and actor.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiopipe_transitions_total",
		Help: "Total number of successful job state transitions.",
	}, []string{"to_state", "actor"})

	// TransitionErrorsTotal counts rejected transitions by reason.
	TransitionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiopipe_transition_errors_total",
		Help: "Total number of rejected job state transitions, by error kind.",
	}, []string{"reason"})

	// ReclaimsTotal counts reclaim outcomes by the prior state.
	ReclaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiopipe_reclaims_total",
		Help: "Total number of jobs returned to Initial by the Reclaimer, by prior state.",
	}, []string{"from_state"})

	// QueueDepth tracks the current number of pending job references per
	// stage queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audiopipe_queue_depth",
		Help: "Current number of jobs queued for a stage.",
	}, []string{"stage"})

	// StageDurationSeconds observes wall-clock time spent inside a stage's
	// doStageWork call.
	StageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audiopipe_stage_duration_seconds",
		Help:    "Time spent executing a stage's work function.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage", "outcome"})

	// IndexRebuildsTotal counts Index Rebuilder runs by outcome.
	IndexRebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiopipe_index_rebuilds_total",
		Help: "Total number of derived-index rebuild runs, by outcome.",
	}, []string{"outcome"})

	// ArtifactsWrittenTotal counts artifact writes by stage.
	ArtifactsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiopipe_artifacts_written_total",
		Help: "Total number of artifact files written, by stage.",
	}, []string{"stage"})
)
