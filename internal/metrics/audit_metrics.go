// Package metrics exposes prometheus collectors for the audit engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Audit lifecycle metrics
	AuditsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webaudit_audits_started_total",
			Help: "Total number of audits started by tier",
		},
		[]string{"tier"},
	)

	AuditsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webaudit_audits_completed_total",
			Help: "Total number of audits finished by terminal status",
		},
		[]string{"status"},
	)

	AuditDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webaudit_audit_duration_seconds",
			Help:    "End-to-end audit duration",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"tier"},
	)

	PhaseDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webaudit_phase_duration_seconds",
			Help:    "Duration of individual audit phases",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"phase"},
	)

	// Supervisor metrics
	AnalyzerTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webaudit_analyzer_timeouts_total",
			Help: "Total analyzer calls abandoned on timeout",
		},
		[]string{"analyzer"},
	)

	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webaudit_breaker_trips_total",
			Help: "Total circuit breaker trips by analyzer",
		},
		[]string{"analyzer"},
	)

	DegradedResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webaudit_degraded_results_total",
			Help: "Total degraded results by analyzer and fallback mode",
		},
		[]string{"analyzer", "mode"},
	)

	// Consensus metrics
	FindingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webaudit_findings_ingested_total",
			Help: "Total findings ingested into consensus by source agent",
		},
		[]string{"agent"},
	)

	ConsensusConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webaudit_consensus_conflicts_total",
			Help: "Total consensus results that reached the conflicted state",
		},
	)

	// Progress stream metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webaudit_progress_events_total",
			Help: "Total progress events delivered to the sink by type",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webaudit_progress_events_dropped_total",
			Help: "Total progress events dropped under queue pressure by priority",
		},
		[]string{"priority"},
	)
)
