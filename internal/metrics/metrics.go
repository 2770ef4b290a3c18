// Package metrics provides Prometheus instrumentation for the legion server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts successful job status transitions.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legion",
		Name:      "job_transitions_total",
		Help:      "Total number of successful job status transitions.",
	}, []string{"from", "to"})

	// TransitionsRejected counts transition attempts rejected by a guard.
	TransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legion",
		Name:      "job_transitions_rejected_total",
		Help:      "Total number of transition attempts rejected by a guard.",
	}, []string{"reason"})

	// JobsCreated counts jobs submitted.
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "legion",
		Name:      "jobs_created_total",
		Help:      "Total number of jobs created.",
	})

	// ClaimDistance tracks the straight-line distance of successful claims.
	ClaimDistance = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "legion",
		Name:      "claim_distance_km",
		Help:      "Distance in km between printer and creator on successful claims.",
		Buckets:   []float64{1, 2.5, 5, 10, 25, 50, 100, 400},
	})

	// GeocodeRequests counts upstream geocoder calls by result.
	GeocodeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legion",
		Name:      "geocode_requests_total",
		Help:      "Total number of geocoder lookups.",
	}, []string{"kind", "result"})

	// StatsRefreshDuration tracks how long a stats snapshot rebuild takes.
	StatsRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "legion",
		Name:      "stats_refresh_duration_seconds",
		Help:      "Duration of global stats snapshot refreshes.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
)
