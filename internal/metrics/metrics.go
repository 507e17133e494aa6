// Package metrics provides Prometheus metrics for the planner service
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Wizard session metrics
	WizardSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "planner_wizard_sessions_active",
			Help: "Number of open production-run wizard sessions",
		},
	)

	WizardSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planner_wizard_submissions_total",
			Help: "Production run submissions by outcome",
		},
		[]string{"status"},
	)

	// Collaborator metrics
	DefaultsFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planner_defaults_fetches_total",
			Help: "Item production defaults fetches by outcome",
		},
		[]string{"status"},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planner_cache_lookups_total",
			Help: "Query cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planner_http_request_duration_seconds",
			Help:    "Time taken to serve HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Outcome labels shared by the counters above.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	ResultHit     = "hit"
	ResultMiss    = "miss"
)
