// Package metrics exposes Prometheus metrics for the drip scheduler and API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for drip
type Metrics struct {
	// Scheduler
	TicksTotal          *prometheus.CounterVec
	TickDurationSeconds prometheus.Histogram
	DueEnrollments      prometheus.Gauge

	// Delivery pipeline
	DeliveriesTotal   *prometheus.CounterVec
	StepsSkippedTotal *prometheus.CounterVec
	CompletionsTotal  *prometheus.CounterVec
	EnrollmentsTotal  *prometheus.CounterVec
	QuotaDeniedTotal  *prometheus.CounterVec

	// Engagement
	TrackingEventsTotal *prometheus.CounterVec
	UnsubscribesTotal   prometheus.Counter

	// Enrollment state
	ActiveEnrollments prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_ticks_total",
				Help: "Total number of scheduler ticks by result",
			},
			[]string{"result"},
		),
		TickDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "drip_tick_duration_seconds",
				Help:    "Scheduler tick duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
			},
		),
		DueEnrollments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_due_enrollments",
				Help: "Number of enrollments selected by the last tick",
			},
		),

		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_deliveries_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		StepsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_steps_skipped_total",
				Help: "Total number of steps consumed without sending",
			},
			[]string{"reason"},
		),
		CompletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_completions_total",
				Help: "Total number of enrollments that reached the end of their sequence or were stopped",
			},
			[]string{"reason"},
		),
		EnrollmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_enrollments_total",
				Help: "Total number of enrollments created by source",
			},
			[]string{"source"},
		),
		QuotaDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_quota_denied_total",
				Help: "Total number of sends postponed by a quota",
			},
			[]string{"level"},
		),

		TrackingEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_tracking_events_total",
				Help: "Total number of recorded opens and clicks",
			},
			[]string{"event"},
		),
		UnsubscribesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "drip_unsubscribes_total",
				Help: "Total number of per-sequence unsubscribes",
			},
		),

		ActiveEnrollments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_active_enrollments",
				Help: "Number of active enrollments",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drip_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_storage_used_bytes",
				Help: "SQLite database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TickDurationSeconds,
		m.DueEnrollments,
		m.DeliveriesTotal,
		m.StepsSkippedTotal,
		m.CompletionsTotal,
		m.EnrollmentsTotal,
		m.QuotaDeniedTotal,
		m.TrackingEventsTotal,
		m.UnsubscribesTotal,
		m.ActiveEnrollments,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
