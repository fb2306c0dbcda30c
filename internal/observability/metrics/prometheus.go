// Package metrics provides Prometheus metrics for the medication engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	AdministrationsRecorded *prometheus.CounterVec
	SafetyDenials           *prometheus.CounterVec
	ComplianceScore         prometheus.Histogram
	AccuracyScore           prometheus.Histogram
	ReviewsFlagged          prometheus.Counter
	ReconciliationDuration  prometheus.Histogram
	DiscrepanciesIdentified *prometheus.CounterVec
	CasesRequiringReview    prometheus.Gauge
	VersionConflicts        prometheus.Counter
	OutboxPending           prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		AdministrationsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "administrations_recorded_total",
			Help: "Total administration records by status",
		}, []string{"status"}),
		SafetyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_denials_total",
			Help: "Administrations denied by the safety gate, by reason",
		}, []string{"reason"}),
		ComplianceScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "administration_compliance_score",
			Help:    "Compliance score distribution (0-100)",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		AccuracyScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "administration_accuracy_score",
			Help:    "Accuracy score distribution (0-100)",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		ReviewsFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "administrations_flagged_for_review_total",
			Help: "Administration records flagged for clinical review",
		}),
		ReconciliationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconciliation_duration_seconds",
			Help:    "Time to reconcile a care transition",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		DiscrepanciesIdentified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discrepancies_identified_total",
			Help: "Discrepancies identified by severity",
		}, []string{"severity"}),
		CasesRequiringReview: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconciliation_cases_requiring_review",
			Help: "Open reconciliation cases awaiting pharmacist review",
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discrepancy_version_conflicts_total",
			Help: "Concurrent discrepancy updates rejected by version check",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
	}

	prometheus.MustRegister(
		m.AdministrationsRecorded,
		m.SafetyDenials,
		m.ComplianceScore,
		m.AccuracyScore,
		m.ReviewsFlagged,
		m.ReconciliationDuration,
		m.DiscrepanciesIdentified,
		m.CasesRequiringReview,
		m.VersionConflicts,
		m.OutboxPending,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
