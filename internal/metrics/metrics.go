// Package metrics holds the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway. Pass to components
// that need to record them.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	ActionsEvaluated     prometheus.Counter
	CheckpointsTriggered prometheus.Counter
	ApprovalsTotal       *prometheus.CounterVec
	NearMissesTotal      *prometheus.CounterVec
	RiskScores           prometheus.Histogram
	WebhookDeliveries    *prometheus.CounterVec
	DashboardClients     prometheus.Gauge
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riskgate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "riskgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActionsEvaluated: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "riskgate",
				Name:      "actions_evaluated_total",
				Help:      "Total actions scored by the risk engine",
			},
		),
		CheckpointsTriggered: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "riskgate",
				Name:      "checkpoints_triggered_total",
				Help:      "Total actions held for human approval",
			},
		),
		ApprovalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riskgate",
				Name:      "approvals_total",
				Help:      "Total approval verdicts recorded",
			},
			[]string{"verdict"}, // verdict=approved/rejected
		),
		NearMissesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riskgate",
				Name:      "near_misses_total",
				Help:      "Total near-miss reports recorded",
			},
			[]string{"type"},
		),
		RiskScores: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "riskgate",
				Name:      "risk_score",
				Help:      "Distribution of computed risk scores",
				Buckets:   prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
			},
		),
		WebhookDeliveries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riskgate",
				Name:      "webhook_deliveries_total",
				Help:      "Total webhook delivery outcomes",
			},
			[]string{"outcome"}, // outcome=success/failure
		),
		DashboardClients: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "riskgate",
				Name:      "dashboard_clients",
				Help:      "Connected dashboard WebSocket clients",
			},
		),
	}
}
