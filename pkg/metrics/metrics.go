// Package metrics holds the Prometheus collectors for the leakguard server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/leakguard/pkg/ingest"
	"github.com/haasonsaas/leakguard/pkg/policy"
)

var (
	// AuthFailures counts rejected signed requests by reason code.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leakguard_auth_failures_total",
		Help: "Signed agent requests rejected by the authenticator",
	}, []string{"code"})

	// Enrollments counts registration attempts by result and proof type.
	Enrollments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leakguard_enrollments_total",
		Help: "Agent registration attempts",
	}, []string{"result", "proof"})

	IngestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leakguard_ingest_outcomes_total",
		Help: "Event submissions by outcome",
	}, []string{"status"})

	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leakguard_policy_decisions_total",
		Help: "Policy decisions by action",
	}, []string{"action"})

	// CacheLookups counts policy cache lookups: hit, miss or error.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leakguard_policy_cache_lookups_total",
		Help: "Policy cache lookups",
	}, []string{"result"})

	AlertNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leakguard_alert_notifications_total",
		Help: "Alert notifications by result (sent, failed, dropped)",
	}, []string{"result"})

	QueueDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leakguard_queue_deliveries_total",
		Help: "Work queue deliveries by result (ok, retry, dropped)",
	}, []string{"result"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leakguard_queue_depth",
		Help: "Pending events on the ingestion work queue",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leakguard_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)

// ObserveOutcome records an ingestion outcome and, when present, the decision action.
func ObserveOutcome(status ingest.Status, action policy.Action) {
	IngestOutcomes.WithLabelValues(string(status)).Inc()
	if action != "" {
		PolicyDecisions.WithLabelValues(string(action)).Inc()
	}
}

func ObserveCacheLookup(result string) { CacheLookups.WithLabelValues(result).Inc() }

func ObserveAlert(result string) { AlertNotifications.WithLabelValues(result).Inc() }

func ObserveDelivery(result string) { QueueDeliveries.WithLabelValues(result).Inc() }
