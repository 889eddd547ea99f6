// Package metrics holds the Prometheus collectors of the billing service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CreditConsumptions counts consumption attempts by outcome.
	CreditConsumptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditmeter",
		Subsystem: "billing",
		Name:      "credit_consumptions_total",
		Help:      "Credit consumption attempts by outcome (monthly, addon, duplicate, denied, error).",
	}, []string{"outcome"})

	// CreditsGranted counts credits added to accounts by ledger reason.
	CreditsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditmeter",
		Subsystem: "billing",
		Name:      "credits_granted_total",
		Help:      "Credits granted by ledger reason.",
	}, []string{"reason"})

	// MonthlyResets counts billing period resets.
	MonthlyResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "creditmeter",
		Subsystem: "billing",
		Name:      "monthly_resets_total",
		Help:      "Monthly usage resets triggered by a new billing period.",
	})

	// WebhookEvents counts webhook deliveries by event type and result.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditmeter",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Stripe webhook deliveries by event type and result (processed, duplicate, failed, rejected).",
	}, []string{"event_type", "result"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "creditmeter",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// HTTPRequests tracks API latency by route pattern and status.
	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "creditmeter",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration by method, route and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// NotificationJobs counts outbox job outcomes.
	NotificationJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditmeter",
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Outbox jobs by type and outcome (completed, retried, failed).",
	}, []string{"job_type", "outcome"})
)
