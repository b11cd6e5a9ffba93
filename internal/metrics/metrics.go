// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Webhook pipeline
	WebhookDeliveries  *prometheus.CounterVec
	WebhookDeadLetters *prometheus.CounterVec
	WebhookReplays     *prometheus.CounterVec
	RetryQueueDepth    *prometheus.GaugeVec

	// Payment triggers
	PaymentTriggers *prometheus.CounterVec

	// Background loops
	RetentionSweeps   prometheus.Counter
	RetentionDeletes  prometheus.Counter
	OnboardingEmails  *prometheus.CounterVec
	RateLimitRejected *prometheus.CounterVec
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		WebhookDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_webhook_deliveries_total",
				Help: "Webhook delivery attempts by outcome",
			},
			[]string{"outcome"}, // delivered, failed
		),
		WebhookDeadLetters: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_webhook_dead_letters_total",
				Help: "Retry jobs moved to dead-letter",
			},
			[]string{"pipeline"}, // webhook, payment_trigger
		),
		WebhookReplays: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_webhook_replays_total",
				Help: "Dead-letter jobs replayed by an operator",
			},
			[]string{"pipeline"},
		),
		RetryQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settld_retry_queue_depth",
				Help: "Pending retry jobs per queue",
			},
			[]string{"pipeline"},
		),
		PaymentTriggers: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_payment_triggers_total",
				Help: "Payment trigger outcomes",
			},
			[]string{"outcome"}, // recorded, delivered, enqueued, dead_letter
		),
		RetentionSweeps: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "settld_retention_sweeps_total",
				Help: "Completed retention sweep passes",
			},
		),
		RetentionDeletes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "settld_retention_deletes_total",
				Help: "Run records evicted by the retention sweeper",
			},
		),
		OnboardingEmails: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_onboarding_emails_total",
				Help: "Onboarding sequence emails sent per step",
			},
			[]string{"step"},
		),
		RateLimitRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settld_rate_limit_rejected_total",
				Help: "Requests rejected by the per-tenant rate limiter",
			},
			[]string{"endpoint"},
		),
	}
}
