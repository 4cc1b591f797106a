// Package metrics holds the Prometheus collectors the services report to.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Operations       *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
	WebhookEvents    *prometheus.CounterVec
	OutboxPublished  *prometheus.CounterVec
	OutboxFailures   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which keeps tests independent of the global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_operations_total",
				Help: "Total number of service operations by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		OperationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storefront_operation_duration_seconds",
				Help:    "Duration of service operations in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_webhook_events_total",
				Help: "Gateway webhook events by type and how they were handled.",
			},
			[]string{"event_type", "result"},
		),
		OutboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_outbox_published_total",
				Help: "Outbox events published to the broker.",
			},
			[]string{"event_type"},
		),
		OutboxFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_outbox_publish_failed_total",
				Help: "Outbox publish attempts that failed.",
			},
			[]string{"event_type"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.OperationSeconds, m.WebhookEvents, m.OutboxPublished, m.OutboxFailures)
	}
	return m
}

// Observe records one finished operation. Safe on a nil receiver.
func (m *Metrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
	m.OperationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Webhook(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) Published(eventType string) {
	if m == nil {
		return
	}
	m.OutboxPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) PublishFailed(eventType string) {
	if m == nil {
		return
	}
	m.OutboxFailures.WithLabelValues(eventType).Inc()
}
