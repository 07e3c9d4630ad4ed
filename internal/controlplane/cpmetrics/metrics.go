// Package cpmetrics declares the Prometheus metrics for the control plane.
package cpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts billing webhook deliveries by event type
	// and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "cp",
		Name:      "webhook_requests_total",
		Help:      "Billing webhook requests by event type and response status.",
	}, []string{"event_type", "status"})

	// WebhookDuration observes billing webhook handling latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strata",
		Subsystem: "cp",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook handling duration by event type.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ProvisioningTotal counts provisioning attempts and outcomes.
	ProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "cp",
		Name:      "provisioning_total",
		Help:      "Provisioning runs by outcome (attempt, success, error, skipped_active).",
	}, []string{"outcome"})

	// TeardownFailuresTotal counts best-effort teardown steps that failed
	// and were recorded for manual cleanup.
	TeardownFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "cp",
		Name:      "teardown_failures_total",
		Help:      "Teardown steps that failed, by resource type.",
	}, []string{"resource_type"})

	// TenantsByStatus tracks the current number of tenant records per status.
	TenantsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "strata",
		Subsystem: "cp",
		Name:      "tenants_by_status",
		Help:      "Current tenant count by lifecycle status.",
	}, []string{"status"})
)
