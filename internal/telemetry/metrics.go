// Package telemetry provides observability primitives for the proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors the proxy exposes at /metrics.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec // labels: outcome
	RequestDuration     *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
	UpstreamAttempts    *prometheus.CounterVec // labels: subscription, outcome
	RetriesTotal        prometheus.Counter
	SubscriptionActive  *prometheus.GaugeVec // labels: subscription
	SubscriptionCooldown *prometheus.GaugeVec // labels: subscription; unix seconds, 0 when not cooling down
	SubscriptionCapacity *prometheus.GaugeVec // labels: subscription
	AffinityHits        prometheus.Counter
	AffinityMisses      prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subrelay",
			Name:      "requests_total",
			Help:      "Total number of proxied requests by outcome.",
		}, []string{"outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "subrelay",
			Name:                            "request_duration_seconds",
			Help:                            "Request duration in seconds, from admission to final byte.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"streaming"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "subrelay",
			Name:      "active_requests",
			Help:      "Number of currently in-flight requests across all subscriptions.",
		}),

		UpstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subrelay",
			Name:      "upstream_attempts_total",
			Help:      "Total upstream attempts per subscription by outcome.",
		}, []string{"subscription", "outcome"}),

		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subrelay",
			Name:      "retries_total",
			Help:      "Total non-streaming requests that retried against a different subscription.",
		}),

		SubscriptionActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "subrelay",
			Name:      "subscription_active",
			Help:      "Current number of in-flight requests held against a subscription.",
		}, []string{"subscription"}),

		SubscriptionCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "subrelay",
			Name:      "subscription_cooldown_until",
			Help:      "Unix timestamp a subscription is in cooldown until, 0 if not cooling down.",
		}, []string{"subscription"}),

		SubscriptionCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "subrelay",
			Name:      "subscription_capacity",
			Help:      "Configured max_concurrent for the subscription.",
		}, []string{"subscription"}),

		AffinityHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subrelay",
			Name:      "affinity_cache_hits_total",
			Help:      "Total client-affinity cache hits.",
		}),

		AffinityMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subrelay",
			Name:      "affinity_cache_misses_total",
			Help:      "Total client-affinity cache misses.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamAttempts,
		m.RetriesTotal,
		m.SubscriptionActive,
		m.SubscriptionCooldown,
		m.SubscriptionCapacity,
		m.AffinityHits,
		m.AffinityMisses,
	)

	return m
}

// ReportSnapshot pushes a point-in-time subscription snapshot into the
// active/cooldown/capacity gauges. Called on a short interval from the
// metrics reporting worker rather than on every request.
func (m *Metrics) ReportSnapshot(subscription string, active, capacity int, cooldownUntilUnix int64) {
	m.SubscriptionActive.WithLabelValues(subscription).Set(float64(active))
	m.SubscriptionCapacity.WithLabelValues(subscription).Set(float64(capacity))
	m.SubscriptionCooldown.WithLabelValues(subscription).Set(float64(cooldownUntilUnix))
}
