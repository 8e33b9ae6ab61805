// Package metrics holds the Prometheus collectors for the subscription
// service. Collectors are registered with the default registry and served
// by promhttp on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubscribeOutcomes counts pipeline results by outcome and reason.
	SubscribeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscribe_outcomes_total",
			Help: "Subscription requests by pipeline outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	// ProviderRequests counts mailing-list API calls by operation and result.
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailinglist_requests_total",
			Help: "Mailing-list provider API calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	// ProviderDuration tracks mailing-list API latency.
	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailinglist_request_duration_seconds",
			Help:    "Duration of mailing-list provider API calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// CaptchaVerifications counts CAPTCHA checks by result.
	CaptchaVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captcha_verifications_total",
			Help: "CAPTCHA verifications by result",
		},
		[]string{"result"},
	)

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// RateLimitEntries is the number of client windows held in memory.
	RateLimitEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ratelimit_entries",
			Help: "Client windows tracked by the in-memory rate limiter",
		},
	)

	// RateLimitEvictions counts windows removed by the janitor.
	RateLimitEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_evictions_total",
			Help: "Expired client windows removed from memory",
		},
	)
)

// ObserveProvider records one provider call.
func ObserveProvider(operation, result string, elapsed time.Duration) {
	ProviderRequests.WithLabelValues(operation, result).Inc()
	ProviderDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveSweep records a rate limiter sweep. Matches the
// ratelimit.WithSweepHook signature.
func ObserveSweep(removed, remaining int) {
	RateLimitEvictions.Add(float64(removed))
	RateLimitEntries.Set(float64(remaining))
}
